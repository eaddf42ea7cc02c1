package local

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"davsync/internal/fs"
)

// Adapter 本地文件系统适配器
type Adapter struct {
	fs      afero.Fs
	rootDir string // 本地根目录
}

// NewAdapter 创建一个新的本地适配器
// 真实运行时传入 afero.NewOsFs()，测试时可以传入 afero.NewMemMapFs()
func NewAdapter(afs afero.Fs, rootDir string) *Adapter {
	if afs == nil {
		afs = afero.NewOsFs()
	}
	return &Adapter{fs: afs, rootDir: filepath.Clean(rootDir)}
}

// toSysPath 将相对路径转换为本地系统路径
// 输入: "docs/file.txt" -> 输出 (Linux): "/data/docs/file.txt"
func (a *Adapter) toSysPath(relPath string) string {
	return filepath.Join(a.rootDir, filepath.FromSlash(relPath))
}

// Stat 获取单个文件状态
func (a *Adapter) Stat(relPath string) (*fs.FileMeta, error) {
	info, err := a.fs.Stat(a.toSysPath(relPath))
	if err != nil {
		return nil, err
	}
	return &fs.FileMeta{
		RelPath: relPath,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

// Exists 判断路径是否存在
func (a *Adapter) Exists(relPath string) bool {
	_, err := a.fs.Stat(a.toSysPath(relPath))
	return err == nil
}

// Remove 删除文件或整个目录
// 路径不存在时返回错误
func (a *Adapter) Remove(relPath string) error {
	fullPath := a.toSysPath(relPath)
	if _, err := a.fs.Stat(fullPath); err != nil {
		return err
	}
	return a.fs.RemoveAll(fullPath)
}

// Mkdir 创建目录，目录已存在时返回错误
func (a *Adapter) Mkdir(relPath string) error {
	return a.fs.Mkdir(a.toSysPath(relPath), 0755)
}

// Rename 重命名，目标已存在时返回错误
func (a *Adapter) Rename(oldRelPath, newRelPath string) error {
	oldSysPath := a.toSysPath(oldRelPath)
	newSysPath := a.toSysPath(newRelPath)

	if _, err := a.fs.Stat(newSysPath); err == nil {
		return &os.LinkError{Op: "rename", Old: oldSysPath, New: newSysPath, Err: os.ErrExist}
	}

	// 确保目标目录存在
	if err := a.fs.MkdirAll(filepath.Dir(newSysPath), 0755); err != nil {
		return err
	}
	return a.fs.Rename(oldSysPath, newSysPath)
}

// Replace 用 src 覆盖 dst (下载完成后把临时文件放到最终位置)
func (a *Adapter) Replace(srcRelPath, dstRelPath string) error {
	return a.fs.Rename(a.toSysPath(srcRelPath), a.toSysPath(dstRelPath))
}

// Open 打开本地文件用于读取
func (a *Adapter) Open(relPath string) (afero.File, error) {
	return a.fs.Open(a.toSysPath(relPath))
}

// OpenAppend 打开 (或创建) 文件用于追加写入，父目录不存在时自动创建
func (a *Adapter) OpenAppend(relPath string) (afero.File, error) {
	fullPath := a.toSysPath(relPath)
	if err := a.fs.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("创建目录失败: %w", err)
	}
	return a.fs.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// Truncate 清空文件
func (a *Adapter) Truncate(relPath string) error {
	f, err := a.fs.OpenFile(a.toSysPath(relPath), os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Chtimes 恢复文件的修改时间 (双向同步依赖这个时间)
func (a *Adapter) Chtimes(relPath string, modTime time.Time) error {
	return a.fs.Chtimes(a.toSysPath(relPath), time.Now(), modTime)
}

// SiblingPath 返回与 relPath 同目录下名为 name 的相对路径
func SiblingPath(relPath, name string) string {
	dir := path.Dir(relPath)
	if dir == "." {
		return name
	}
	return dir + "/" + name
}
