package sync

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"davsync/internal/fs"
	"davsync/internal/fs/dav"
	"davsync/internal/fs/local"
	"davsync/internal/journal"
)

var errAborted = errors.New("download aborted")

const downloadBufferSize = 32 * 1024

// downloadAction 流式下载到同目录的临时文件，完成后替换目标文件
// restore 为 true 时本地已有的文件先被改名为冲突文件
type downloadAction struct {
	restore bool
}

func (downloadAction) context() execContext { return onNetwork }

func (a downloadAction) run(ctx context.Context, j *itemJob) {
	p := j.p
	item := j.item

	var (
		tmpFile      string
		expectedETag string
		offset       int64
	)
	if info, ok, err := p.journal.DownloadInfo(item.File); ok {
		if meta, err := p.local.Stat(info.TmpFile); err == nil {
			tmpFile = info.TmpFile
			expectedETag = info.ETag
			offset = meta.Size
			slog.Info("继续未完成的下载", "path", item.File, "offset", units.HumanSize(float64(offset)))
		} else {
			journalError("clear", item.File, p.journal.ClearDownloadInfo(item.File))
		}
	} else {
		journalError("get", item.File, err)
	}
	if tmpFile == "" {
		tmpFile = local.SiblingPath(item.File, "."+path.Base(item.File)+".~"+uuid.NewString()[:8])
	}

	// Range 按压缩后的字节计算，续传时只接受未压缩的内容
	header := http.Header{}
	if offset > 0 {
		header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	} else {
		header.Set("Accept-Encoding", "gzip")
	}

	remote := p.remotePath(item.File)
	slog.Info("开始下载", "path", item.File)
	resp, err := p.opts.Session.Get(ctx, remote, header)
	if j.updateErrorFromSession(err, 0) {
		return
	}
	defer resp.Body.Close()

	if !j.acceptResponse(resp) {
		return
	}

	serverETag := resp.Header.Get(dav.HeaderETag)
	if serverETag == "" {
		serverETag = resp.Header.Get(dav.HeaderOCETag)
	}
	serverETag = CanonicalizeETag(serverETag)

	if offset > 0 {
		if expectedETag != "" && serverETag != expectedETag {
			slog.Warn("服务器上的文件已变化，放弃断点续传", "path", item.File, "expected", expectedETag, "etag", serverETag)
			if err := p.local.Remove(tmpFile); err != nil {
				slog.Warn("删除临时文件失败", "path", tmpFile, "err", err)
			}
			journalError("clear", item.File, p.journal.ClearDownloadInfo(item.File))
			j.done(StatusNormalError, "文件在服务器上已被修改，需要重新下载")
			return
		}
		if resp.StatusCode != http.StatusPartialContent {
			// 服务器忽略了 Range，从头开始写
			if err := p.local.Truncate(tmpFile); err != nil {
				j.fail(StatusNormalError, err)
				return
			}
			offset = 0
		}
	} else {
		if expectedETag = serverETag; expectedETag == "" {
			expectedETag = CanonicalizeETag(item.ETag)
		}
		journalError("set", item.File, p.journal.SetDownloadInfo(item.File, journal.DownloadInfo{
			TmpFile: tmpFile,
			ETag:    expectedETag,
		}))
	}

	var body io.Reader = resp.Body
	compressed := strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip")
	if compressed {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			j.fail(StatusNormalError, fmt.Errorf("解压失败: %w", err))
			return
		}
		defer gz.Close()
		body = gz
	}

	total := item.Size
	if total <= 0 && resp.ContentLength > 0 && !compressed {
		total = offset + resp.ContentLength
	}

	f, err := p.local.OpenAppend(tmpFile)
	if err != nil {
		j.fail(StatusNormalError, err)
		return
	}
	j.progress(ProgressStart, offset, total)
	written, err := j.readContent(f, body, offset, total)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// 临时文件保留，下次从断点继续
		if errors.Is(err, errAborted) {
			j.done(StatusSoftError, err.Error())
			return
		}
		if ctx.Err() != nil {
			j.done(StatusSoftError, err.Error())
			return
		}
		j.fail(StatusNormalError, err)
		return
	}

	modTime := item.ModTime
	if modTime.IsZero() {
		if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
			modTime = t
		}
	}
	if !modTime.IsZero() {
		if err := p.local.Chtimes(tmpFile, modTime); err != nil {
			slog.Warn("设置修改时间失败", "path", tmpFile, "err", err)
		}
	}

	if a.restore && p.local.Exists(item.File) {
		conflict := conflictFileName(item.File, p.clock.Now())
		if err := p.local.Rename(item.File, conflict); err != nil {
			j.fail(StatusNormalError, err)
			return
		}
		slog.Info("本地文件保存为冲突文件", "path", item.File, "conflict", conflict)
	}
	if err := p.local.Replace(tmpFile, item.File); err != nil {
		j.fail(StatusNormalError, err)
		return
	}

	journalError("set", item.File, p.journal.SetFileRecord(fileRecord(item.File, modTime, serverETag, written)))
	journalError("clear", item.File, p.journal.ClearDownloadInfo(item.File))
	j.progress(ProgressEnd, written, total)
	slog.Info("下载完成", "path", item.File, "size", units.HumanSize(float64(written)))
	j.done(StatusSuccess, "")
}

// acceptResponse 在读取 Body 之前检查状态码
// 错误页面不能写入目标文件
func (j *itemJob) acceptResponse(resp *fs.Response) bool {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true
	}
	j.httpCode = resp.StatusCode
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	j.done(StatusNormalError, status)
	return false
}

// readContent 把 src 写入 dst，每个缓冲区之后检查中止标记并节流
// 返回文件的总大小 (包括断点之前的部分)
func (j *itemJob) readContent(dst io.Writer, src io.Reader, offset, total int64) (int64, error) {
	p := j.p
	lim := newLimiter(p.clock)
	buf := make([]byte, downloadBufferSize)
	done := offset
	for {
		if j.isAborted() {
			return done, errAborted
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return done, err
			}
			done += int64(n)
			p.transferred.Add(int64(n))
			j.progress(ProgressTransfer, done, total)
			lim.limit(done, p.DownloadLimit())
		}
		if rerr == io.EOF {
			return done, nil
		}
		if rerr != nil {
			return done, rerr
		}
	}
}

// conflictFileName 例如 "a/b.txt" -> "a/b_conflict-20240102-150405.txt"
func conflictFileName(relPath string, now time.Time) string {
	ext := path.Ext(relPath)
	if ext == path.Base(relPath) {
		ext = ""
	}
	return strings.TrimSuffix(relPath, ext) + "_conflict-" + now.Format("20060102-150405") + ext
}
