package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FileMeta 文件元数据
type FileMeta struct {
	RelPath string    // 相对路径 (统一使用 "/" 作为分隔符)
	Size    int64     // 文件大小
	ModTime time.Time // 修改时间
	IsDir   bool      // 是否为目录
	ETag    string    // 服务器返回的原始 ETag 头
}

// Response 是一次请求的结果
// Get 返回时 Body 尚未读取，调用者负责 Close
type Response struct {
	StatusCode    int
	Status        string
	Header        http.Header
	ContentLength int64 // -1 表示未知
	Body          io.ReadCloser
}

// ChunkUpload 描述一次分片 PUT
// Count 为 1 时按普通 PUT 上传整个文件
type ChunkUpload struct {
	Path       string
	TransferID string
	Index      int
	Count      int
	Body       io.Reader
	Size       int64
	ModTime    time.Time
}

// Session 是对 WebDAV 服务器的抽象
// 同一个 Session 不能被并发使用
type Session interface {
	Delete(ctx context.Context, remotePath string) error
	Mkcol(ctx context.Context, remotePath string) error
	Move(ctx context.Context, from, to string) error

	// PutChunk 返回的 Response 不带 Body
	PutChunk(ctx context.Context, chunk ChunkUpload) (*Response, error)

	// Get 只在网络层失败时返回 error，任何 HTTP 状态都通过 Response 返回
	Get(ctx context.Context, remotePath string, header http.Header) (*Response, error)

	Stat(ctx context.Context, remotePath string) (*FileMeta, error)
	SetModTime(ctx context.Context, remotePath string, modTime time.Time) error
}

// StatusError 表示服务器返回了非 2xx 状态
type StatusError struct {
	Method string
	Path   string
	Code   int
	Status string
}

func (err *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %s", err.Method, err.Path, err.Status)
}

// HTTPStatus 从错误链中取出 HTTP 状态码，没有则返回 0
func HTTPStatus(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return 0
}
