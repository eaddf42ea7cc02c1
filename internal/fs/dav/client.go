package dav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"davsync/internal/fs"
)

// Options 初始化参数
type Options struct {
	BaseURL   string // 例如 "https://cloud.example.com"
	User      string
	Password  string
	UserAgent string
	// 等待响应头的超时，不限制传输本身的时长
	Timeout time.Duration
	// 为空时使用默认的 http.Client
	HTTPClient *http.Client
}

// Client WebDAV HTTP 客户端，实现 fs.Session
type Client struct {
	opts       *Options
	base       *url.URL
	httpClient *http.Client
}

var _ fs.Session = (*Client)(nil)

// NewClient 创建客户端
func NewClient(opts *Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("无效的服务器地址: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("无效的服务器地址: %s", opts.BaseURL)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "davsync"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		// 下载/上传可能持续很久，这里只限制等待响应头的时间
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = opts.Timeout
		httpClient = &http.Client{Transport: transport}
	}

	return &Client{opts: opts, base: base, httpClient: httpClient}, nil
}

// URL 返回 remotePath 对应的完整地址，每一段路径都会被转义
func (c *Client) URL(remotePath string) string {
	segments := strings.Split(remotePath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.base.String() + strings.Join(segments, "/")
}

// Delete 删除文件或目录
func (c *Client) Delete(ctx context.Context, remotePath string) error {
	return c.simple(ctx, http.MethodDelete, remotePath, nil)
}

// Mkcol 创建目录
func (c *Client) Mkcol(ctx context.Context, remotePath string) error {
	return c.simple(ctx, "MKCOL", remotePath, nil)
}

// Move 重命名或移动，目标存在时覆盖
func (c *Client) Move(ctx context.Context, from, to string) error {
	header := http.Header{}
	header.Set("Destination", c.URL(to))
	header.Set("Overwrite", "T")
	return c.simple(ctx, "MOVE", from, header)
}

// PutChunk 上传一个分片
// Count > 1 时使用 ownCloud 的分片协议，最后一个分片的响应中带有最终文件的 ETag
func (c *Client) PutChunk(ctx context.Context, chunk fs.ChunkUpload) (*fs.Response, error) {
	target := chunk.Path
	header := http.Header{}
	if chunk.Count > 1 {
		target = ChunkPath(chunk.Path, chunk.TransferID, chunk.Count, chunk.Index)
		header.Set(HeaderChunked, "1")
	}
	if !chunk.ModTime.IsZero() {
		header.Set(HeaderMtime, strconv.FormatInt(chunk.ModTime.Unix(), 10))
	}

	req, err := c.newRequest(ctx, http.MethodPut, target, chunk.Body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.ContentLength = chunk.Size
	if chunk.Size == 0 {
		req.Body = http.NoBody
	}

	resp, err := c.do(req, target)
	if err != nil {
		return nil, err
	}
	discard(resp.Body)

	return &fs.Response{
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		Header:        resp.Header,
		ContentLength: -1,
	}, nil
}

// Get 下载文件流
// 不检查状态码：由调用者在读取 Body 之前决定是否接受这个响应
func (c *Client) Get(ctx context.Context, remotePath string, header http.Header) (*fs.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, remotePath, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	// 调用者负责 Close
	return &fs.Response{
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

// Stat 通过 HEAD 获取单个文件的元数据
func (c *Client) Stat(ctx context.Context, remotePath string) (*fs.FileMeta, error) {
	req, err := c.newRequest(ctx, http.MethodHead, remotePath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, remotePath)
	if err != nil {
		return nil, err
	}
	discard(resp.Body)

	meta := &fs.FileMeta{
		RelPath: remotePath,
		Size:    resp.ContentLength,
		ETag:    resp.Header.Get(HeaderETag),
		IsDir:   strings.HasPrefix(resp.Header.Get("Content-Type"), "httpd/unix-directory"),
	}
	if meta.ETag == "" {
		meta.ETag = resp.Header.Get(HeaderOCETag)
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			meta.ModTime = t
		}
	}
	return meta, nil
}

// SetModTime 通过 PROPPATCH 设置服务器上文件的修改时间
func (c *Client) SetModTime(ctx context.Context, remotePath string, modTime time.Time) error {
	body, err := xml.Marshal(newLastModifiedUpdate(modTime))
	if err != nil {
		return fmt.Errorf("marshal proppatch failed: %w", err)
	}
	body = append([]byte(xml.Header), body...)

	header := http.Header{}
	header.Set("Content-Type", "application/xml; charset=utf-8")
	return c.simpleWithBody(ctx, "PROPPATCH", remotePath, header, bytes.NewReader(body))
}

func (c *Client) simple(ctx context.Context, method, remotePath string, header http.Header) error {
	return c.simpleWithBody(ctx, method, remotePath, header, nil)
}

func (c *Client) simpleWithBody(ctx context.Context, method, remotePath string, header http.Header, body io.Reader) error {
	req, err := c.newRequest(ctx, method, remotePath, body)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.do(req, remotePath)
	if err != nil {
		return err
	}
	discard(resp.Body)
	return nil
}

// newRequest 通用请求封装，自动注入认证信息和 User-Agent
func (c *Client) newRequest(ctx context.Context, method, remotePath string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(remotePath), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.User != "" {
		req.SetBasicAuth(c.opts.User, c.opts.Password)
	}
	return req, nil
}

// do 发送请求，非 2xx 状态转换为 *fs.StatusError
func (c *Client) do(req *http.Request, remotePath string) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		discard(resp.Body)
		return nil, &fs.StatusError{
			Method: req.Method,
			Path:   remotePath,
			Code:   resp.StatusCode,
			Status: resp.Status,
		}
	}
	return resp, nil
}

// discard 读完并关闭 Body，以便连接可以复用
func discard(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	body.Close()
}
