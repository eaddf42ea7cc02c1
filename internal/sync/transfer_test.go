package sync

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"davsync/internal/fs"
	"davsync/internal/journal"
)

func TestUploadSingleChunkSetsMtime(t *testing.T) {
	env := newTestEnv(t)
	env.session.ignoreMtime = true
	env.writeFile(t, "small.txt", "hi")

	item := &SyncItem{File: "small.txt", Instruction: InstructionUpload}
	assert.Equal(t, StatusSuccess, env.run(t, item))
	assert.Equal(t, []string{
		"PUT /dav/small.txt 0/1",
		"PROPPATCH /dav/small.txt",
		"HEAD /dav/small.txt",
	}, env.session.Calls())

	rec, err := env.db.FileRecord("small.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "/dav/small.txt-2", rec.ETag)
}

func TestUploadAbortAfterFirstChunk(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "big.bin", strings.Repeat("b", 10000))
	env.writeFile(t, "z.txt", "z")
	env.session.onPut = func(chunk fs.ChunkUpload) {
		if chunk.Index == 0 {
			env.p.Abort()
		}
	}

	big := &SyncItem{File: "big.bin", Instruction: InstructionUpload}
	next := &SyncItem{File: "z.txt", Instruction: InstructionUpload}
	status := env.run(t, big, next)

	assert.Equal(t, StatusSoftError, status)
	assert.Equal(t, StatusSoftError, big.Status)
	assert.Equal(t, "upload aborted", big.ErrorString)
	assert.Equal(t, StatusIgnored, next.Status)
	assert.Equal(t, []string{"PUT /dav/big.bin 0/3"}, env.session.Calls())
	assert.Equal(t, int64(4096), env.p.BytesTransferred())

	// 下一次从第二个分片继续
	info, ok, err := env.db.UploadInfo("big.bin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, info.Chunk)
	assert.Equal(t, env.session.chunks[0].TransferID, info.TransferID)
	assert.Equal(t, int64(10000), info.Size)
	assert.Equal(t, int64(4096), info.ChunkSize)
}

func TestUploadResume(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "big.bin", strings.Repeat("b", 10000))
	mtime := time.Unix(1600000000, 0)
	require.NoError(t, env.fs.Chtimes("/local/big.bin", mtime, mtime))
	require.NoError(t, env.db.SetUploadInfo("big.bin", journal.UploadInfo{
		TransferID: "tid",
		Chunk:      2,
		ChunkSize:  4096,
		ModTime:    mtime.Unix(),
		Size:       10000,
	}))

	item := &SyncItem{File: "big.bin", Instruction: InstructionUpload}
	assert.Equal(t, StatusSuccess, env.run(t, item))
	assert.Equal(t, []string{"PUT /dav/big.bin 2/3"}, env.session.Calls())
	assert.Equal(t, "tid", env.session.chunks[0].TransferID)
	assert.Equal(t, int64(10000-2*4096), env.session.chunks[0].Size)

	_, ok, err := env.db.UploadInfo("big.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUploadResumeIgnoredWhenFileDiffers(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "big.bin", strings.Repeat("b", 10000))
	require.NoError(t, env.db.SetUploadInfo("big.bin", journal.UploadInfo{
		TransferID: "tid",
		Chunk:      2,
		Size:       9999,
	}))

	item := &SyncItem{File: "big.bin", Instruction: InstructionUpload}
	assert.Equal(t, StatusSuccess, env.run(t, item))
	require.Len(t, env.session.chunks, 3)
	assert.NotEqual(t, "tid", env.session.chunks[0].TransferID)
}

func TestUploadResumeIgnoredWhenChunkSizeChanged(t *testing.T) {
	env := newTestEnv(t, func(opts *Options) {
		opts.ChunkSize = 2048
	})
	env.writeFile(t, "big.bin", strings.Repeat("b", 10000))
	mtime := time.Unix(1600000000, 0)
	require.NoError(t, env.fs.Chtimes("/local/big.bin", mtime, mtime))
	require.NoError(t, env.db.SetUploadInfo("big.bin", journal.UploadInfo{
		TransferID: "tid",
		Chunk:      1,
		ChunkSize:  4096,
		ModTime:    mtime.Unix(),
		Size:       10000,
	}))

	item := &SyncItem{File: "big.bin", Instruction: InstructionUpload}
	assert.Equal(t, StatusSuccess, env.run(t, item))
	require.Len(t, env.session.chunks, 5)
	assert.Equal(t, 0, env.session.chunks[0].Index)
	assert.Equal(t, 5, env.session.chunks[0].Count)
	assert.NotEqual(t, "tid", env.session.chunks[0].TransferID)
	assert.Len(t, env.session.files["/dav/big.bin"], 10000)
	assert.Equal(t, int64(10000), env.p.BytesTransferred())
}

func TestUploadLimitChangedDuringTransfer(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "big.bin", strings.Repeat("b", 10000))
	env.session.onPut = func(chunk fs.ChunkUpload) {
		if chunk.Index == 0 {
			env.p.SetUploadLimit(1000)
		}
	}

	item := &SyncItem{File: "big.bin", Instruction: InstructionUpload}
	require.NoError(t, env.p.Start(context.Background(), []*SyncItem{item}))

	// 第一个分片不限速，第二个分片按新的限速等待
	waitForSleeper(t, env.clock)
	env.p.SetUploadLimit(0)
	env.clock.Advance(time.Hour)

	assert.Equal(t, StatusSuccess, env.p.Wait())
	assert.Len(t, env.session.chunks, 3)
	assert.Len(t, env.session.files["/dav/big.bin"], 10000)
}

func TestUploadFileChanged(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "big.bin", strings.Repeat("b", 10000))
	env.session.onPut = func(chunk fs.ChunkUpload) {
		if chunk.Index == 0 {
			assert.NoError(t, afero.WriteFile(env.fs, "/local/big.bin", []byte(strings.Repeat("c", 20000)), 0644))
		}
	}

	item := &SyncItem{File: "big.bin", Instruction: InstructionUpload}
	assert.Equal(t, StatusSoftError, env.run(t, item))
	assert.Equal(t, errFileChanged.Error(), item.ErrorString)
	assert.True(t, item.Status.Retryable())
	assert.Equal(t, []string{"PUT /dav/big.bin 0/3"}, env.session.Calls())

	_, ok, err := env.db.UploadInfo("big.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUploadMissingLocalFile(t *testing.T) {
	env := newTestEnv(t)
	item := &SyncItem{File: "nothere.txt", Instruction: InstructionUpload}
	assert.Equal(t, StatusNormalError, env.run(t, item))
	assert.Empty(t, env.session.Calls())
}

func TestDownloadRejectsErrorResponse(t *testing.T) {
	env := newTestEnv(t)

	item := &SyncItem{File: "missing.txt", Instruction: InstructionDownload}
	assert.Equal(t, StatusNormalError, env.run(t, item))
	assert.Equal(t, StatusNormalError, item.Status)
	assert.Equal(t, http.StatusNotFound, item.HTTPCode)
	assert.Contains(t, item.ErrorString, "404")

	// 错误页面没有写入任何文件
	entries, err := afero.ReadDir(env.fs, "/local")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, ok, err := env.db.DownloadInfo("missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDownloadGzip(t *testing.T) {
	env := newTestEnv(t)
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	io.WriteString(gz, "hello world")
	require.NoError(t, gz.Close())

	env.session.get = func(remotePath string, header http.Header) *fs.Response {
		assert.Equal(t, "gzip", header.Get("Accept-Encoding"))
		assert.Empty(t, header.Get("Range"))
		h := http.Header{}
		h.Set("ETag", `"e1-gzip"`)
		h.Set("Content-Encoding", "gzip")
		return textResponse(http.StatusOK, compressed.String(), h)
	}

	mtime := time.Unix(1600000000, 0)
	item := &SyncItem{File: "docs/f.txt", Instruction: InstructionDownload, Size: 11, ModTime: mtime}
	assert.Equal(t, StatusSuccess, env.run(t, item))
	assert.Equal(t, "hello world", env.readFile(t, "docs/f.txt"))

	info, err := env.fs.Stat("/local/docs/f.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))

	entries, err := afero.ReadDir(env.fs, "/local/docs")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "临时文件应该已被替换")

	rec, err := env.db.FileRecord("docs/f.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "e1", rec.ETag)
	assert.Equal(t, int64(11), rec.FileSize)
	assert.Equal(t, int64(11), env.p.BytesTransferred())

	events := env.events.Events()
	assert.Less(t, indexOf(events, "progress start docs/f.txt"), indexOf(events, "progress transfer docs/f.txt"))
	assert.Less(t, indexOf(events, "progress end docs/f.txt"), indexOf(events, "completed docs/f.txt success"))
}

func TestDownloadResume(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, ".f.txt.~abc", "hello ")
	require.NoError(t, env.db.SetDownloadInfo("f.txt", journal.DownloadInfo{TmpFile: ".f.txt.~abc", ETag: "e1"}))

	env.session.get = func(remotePath string, header http.Header) *fs.Response {
		assert.Equal(t, "bytes=6-", header.Get("Range"))
		assert.Empty(t, header.Get("Accept-Encoding"))
		h := http.Header{}
		h.Set("ETag", `"e1"`)
		return textResponse(http.StatusPartialContent, "world", h)
	}

	item := &SyncItem{File: "f.txt", Instruction: InstructionDownload}
	assert.Equal(t, StatusSuccess, env.run(t, item))
	assert.Equal(t, "hello world", env.readFile(t, "f.txt"))
	assert.False(t, env.exists(".f.txt.~abc"))

	_, ok, err := env.db.DownloadInfo("f.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDownloadLimitChangedDuringTransfer(t *testing.T) {
	env := newTestEnv(t)
	env.session.get = func(remotePath string, header http.Header) *fs.Response {
		h := http.Header{}
		h.Set("ETag", `"e1"`)
		body := io.MultiReader(
			strings.NewReader("hello "),
			hookReader(func() { env.p.SetDownloadLimit(1) }),
			strings.NewReader("world"),
		)
		return &fs.Response{StatusCode: http.StatusOK, Status: "200 OK", Header: h, Body: io.NopCloser(body)}
	}

	item := &SyncItem{File: "f.txt", Instruction: InstructionDownload}
	require.NoError(t, env.p.Start(context.Background(), []*SyncItem{item}))

	waitForSleeper(t, env.clock)
	env.p.SetDownloadLimit(0)
	env.clock.Advance(time.Hour)

	assert.Equal(t, StatusSuccess, env.p.Wait())
	assert.Equal(t, "hello world", env.readFile(t, "f.txt"))
}

func TestDownloadResumeIgnoredRange(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, ".f.txt.~abc", "stale")
	require.NoError(t, env.db.SetDownloadInfo("f.txt", journal.DownloadInfo{TmpFile: ".f.txt.~abc", ETag: "e1"}))

	env.session.get = func(remotePath string, header http.Header) *fs.Response {
		h := http.Header{}
		h.Set("ETag", `"e1"`)
		return textResponse(http.StatusOK, "full content", h)
	}

	item := &SyncItem{File: "f.txt", Instruction: InstructionDownload}
	assert.Equal(t, StatusSuccess, env.run(t, item))
	assert.Equal(t, "full content", env.readFile(t, "f.txt"))
}

func TestDownloadResumeETagChanged(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, ".f.txt.~abc", "hello ")
	require.NoError(t, env.db.SetDownloadInfo("f.txt", journal.DownloadInfo{TmpFile: ".f.txt.~abc", ETag: "e1"}))

	env.session.get = func(remotePath string, header http.Header) *fs.Response {
		h := http.Header{}
		h.Set("ETag", `"e2"`)
		return textResponse(http.StatusPartialContent, "WORLD", h)
	}

	item := &SyncItem{File: "f.txt", Instruction: InstructionDownload}
	assert.Equal(t, StatusNormalError, env.run(t, item))
	assert.False(t, env.exists(".f.txt.~abc"))
	assert.False(t, env.exists("f.txt"))

	_, ok, err := env.db.DownloadInfo("f.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDownloadAbortKeepsTempFile(t *testing.T) {
	env := newTestEnv(t)
	body := strings.Repeat("d", 3*downloadBufferSize)
	env.session.get = func(remotePath string, header http.Header) *fs.Response {
		h := http.Header{}
		h.Set("ETag", `"e1"`)
		return &fs.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Header:     h,
			Body:       io.NopCloser(&abortingReader{r: strings.NewReader(body), abort: env.p.Abort}),
		}
	}

	item := &SyncItem{File: "f.txt", Instruction: InstructionDownload}
	assert.Equal(t, StatusSoftError, env.run(t, item))
	assert.Equal(t, errAborted.Error(), item.ErrorString)
	assert.False(t, env.exists("f.txt"))

	info, ok, err := env.db.DownloadInfo("f.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "e1", info.ETag)
	assert.True(t, env.exists(info.TmpFile))
}

// abortingReader 第一次读取之后调用 abort
type abortingReader struct {
	r     io.Reader
	abort func()
	reads int
}

func (a *abortingReader) Read(b []byte) (int, error) {
	a.reads++
	if a.reads == 2 {
		a.abort()
	}
	return a.r.Read(b)
}

func TestRestoreKeepsConflictFile(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "notes/f.txt", "mine")
	env.session.put("/dav/notes/f.txt", "theirs", `"t1"`)

	item := &SyncItem{File: "notes/f.txt", Instruction: InstructionRestore}
	assert.Equal(t, StatusSuccess, env.run(t, item))
	assert.Equal(t, "theirs", env.readFile(t, "notes/f.txt"))
	assert.Equal(t, "mine", env.readFile(t, "notes/f_conflict-20240102-150405.txt"))
}

func TestConflictFileName(t *testing.T) {
	now := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	tests := []struct {
		in, want string
	}{
		{"a.txt", "a_conflict-20240102-150405.txt"},
		{"dir/b.tar.gz", "dir/b.tar_conflict-20240102-150405.gz"},
		{"noext", "noext_conflict-20240102-150405"},
		{"dir/.bashrc", "dir/.bashrc_conflict-20240102-150405"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, conflictFileName(tt.in, now))
		})
	}
}
