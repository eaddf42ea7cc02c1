package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"davsync/internal/fs"
	"davsync/internal/journal"
)

var errFileChanged = errors.New("本地文件在上传过程中被修改")

// uploadAction 分片上传
// 每个分片完成后把进度写入数据库，中断后下一次从下一个分片继续
type uploadAction struct{}

func (uploadAction) context() execContext { return onNetwork }

func (uploadAction) run(ctx context.Context, j *itemJob) {
	p := j.p
	item := j.item
	if j.checkForProblemsWithShared(ctx, item.File) {
		return
	}

	f, err := p.local.Open(item.File)
	if err != nil {
		j.fail(StatusNormalError, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		j.fail(StatusNormalError, err)
		return
	}
	size := info.Size()
	modTime := info.ModTime()
	previousFileSize := size

	chunkSize := p.opts.ChunkSize
	count := int((size + chunkSize - 1) / chunkSize)
	if count == 0 {
		count = 1
	}

	transferID := uuid.NewString()
	startChunk := 0
	if count > 1 {
		saved, ok, err := p.journal.UploadInfo(item.File)
		journalError("get", item.File, err)
		if ok && saved.ChunkSize != chunkSize {
			slog.Info("分片大小已改变，重新上传", "path", item.File, "old", saved.ChunkSize, "new", chunkSize)
		}
		if ok && saved.ModTime == modTime.Unix() && saved.Size == size &&
			saved.ChunkSize == chunkSize && saved.Chunk < count {
			transferID = saved.TransferID
			startChunk = saved.Chunk
			slog.Info("继续未完成的上传", "path", item.File, "chunk", startChunk, "count", count)
		}
	}

	remote := p.remotePath(item.File)
	chunkedDone := int64(startChunk) * chunkSize
	lim := newLimiter(p.clock)

	slog.Info("开始上传", "path", item.File, "size", units.HumanSize(float64(size)), "chunks", count)
	j.progress(ProgressStart, chunkedDone, size)

	var resp *fs.Response
	for chunk := startChunk; chunk < count; chunk++ {
		if j.isAborted() {
			j.done(StatusSoftError, "upload aborted")
			return
		}
		if err := checkFileUnchanged(p, item.File, previousFileSize); err != nil {
			journalError("clear", item.File, p.journal.ClearUploadInfo(item.File))
			j.done(StatusSoftError, err.Error())
			return
		}

		offset := int64(chunk) * chunkSize
		n := min(chunkSize, size-offset)
		body := &throttledReader{
			r:       io.NewSectionReader(f, offset, n),
			limiter: lim,
			limitFn: p.UploadLimit,
			done:    chunkedDone,
		}
		resp, err = p.opts.Session.PutChunk(ctx, fs.ChunkUpload{
			Path:       remote,
			TransferID: transferID,
			Index:      chunk,
			Count:      count,
			Body:       body,
			Size:       n,
			ModTime:    modTime,
		})
		if j.updateErrorFromSession(err, 0) {
			return
		}

		chunkedDone += n
		p.transferred.Add(n)
		j.progress(ProgressTransfer, chunkedDone, size)

		if chunk+1 < count {
			journalError("set", item.File, p.journal.SetUploadInfo(item.File, journal.UploadInfo{
				TransferID: transferID,
				Chunk:      chunk + 1,
				ChunkSize:  chunkSize,
				ModTime:    modTime.Unix(),
				Size:       size,
			}))
		}
	}

	// 最后一个分片发出之后文件仍可能被修改
	if err := checkFileUnchanged(p, item.File, previousFileSize); err != nil {
		journalError("clear", item.File, p.journal.ClearUploadInfo(item.File))
		j.done(StatusSoftError, err.Error())
		return
	}

	etag, err := j.updateMTimeAndETag(ctx, remote, modTime, resp.Header)
	if j.updateErrorFromSession(err, 0) {
		return
	}

	journalError("set", item.File, p.journal.SetFileRecord(fileRecord(item.File, modTime, etag, size)))
	journalError("clear", item.File, p.journal.ClearUploadInfo(item.File))
	j.progress(ProgressEnd, size, size)
	slog.Info("上传完成", "path", item.File, "etag", etag)
	j.done(StatusSuccess, "")
}

func checkFileUnchanged(p *Propagator, relPath string, previousFileSize int64) error {
	meta, err := p.local.Stat(relPath)
	if err != nil {
		return err
	}
	if meta.Size != previousFileSize {
		return errFileChanged
	}
	return nil
}
