package sync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"davsync/internal/fs/dav"
	"davsync/internal/journal"
)

type remoteRemove struct{}

func (remoteRemove) context() execContext { return onNetwork }

func (remoteRemove) run(ctx context.Context, j *itemJob) {
	item := j.item
	if j.checkForProblemsWithShared(ctx, item.File) {
		return
	}
	// 服务器上已经不存在也算成功
	err := j.p.opts.Session.Delete(ctx, j.p.remotePath(item.File))
	if j.updateErrorFromSession(err, http.StatusNotFound) {
		return
	}
	slog.Info("删除服务器文件", "path", item.File)
	journalError("delete", item.File, j.p.journal.DeleteFileRecord(item.File, item.IsDirectory))
	j.done(StatusSuccess, "")
}

type remoteMkdir struct{}

func (remoteMkdir) context() execContext { return onNetwork }

func (remoteMkdir) run(ctx context.Context, j *itemJob) {
	item := j.item
	if j.checkForProblemsWithShared(ctx, item.File) {
		return
	}
	// 405 表示目录已经存在
	err := j.p.opts.Session.Mkcol(ctx, j.p.remotePath(item.File))
	if j.updateErrorFromSession(err, http.StatusMethodNotAllowed) {
		return
	}
	slog.Info("创建服务器目录", "path", item.File)
	journalError("set", item.File, j.p.journal.SetFileRecord(recordFor(item, item.File)))
	j.done(StatusSuccess, "")
}

type remoteRename struct{}

func (remoteRename) context() execContext { return onNetwork }

func (remoteRename) run(ctx context.Context, j *itemJob) {
	item := j.item
	p := j.p
	if j.checkForProblemsWithShared(ctx, item.File) || j.checkForProblemsWithShared(ctx, item.RenameTarget) {
		return
	}

	rec := recordFor(item, item.RenameTarget)
	if item.File != item.RenameTarget {
		err := p.opts.Session.Move(ctx, p.remotePath(item.File), p.remotePath(item.RenameTarget))
		if j.updateErrorFromSession(err, 0) {
			return
		}
		if !item.IsDirectory {
			// MOVE 之后 ETag 可能变化
			meta, err := p.opts.Session.Stat(ctx, p.remotePath(item.RenameTarget))
			if j.updateErrorFromSession(err, 0) {
				return
			}
			rec.ETag = CanonicalizeETag(meta.ETag)
		}
	}
	slog.Info("重命名服务器文件", "from", item.File, "to", item.RenameTarget)
	journalError("delete", item.File, p.journal.DeleteFileRecord(item.File, item.IsDirectory))
	journalError("set", item.RenameTarget, p.journal.SetFileRecord(rec))
	j.done(StatusSuccess, "")
}

// checkForProblemsWithShared 目标位于只读共享目录时不请求服务器，直接以 NormalError 结束
// 被拒绝的文件删除/重命名会先从服务器把原文件下载回来，目录则在本地重新创建
func (j *itemJob) checkForProblemsWithShared(ctx context.Context, relPath string) bool {
	share := j.p.readOnlyShare(relPath)
	if share == "" {
		return false
	}
	item := j.item
	msg := fmt.Sprintf("%s 位于只读共享目录 %s 中，无法修改服务器", relPath, share)

	switch {
	case item.IsDirectory:
		if item.Instruction != InstructionMkdir {
			if err := j.p.local.Mkdir(item.File); err == nil {
				msg += "，已在本地恢复"
			}
		}
		// 清掉记录，下次同步重新比对整个目录
		journalError("delete", item.File, j.p.journal.DeleteFileRecord(item.File, true))
	case item.Instruction == InstructionRemove || item.Instruction == InstructionRename:
		if j.restoreFromServer(ctx, InstructionDownload) {
			msg += "，已从服务器恢复"
		}
	case item.Instruction == InstructionUpload && item.ETag != "":
		// 修改过的已有文件：本地版本保留为冲突文件
		if j.restoreFromServer(ctx, InstructionRestore) {
			msg += "，已从服务器恢复，本地修改保存为冲突文件"
		}
	}

	slog.Warn("只读共享目录", "path", relPath, "share", share)
	j.done(StatusNormalError, msg)
	return true
}

// restoreFromServer 在当前网络任务中直接下载服务器上的原文件
func (j *itemJob) restoreFromServer(ctx context.Context, instruction Instruction) bool {
	restored := *j.item
	restored.Instruction = instruction
	restored.Direction = DirectionDown

	var status Status
	sub := &itemJob{
		p:       j.p,
		item:    &restored,
		action:  downloadAction{restore: instruction == InstructionRestore},
		started: true,
		deliver: j.deliver,
		capture: func(s Status, errString string) {
			status = s
			if s != StatusSuccess {
				slog.Warn("恢复文件失败", "path", restored.File, "err", errString)
			}
		},
	}
	sub.action.run(ctx, sub)
	return status == StatusSuccess
}

// updateMTimeAndETag 传输完成后读取服务器上的 ETag
// 服务器没有接受 X-OC-Mtime 时先用 PROPPATCH 设置修改时间
func (j *itemJob) updateMTimeAndETag(ctx context.Context, remotePath string, modTime time.Time, header http.Header) (string, error) {
	session := j.p.opts.Session
	etag := header.Get(dav.HeaderETag)
	if etag == "" {
		etag = header.Get(dav.HeaderOCETag)
	}

	if header.Get(dav.HeaderMtime) != dav.MtimeAccepted {
		if err := session.SetModTime(ctx, remotePath, modTime); err != nil {
			return "", err
		}
		// PROPPATCH 会改变 ETag
		etag = ""
	}
	if etag == "" {
		meta, err := session.Stat(ctx, remotePath)
		if err != nil {
			return "", err
		}
		etag = meta.ETag
	}
	return CanonicalizeETag(etag), nil
}

func fileRecord(path string, modTime time.Time, etag string, size int64) journal.FileRecord {
	return journal.FileRecord{
		Path:     path,
		ModTime:  modTime.UnixNano(),
		ETag:     etag,
		FileSize: size,
	}
}
