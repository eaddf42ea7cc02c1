package sync

import (
	"context"
	"log/slog"

	"davsync/internal/journal"
)

// 本地操作在事件循环中直接执行，失败后不重试

type localRemove struct{}

func (localRemove) context() execContext { return onLoop }

func (localRemove) run(_ context.Context, j *itemJob) {
	item := j.item
	if err := j.p.local.Remove(item.File); err != nil {
		j.fail(StatusNormalError, err)
		return
	}
	slog.Info("删除本地文件", "path", item.File)
	journalError("delete", item.File, j.p.journal.DeleteFileRecord(item.File, item.IsDirectory))
	j.done(StatusSuccess, "")
}

type localMkdir struct{}

func (localMkdir) context() execContext { return onLoop }

func (localMkdir) run(_ context.Context, j *itemJob) {
	item := j.item
	if err := j.p.local.Mkdir(item.File); err != nil {
		j.fail(StatusNormalError, err)
		return
	}
	slog.Info("创建本地目录", "path", item.File)
	journalError("set", item.File, j.p.journal.SetFileRecord(recordFor(item, item.File)))
	j.done(StatusSuccess, "")
}

type localRename struct{}

func (localRename) context() execContext { return onLoop }

func (localRename) run(_ context.Context, j *itemJob) {
	item := j.item
	if item.File != item.RenameTarget {
		if err := j.p.local.Rename(item.File, item.RenameTarget); err != nil {
			j.fail(StatusNormalError, err)
			return
		}
	}
	slog.Info("重命名本地文件", "from", item.File, "to", item.RenameTarget)
	journalError("delete", item.File, j.p.journal.DeleteFileRecord(item.File, item.IsDirectory))
	journalError("set", item.RenameTarget, j.p.journal.SetFileRecord(recordFor(item, item.RenameTarget)))
	j.done(StatusSuccess, "")
}

// recordFor 用条目中已知的元数据生成数据库记录
func recordFor(item *SyncItem, path string) journal.FileRecord {
	rec := journal.FileRecord{
		Path:     path,
		ETag:     CanonicalizeETag(item.ETag),
		FileSize: item.Size,
		IsDir:    item.IsDirectory,
	}
	if !item.ModTime.IsZero() {
		rec.ModTime = item.ModTime.UnixNano()
	}
	return rec
}
