package sync

import (
	"log/slog"

	"davsync/internal/journal"
)

// Journal 是传播过程中需要的元数据存储
// *journal.DB 直接满足这个接口
type Journal interface {
	FileRecord(path string) (*journal.FileRecord, error)
	SetFileRecord(rec journal.FileRecord) error
	DeleteFileRecord(path string, recursively bool) error

	UploadInfo(path string) (journal.UploadInfo, bool, error)
	SetUploadInfo(path string, info journal.UploadInfo) error
	ClearUploadInfo(path string) error

	DownloadInfo(path string) (journal.DownloadInfo, bool, error)
	SetDownloadInfo(path string, info journal.DownloadInfo) error
	ClearDownloadInfo(path string) error
}

var _ Journal = (*journal.DB)(nil)

// nopJournal 不保存任何东西，没有配置数据库时使用
type nopJournal struct{}

func (nopJournal) FileRecord(string) (*journal.FileRecord, error) {
	return nil, nil
}

func (nopJournal) SetFileRecord(journal.FileRecord) error {
	return nil
}

func (nopJournal) DeleteFileRecord(string, bool) error {
	return nil
}

func (nopJournal) UploadInfo(string) (journal.UploadInfo, bool, error) {
	return journal.UploadInfo{}, false, nil
}

func (nopJournal) SetUploadInfo(string, journal.UploadInfo) error {
	return nil
}

func (nopJournal) ClearUploadInfo(string) error {
	return nil
}

func (nopJournal) DownloadInfo(string) (journal.DownloadInfo, bool, error) {
	return journal.DownloadInfo{}, false, nil
}

func (nopJournal) SetDownloadInfo(string, journal.DownloadInfo) error {
	return nil
}

func (nopJournal) ClearDownloadInfo(string) error {
	return nil
}

// journalError 数据库写入失败不影响条目的结果，只记录日志
func journalError(op, path string, err error) {
	if err != nil {
		slog.Warn("更新数据库失败", "op", op, "path", path, "err", err)
	}
}
