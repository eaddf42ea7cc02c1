package journal

import "time"

// FileRecord 代表一个文件在上次成功传播后的状态
// 存入数据库时会序列化为 JSON
type FileRecord struct {
	// 相对路径 (作为数据库的 Key)，统一使用 "/" 作为分隔符
	Path string `json:"path"`

	// 修改时间 (Unix Nano)
	ModTime int64 `json:"mod_time"`

	// 服务器返回的 ETag (已规范化)
	ETag string `json:"etag"`

	FileSize int64 `json:"file_size"`
	IsDir    bool  `json:"is_dir"`

	// 最后一次写入的时间 (用于调试)
	LastSyncTime int64 `json:"last_sync_time"`
}

// ModTimeAsTime 辅助方法：转为 Go Time 对象
func (r *FileRecord) ModTimeAsTime() time.Time {
	return time.Unix(0, r.ModTime)
}

// UploadInfo 记录分片上传的进度，用于中断后续传
type UploadInfo struct {
	TransferID string `json:"transfer_id"`
	// 下一个待发送的分片序号
	Chunk int `json:"chunk"`
	// 分片大小不同时分片序号没有意义，不能续传
	ChunkSize int64 `json:"chunk_size"`
	ModTime   int64 `json:"mod_time"`
	Size      int64 `json:"size"`
}

// DownloadInfo 记录未完成下载的临时文件，用于断点续传
type DownloadInfo struct {
	TmpFile string `json:"tmp_file"`
	ETag    string `json:"etag"`
}
