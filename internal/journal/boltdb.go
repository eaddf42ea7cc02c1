package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// 数据库中的三张“表”
	FileBucket     = "FileRecords"
	UploadBucket   = "UploadInfo"
	DownloadBucket = "DownloadInfo"
)

var errNotFound = errors.New("not found")

// DB 封装 BoltDB 实例
type DB struct {
	conn *bbolt.DB
	now  func() time.Time
}

// Open 初始化并打开数据库，如果文件不存在则创建
func Open(dbPath string) (*DB, error) {
	// Timeout 防止两个进程同时打开同一个数据库导致死锁
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 BoltDB 失败: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{FileBucket, UploadBucket, DownloadBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建 Bucket 失败: %w", err)
	}

	return &DB{conn: db, now: time.Now}, nil
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	return d.conn.Close()
}

// FileRecord 获取单个文件的记录，没有记录时返回 nil, nil
func (d *DB) FileRecord(path string) (*FileRecord, error) {
	var rec FileRecord
	if err := d.get(FileBucket, path, &rec); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// SetFileRecord 保存或更新文件记录
func (d *DB) SetFileRecord(rec FileRecord) error {
	rec.LastSyncTime = d.now().UnixNano()
	return d.put(FileBucket, rec.Path, rec)
}

// DeleteFileRecord 删除文件记录
// recursively 为 true 时同时删除该目录下的所有记录
func (d *DB) DeleteFileRecord(path string, recursively bool) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(FileBucket))
		if err := b.Delete([]byte(path)); err != nil {
			return err
		}
		if !recursively {
			return nil
		}

		prefix := []byte(path + "/")
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			// Cursor 返回的 key 只在事务内有效
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListAll 获取所有文件记录
func (d *DB) ListAll() (map[string]*FileRecord, error) {
	result := make(map[string]*FileRecord)

	err := d.conn.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(FileBucket))
		return b.ForEach(func(k, v []byte) error {
			var rec FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("解析数据失败 key=%s: %w", string(k), err)
			}
			result[string(k)] = &rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Stats 数据库中文件记录的汇总
type Stats struct {
	Files         int
	Dirs          int
	TotalSize     int64
	LatestModTime time.Time // 最近修改的文件，没有文件时为零值
}

// Stats 统计所有文件记录
func (d *DB) Stats() (Stats, error) {
	records, err := d.ListAll()
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, rec := range records {
		if rec.IsDir {
			stats.Dirs++
			continue
		}
		stats.Files++
		stats.TotalSize += rec.FileSize
		if mtime := rec.ModTimeAsTime(); mtime.After(stats.LatestModTime) {
			stats.LatestModTime = mtime
		}
	}
	return stats, nil
}

// UploadInfo 读取分片上传进度
func (d *DB) UploadInfo(path string) (UploadInfo, bool, error) {
	var info UploadInfo
	err := d.get(UploadBucket, path, &info)
	if errors.Is(err, errNotFound) {
		return UploadInfo{}, false, nil
	}
	return info, err == nil, err
}

func (d *DB) SetUploadInfo(path string, info UploadInfo) error {
	return d.put(UploadBucket, path, info)
}

func (d *DB) ClearUploadInfo(path string) error {
	return d.delete(UploadBucket, path)
}

// DownloadInfo 读取未完成下载的信息
func (d *DB) DownloadInfo(path string) (DownloadInfo, bool, error) {
	var info DownloadInfo
	err := d.get(DownloadBucket, path, &info)
	if errors.Is(err, errNotFound) {
		return DownloadInfo{}, false, nil
	}
	return info, err == nil, err
}

func (d *DB) SetDownloadInfo(path string, info DownloadInfo) error {
	return d.put(DownloadBucket, path, info)
}

func (d *DB) ClearDownloadInfo(path string) error {
	return d.delete(DownloadBucket, path)
}

func (d *DB) get(bucket, key string, v interface{}) error {
	return d.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return errNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func (d *DB) put(bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}

	return d.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (d *DB) delete(bucket, key string) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}
