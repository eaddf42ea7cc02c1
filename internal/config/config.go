package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// DefaultChunkSize 与服务器分片上传约定的默认分片大小
const DefaultChunkSize = 10 * 1024 * 1024

// Config 对应 config.yaml 的根结构
type Config struct {
	Sync   SyncConfig   `yaml:"sync"`
	Server ServerConfig `yaml:"server"`
	System SystemConfig `yaml:"system"`
}

// SyncConfig 传播相关配置
type SyncConfig struct {
	LocalDir  string `yaml:"local_dir"`
	RemoteDir string `yaml:"remote_dir"`
	// 支持 "10MB" 这类写法
	ChunkSize string `yaml:"chunk_size"`
	// 限速: "" 或 "0" 不限速, "500KB" 表示每秒字节数, "50%" 表示占用一半带宽
	DownloadLimit string `yaml:"download_limit"`
	UploadLimit   string `yaml:"upload_limit"`
	// 只读共享目录 (相对远端根目录)，对其中内容的修改会被直接拒绝
	ReadOnlyShares []string `yaml:"read_only_shares"`

	// 以下为解析后的值，不导出到 yaml
	ChunkSizeBytes     int64 `yaml:"-"`
	DownloadLimitBytes int64 `yaml:"-"`
	UploadLimitBytes   int64 `yaml:"-"`
}

// ServerConfig WebDAV 服务器配置
type ServerConfig struct {
	URL       string `yaml:"url"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	UserAgent string `yaml:"user_agent"`
	Timeout   string `yaml:"timeout"`

	TimeoutDuration time.Duration `yaml:"-"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
}

// LoadConfig 读取并解析配置文件
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 内容，填充默认值并做校验
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 格式错误: %w", err)
	}

	if cfg.Sync.LocalDir == "" {
		return nil, fmt.Errorf("缺少必填项 sync.local_dir")
	}
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("缺少必填项 server.url")
	}

	var err error
	if cfg.Sync.LocalDir, err = homedir.Expand(cfg.Sync.LocalDir); err != nil {
		return nil, fmt.Errorf("无效的本地目录 (sync.local_dir): %w", err)
	}

	if cfg.Sync.RemoteDir == "" {
		cfg.Sync.RemoteDir = "/"
	}

	cfg.Sync.ChunkSizeBytes = DefaultChunkSize
	if cfg.Sync.ChunkSize != "" {
		size, err := units.RAMInBytes(cfg.Sync.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("无效的分片大小 (sync.chunk_size): %w", err)
		}
		if size <= 0 {
			return nil, fmt.Errorf("无效的分片大小 (sync.chunk_size): %s", cfg.Sync.ChunkSize)
		}
		cfg.Sync.ChunkSizeBytes = size
	}

	if cfg.Sync.DownloadLimitBytes, err = ParseLimit(cfg.Sync.DownloadLimit); err != nil {
		return nil, fmt.Errorf("无效的下载限速 (sync.download_limit): %w", err)
	}
	if cfg.Sync.UploadLimitBytes, err = ParseLimit(cfg.Sync.UploadLimit); err != nil {
		return nil, fmt.Errorf("无效的上传限速 (sync.upload_limit): %w", err)
	}

	if cfg.Server.Timeout == "" {
		cfg.Server.Timeout = "60s"
	}
	if cfg.Server.TimeoutDuration, err = time.ParseDuration(cfg.Server.Timeout); err != nil {
		return nil, fmt.Errorf("无效的超时格式 (server.timeout): %v", err)
	}
	if cfg.Server.UserAgent == "" {
		cfg.Server.UserAgent = "davsync"
	}

	if cfg.System.DBPath == "" {
		cfg.System.DBPath = "./davsync.db"
	}
	if cfg.System.DBPath, err = homedir.Expand(cfg.System.DBPath); err != nil {
		return nil, fmt.Errorf("无效的数据库路径 (system.db_path): %w", err)
	}
	if cfg.System.LogFile, err = homedir.Expand(cfg.System.LogFile); err != nil {
		return nil, fmt.Errorf("无效的日志路径 (system.log_file): %w", err)
	}
	if cfg.System.LogLevel == "" {
		cfg.System.LogLevel = "info"
	}
	switch strings.ToLower(cfg.System.LogFormat) {
	case "", "text", "json":
	default:
		return nil, fmt.Errorf("未知的日志格式: %s", cfg.System.LogFormat)
	}

	return &cfg, nil
}

// ParseLimit 解析限速配置
// 正数为每秒字节数；"N%" 返回 -N，表示只占用 N% 的带宽；空串和 "0" 表示不限速
func ParseLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	if strings.HasSuffix(s, "%") {
		pct, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(s, "%")))
		if err != nil {
			return 0, err
		}
		if pct <= 0 || pct >= 100 {
			return 0, fmt.Errorf("百分比必须在 1-99 之间: %s", s)
		}
		return -int64(pct), nil
	}

	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("限速不能为负数: %s", s)
	}
	return n, nil
}
