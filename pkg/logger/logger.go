package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ParseLevel 将配置中的等级字符串转换为 slog.Level
// 未知值按 info 处理
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 构造一个 Logger，但不修改全局默认值
// format: "text" (默认) 或 "json"
func New(w io.Writer, levelStr string, format string) *slog.Logger {
	level := ParseLevel(levelStr)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // 仅在 Debug 模式下显示文件名和行号
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup 初始化全局日志配置
// logPath: 日志文件路径 (如果为空则只输出到控制台)
// 返回的 io.Closer 用于在退出时关闭日志文件
func Setup(levelStr string, logPath string, format string) (io.Closer, error) {
	var writer io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, err
		}

		// 追加模式
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}

		// 同时输出到控制台和文件
		writer = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	slog.SetDefault(New(writer, levelStr, format))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
