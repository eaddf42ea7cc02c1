package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"davsync/internal/config"
	"davsync/internal/fs/dav"
	"davsync/internal/journal"
	syncer "davsync/internal/sync"
	"davsync/pkg/logger"
)

var version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "davsync",
		Short:         "WebDAV 双向同步客户端的传播引擎",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newPropagateCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本号",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("davsync", version)
		},
	}
}

func newPropagateCmd() *cobra.Command {
	var configPath, planPath string
	cmd := &cobra.Command{
		Use:   "propagate",
		Short: "执行一份已经比对完成的同步计划",
		Long: "按目录顺序执行计划中的每个条目：本地操作直接执行，" +
			"服务器操作通过唯一的 WebDAV 会话串行执行。\n" +
			"第一次 Ctrl-C 中止剩余条目，第二次立即断开正在进行的请求。",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runPropagate(configPath, planPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config/config.yaml", "配置文件路径")
	cmd.Flags().StringVarP(&planPath, "plan", "p", "", "同步计划文件 (YAML 格式的条目列表)")
	cmd.MarkFlagRequired("plan")
	return cmd
}

func runPropagate(configPath, planPath string) error {
	// 1. 加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("配置加载失败: %w", err)
	}

	// 2. 初始化日志系统
	logCloser, err := logger.Setup(cfg.System.LogLevel, cfg.System.LogFile, cfg.System.LogFormat)
	if err != nil {
		return fmt.Errorf("日志初始化失败: %w", err)
	}
	defer logCloser.Close()

	slog.Info("davsync 启动中",
		"version", version,
		"log_level", cfg.System.LogLevel,
		"log_file", cfg.System.LogFile,
	)
	slog.Info("配置已加载",
		"local_dir", cfg.Sync.LocalDir,
		"remote_dir", cfg.Sync.RemoteDir,
		"chunk_size", units.BytesSize(float64(cfg.Sync.ChunkSizeBytes)),
		"download_limit", describeLimit(cfg.Sync.DownloadLimitBytes),
		"upload_limit", describeLimit(cfg.Sync.UploadLimitBytes),
	)

	// 3. 读取同步计划
	items, err := loadPlan(planPath)
	if err != nil {
		return err
	}

	// 4. 初始化数据库
	db, err := journal.Open(cfg.System.DBPath)
	if err != nil {
		slog.Error("无法打开数据库", "err", err, "path", cfg.System.DBPath)
		return err
	}
	defer db.Close()

	// 5. 初始化 WebDAV 客户端
	client, err := dav.NewClient(&dav.Options{
		BaseURL:   cfg.Server.URL,
		User:      cfg.Server.User,
		Password:  cfg.Server.Password,
		UserAgent: cfg.Server.UserAgent,
		Timeout:   cfg.Server.TimeoutDuration,
	})
	if err != nil {
		return err
	}

	// 6. 初始化传播引擎
	propagator := syncer.New(&syncer.Options{
		LocalDir:       cfg.Sync.LocalDir,
		RemoteDir:      cfg.Sync.RemoteDir,
		Session:        client,
		Journal:        db,
		Listener:       progressLogger(),
		ChunkSize:      cfg.Sync.ChunkSizeBytes,
		DownloadLimit:  cfg.Sync.DownloadLimitBytes,
		UploadLimit:    cfg.Sync.UploadLimitBytes,
		ReadOnlyShares: cfg.Sync.ReadOnlyShares,
	})

	// 7. 设置退出：第一次信号中止，第二次取消上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("接收到信号，不再开始新的条目", "signal", sig)
			propagator.Abort()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigChan:
			slog.Warn("再次接收到信号，断开正在进行的请求", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := propagator.Start(ctx, items); err != nil {
		return err
	}
	status := propagator.Wait()

	summarize(items, status, propagator.BytesTransferred())
	logJournalStats(db)
	if status.IsFailure() {
		return fmt.Errorf("部分条目同步失败 (%s)", status)
	}
	return nil
}

// loadPlan 读取 YAML 格式的同步计划
func loadPlan(path string) ([]*syncer.SyncItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取同步计划失败: %w", err)
	}
	var items []*syncer.SyncItem
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("解析同步计划失败: %w", err)
	}
	for i, item := range items {
		if item.File == "" {
			return nil, fmt.Errorf("同步计划第 %d 项缺少 file", i+1)
		}
	}
	return items, nil
}

func progressLogger() syncer.Listener {
	return syncer.ListenerFuncs{
		OnProgress: func(p syncer.Progress) {
			if p.Kind == syncer.ProgressTransfer {
				return
			}
			slog.Debug("传输进度",
				"path", p.Item.File,
				"kind", p.Kind,
				"bytes", units.HumanSize(float64(p.Bytes)),
				"total", units.HumanSize(float64(p.Total)),
			)
		},
		OnFinished: func(status syncer.Status) {
			slog.Info("传播结束", "status", status)
		},
	}
}

func summarize(items []*syncer.SyncItem, status syncer.Status, transferred int64) {
	counts := map[syncer.Status]int{}
	for _, item := range items {
		counts[item.Status]++
		if item.Status.IsFailure() || item.Status.Retryable() {
			fmt.Printf("  [%s] %s: %s\n", item.Status, item.File, item.ErrorString)
		}
	}
	fmt.Printf("完成: %d 成功, %d 忽略, %d 待重试, %d 失败, 共传输 %s (%s)\n",
		counts[syncer.StatusSuccess],
		counts[syncer.StatusIgnored]+counts[syncer.StatusNone],
		counts[syncer.StatusSoftError],
		counts[syncer.StatusNormalError]+counts[syncer.StatusFatalError],
		units.HumanSize(float64(transferred)),
		status,
	)
}

// logJournalStats 传播结束后记录数据库中的文件概况
func logJournalStats(db *journal.DB) {
	stats, err := db.Stats()
	if err != nil {
		slog.Warn("统计数据库记录失败", "err", err)
		return
	}
	slog.Info("数据库记录",
		"files", stats.Files,
		"dirs", stats.Dirs,
		"size", units.HumanSize(float64(stats.TotalSize)),
		"latest_mtime", stats.LatestModTime,
	)
}

func describeLimit(limit int64) string {
	switch {
	case limit == 0:
		return "不限速"
	case limit < 0:
		return fmt.Sprintf("%d%%", -limit)
	default:
		return units.HumanSize(float64(limit)) + "/s"
	}
}
