package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"tracktrace/internal/config"
	"tracktrace/internal/engine"
	"tracktrace/internal/handlers"
	"tracktrace/internal/persistence"
	"tracktrace/internal/station"
	"tracktrace/internal/transport/kafka"
	"tracktrace/internal/web"
)

// main 是追溯服务的主入口
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认在当前目录查找 config.yaml")
	flag.Parse()

	// 1. 加载配置，初始化日志
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("加载配置失败", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	catalog, err := station.NewCatalog(cfg.Stations, cfg.Workflows)
	if err != nil {
		logger.Error("工站配置无效", "error", err)
		os.Exit(1)
	}

	opts := engine.Options{
		Catalog:    catalog,
		Retention:  cfg.Buffer.Retention,
		InboxSize:  cfg.InboxSize,
		SupplierID: cfg.Orders.SupplierID,
		CustomerID: cfg.Orders.CustomerID,
	}
	var journal *persistence.Journal
	if cfg.Buffer.JournalPath != "" {
		journal, err = persistence.NewJournal(cfg.Buffer.JournalPath)
		if err != nil {
			logger.Error("无法打开消息日志", "error", err, "path", cfg.Buffer.JournalPath)
			os.Exit(1)
		}
		defer journal.Close()
		opts.Journal = journal
	}

	// 2. 初始化引擎并注册事件处理器
	eng := engine.New(opts, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := web.NewHub(func(env string) any { return web.NewSnapshotMessage(eng.Snapshot(env)) }, logger)
	go hub.Run(ctx)
	handlers.RegisterEventHandlers(eng.Bus(), hub, eng.Snapshot, logger)

	// 3. 恢复和启动
	if journal != nil {
		if err := eng.Replay(ctx, journal); err != nil {
			logger.Warn("回放消息日志失败", "error", err)
		}
	}
	for _, env := range cfg.Environments {
		if err := eng.Initialize(env); err != nil {
			logger.Error("初始化环境失败", "env", env, "error", err)
			os.Exit(1)
		}
	}

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		if err := eng.Initialize(cfg.Kafka.Env); err != nil {
			logger.Error("初始化 Kafka 目标环境失败", "env", cfg.Kafka.Env, "error", err)
			os.Exit(1)
		}
		consumer, err = kafka.NewConsumer(cfg.Kafka, eng, logger)
		if err != nil {
			logger.Error("创建 Kafka 消费者失败", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("Kafka 消费者退出", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           web.NewServer(eng, hub, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("=== 工件追溯服务启动 ===", "addr", cfg.HTTPAddr, "environments", cfg.Environments)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务器启动失败", "error", err)
			cancel()
		}
	}()

	// 4. 优雅停机
	waitForShutdown(ctx, logger)
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭 API 服务器失败", "error", err)
	}
	cancel()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn("关闭 Kafka 消费者失败", "error", err)
		}
	}
	eng.Shutdown()
	logger.Info("追溯服务已安全退出")
}

// waitForShutdown 等待系统信号或内部错误以实现优雅停机
func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("接收到停机信号，正在优雅关闭...")
	case <-ctx.Done():
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
