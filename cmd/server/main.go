package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-collaborative-editing/internal/audit"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/auth"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/config"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/limiter"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/room"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/store"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/ws"
)

func main() {
	// 解析命令行參數（覆寫配置文件）
	var (
		configPath = flag.String("config", "", "配置文件路徑（YAML，留空使用預設值）")
		port       = flag.Int("port", 0, "服務器端口（覆寫配置）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("服務器啟動失敗", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// 持久化：配置了 PostgreSQL 就用它，否則退化為內存存儲
	var docStore store.DocumentStore
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, logger)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		docStore = pg
	} else {
		logger.Warn("未配置數據庫，文檔狀態只保存在內存")
		docStore = store.NewMemoryStore()
	}

	// 游標限流：配置了 Redis 就用分散式令牌桶（多實例共享計數）
	var cursorLimit limiter.Limiter
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		cursorLimit = limiter.NewDistributedTokenBucket(client, cfg.RateLimit.Capacity, cfg.RateLimit.Rate)
		logger.Info("使用分散式限流", "redis", cfg.Redis.Addr)
	} else {
		cursorLimit = limiter.NewTokenBucket(cfg.RateLimit.Capacity, cfg.RateLimit.Rate)
	}

	// 審計事件：配置了 NATS 才發布
	var publisher audit.Publisher = audit.NopPublisher{}
	if cfg.NATS.URL != "" {
		p, err := audit.NewNatsPublisher(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		publisher = p
	}
	defer publisher.Close()

	// 認證與權限：未配置外部服務時退化為開發模式
	var identity auth.IdentityService
	if cfg.Auth.IdentityURL != "" {
		identity = auth.NewHTTPIdentityService(cfg.Auth.IdentityURL)
	} else {
		logger.Warn("未配置身份服務，token 直接作為用戶 ID（僅限開發）")
		identity = auth.PassthroughIdentityService{}
	}
	var access auth.NoteAccessService
	if cfg.Auth.AccessURL != "" {
		access = auth.NewHTTPNoteAccessService(cfg.Auth.AccessURL)
	} else {
		logger.Warn("未配置權限服務，所有人可編輯所有筆記（僅限開發）")
		access = auth.AllowAllAccessService{}
	}
	gatekeeper := auth.NewGatekeeper(identity, cfg.Auth.Timeout, logger)

	// 房間註冊表
	registry := room.NewRegistry(docStore, access, publisher, room.RegistryOptions{
		Room: room.Options{
			MaxEditors:       cfg.Collaboration.MaxEditors,
			SnapshotInterval: cfg.Collaboration.SnapshotInterval,
		},
		GracePeriod: cfg.Collaboration.GracePeriod,
		GCInterval:  cfg.Collaboration.GCInterval,
	}, logger)

	wsHandler := ws.NewHandler(registry, gatekeeper, cursorLimit, cfg.Server.IdleTimeout, logger)

	// 路由
	mux := http.NewServeMux()
	mux.Handle("/ws/collaboration", wsHandler)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"connections": wsHandler.ConnectionCount(),
			"rooms":       registry.Stats(),
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("協作服務器啟動",
			"port", cfg.Server.Port,
			"max_editors", cfg.Collaboration.MaxEditors)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigChan:
		logger.Info("收到關閉信號，開始優雅關閉", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	// 關閉順序：
	//   1. 停止接受新連接
	//   2. 斷開所有 WebSocket，觸發每個連接的離開流程
	//   3. 等待房間排空並持久化最終快照
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP 服務器關閉失敗", "error", err)
	}
	wsHandler.CloseAll()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("房間註冊表關閉失敗", "error", err)
	}

	logger.Info("服務器已關閉")
	return nil
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
