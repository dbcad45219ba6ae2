package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"whisper/internal/auth"
	"whisper/internal/config"
	"whisper/internal/db"
	clog "whisper/internal/log"
	"whisper/internal/presence"
	"whisper/internal/server"
	"whisper/internal/service"
	"whisper/internal/ws"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库与 Redis，并启动 HTTP 与 WebSocket 服务。
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	var (
		rdb    *redis.Client
		mirror ws.PresenceMirror
	)
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err = presence.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			cancel()
			log.Fatal().Err(err).Msg("redis connect")
		}
		m := presence.NewRedisMirror(rdb, presence.DefaultKey)
		if stale, err := m.Members(ctx); err == nil && len(stale) > 0 {
			log.Info().Int("stale", len(stale)).Msg("clearing presence mirror")
		}
		if err := m.Reset(ctx); err != nil {
			log.Warn().Err(err).Msg("reset presence mirror")
		}
		cancel()
		mirror = m
	}

	store := &ws.ServiceStore{}
	hub := ws.NewHub(store, ws.Options{
		EventsPerSecond: cfg.WSEventsPerSecond,
		EventBurst:      cfg.WSEventBurst,
		Mirror:          mirror,
	})
	users := service.NewUserService(gdb, hub)
	convs := service.NewConversationService(gdb, users)
	msgs := service.NewMessageService(gdb)
	store.Conversations = convs
	store.Messages = msgs

	gate := auth.NewGatekeeper(cfg.JWTSecret, users)
	r := server.SetupRouter(cfg, server.NewHandler(users, convs, msgs), hub, gate)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	// 先停止接收请求，再断开 websocket 并等待消息管道收尾，最后释放外部连接。
	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout(), map[string]gfshutdown.Operation{
		"whisper": func(ctx context.Context) error {
			log.Info().Msg("shutting down")
			errs := []error{srv.Shutdown(ctx), hub.Shutdown(ctx)}
			if rdb != nil {
				errs = append(errs, rdb.Close())
			}
			if sqlDB, err := gdb.DB(); err == nil {
				errs = append(errs, sqlDB.Close())
			}
			return errors.Join(errs...)
		},
	})
	code := <-wait
	log.Info().Int("code", code).Msg("server exited")
	os.Exit(code)
}
