package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/filter"
	"github.com/Tyrowin/roomchat/internal/hub"
	"github.com/Tyrowin/roomchat/internal/notify"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/ratelimit"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	mustBind(a.v, "server.address", cmd.Flags().Lookup("addr"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("Starting RoomChat server...")

	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret must be set (ROOMCHAT_AUTH_JWTSECRET)")
	}

	db, err := store.OpenSQLite(ctx, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var rdb *redis.Client
	if usesRedis(cfg) {
		rdb, err = connectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
	}

	presenceStore := presence.Store(presence.NewMemory())
	if cfg.Presence.Backend == config.BackendRedis {
		presenceStore = presence.NewRedis(rdb)
	}

	limiter := ratelimit.Limiter(ratelimit.NewMemory(cfg.RateLimit.Requests, cfg.RateLimit.Window))
	handshake := ratelimit.Limiter(ratelimit.NewMemory(cfg.Server.HandshakeLimit, cfg.Server.HandshakeWindow,
		ratelimit.WithPrefix("addr:")))
	if cfg.RateLimit.Backend == config.BackendRedis {
		limiter = ratelimit.NewRedis(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		handshake = ratelimit.NewRedis(rdb, cfg.Server.HandshakeLimit, cfg.Server.HandshakeWindow,
			ratelimit.WithPrefix("addr:"))
	}

	queue, closeQueue, err := buildQueue(cfg.Notify, rdb, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	h := hub.NewHub(logger)
	dispatcher := notify.NewDispatcher(logger, queue, db, presenceStore, h, notify.Config{
		Workers:        cfg.Notify.Workers,
		QueueSize:      cfg.Notify.QueueSize,
		EnqueueTimeout: cfg.Notify.EnqueueTimeout,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	srv, err := server.New(*cfg, server.Deps{
		Logger:           logger,
		Verifier:         auth.NewJWTVerifier(cfg.Auth.JWTSecret),
		Members:          db,
		Messages:         db,
		Presence:         presenceStore,
		Limiter:          limiter,
		HandshakeLimiter: handshake,
		Filter:           filter.NewBannedWords(cfg.Filter.BannedWords),
		Hub:              h,
		Notifier:         dispatcher,
	})
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(runCtx); err != nil {
		logger.Error("Server stopped with error", slog.Any("error", err))
		return err
	}
	logger.Info("Server exited properly")
	return nil
}

func usesRedis(cfg *config.Config) bool {
	return cfg.Presence.Backend == config.BackendRedis ||
		cfg.RateLimit.Backend == config.BackendRedis ||
		cfg.Notify.Backend == config.BackendRedis
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// buildQueue returns the configured task queue and a function releasing it.
func buildQueue(cfg config.NotifyConfig, rdb *redis.Client, logger *slog.Logger) (notify.Queue, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return notify.NewRedisQueue(rdb, cfg.RedisKey), func() {}, nil
	case config.BackendNATS:
		nc, err := notify.DialNATS(cfg.NATSURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return notify.NewNATSQueue(nc, cfg.Subject), func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("NATS drain failed", slog.Any("error", err))
			}
		}, nil
	default:
		return notify.NewLogQueue(logger), func() {}, nil
	}
}
