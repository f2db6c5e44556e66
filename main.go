package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabsync/realtime/impl"
	"collabsync/realtime/internal"
	"collabsync/realtime/internal/collab"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/exp/slog"
)

type Env struct {
	Port              int                   `env:"PORT,default=8080"`
	InstanceID        string                `env:"INSTANCE_ID,required"`
	RedisURL          string                `env:"REDIS_URL,required"`
	DatabaseURL       string                `env:"DATABASE_URL,required"`
	JWTSecret         string                `env:"JWT_SECRET,required"`
	AdminPublicKey    envconfig.Base64Bytes `env:"ADMIN_PUBLIC_KEY,required"`
	TLSDomain         string                `env:"TLS_DOMAIN"`
	PorkbunAPIKey     string                `env:"PORKBUN_API_KEY"`
	PorkbunAPISecret  string                `env:"PORKBUN_API_SECRET"`
	BroadcastCapacity int                   `env:"BROADCAST_CAPACITY,default=1000"`
	RetryInterval     time.Duration         `env:"RETRY_INTERVAL,default=2s"`
	RetryAttempts     int                   `env:"RETRY_ATTEMPTS,default=5"`
	AllowedOrigins    []string              `env:"ALLOWED_ORIGINS"`
	OpenACL           bool                  `env:"OPEN_ACL,default=true"`
}

func doMain(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := Env{}
	if err := envconfig.Process(ctx, &env); err != nil {
		return err
	}

	logger = logger.With(slog.String("instance", env.InstanceID))

	rOpts, err := redis.ParseURL(env.RedisURL)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(rOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer rdb.Close()

	pool, err := pgxpool.New(ctx, env.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := impl.NewPGStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	config := collab.DefaultConfig()
	config.BroadcastCapacity = env.BroadcastCapacity
	config.RetryInterval = env.RetryInterval
	config.RetryAttempts = env.RetryAttempts

	collabServer := collab.NewServer(logger, config, collab.NewMetrics(registry), store, impl.NewRedisACL(rdb, env.OpenACL))
	defer collabServer.Close()

	router, err := internal.Main(logger, ctx, rdb, collabServer, internal.Options{
		InstanceID:     env.InstanceID,
		JWTSecret:      []byte(env.JWTSecret),
		AdminPublicKey: ed25519.PublicKey(env.AdminPublicKey),
		OriginPatterns: env.AllowedOrigins,
		Registry:       registry,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%v", env.Port),
		Handler: router,
	}

	if env.TLSDomain != "" {
		server.TLSConfig, err = impl.TLSConfig(env.TLSDomain, env.PorkbunAPIKey, env.PorkbunAPISecret, rdb)
		if err != nil {
			return err
		}
	}

	//goland:noinspection GoUnhandledErrorResult
	defer server.Close()

	ec := make(chan error, 1)
	go func() {
		logger.Debug("starting...", slog.String("address", server.Addr))

		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			ec <- err
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sc:
		logger.Warn("shutdown signal", slog.String("signal", sig.String()))
	case err := <-ec:
		return err
	}

	return nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true, Level: slog.LevelDebug}))

	if err := doMain(logger); err != nil {
		logger.Error("failed to start", slog.Any("error", err))
		os.Exit(1)
	}
}
