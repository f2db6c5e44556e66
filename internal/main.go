package internal

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"

	"collabsync/realtime/internal/collab"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

type Options struct {
	InstanceID     string
	JWTSecret      []byte
	AdminPublicKey ed25519.PublicKey
	OriginPatterns []string
	Registry       *prometheus.Registry
}

func Main(
	logger *slog.Logger,
	ctx context.Context,
	rdb *redis.Client,
	server *collab.Server,
	opts Options,
) (chi.Router, error) {
	if len(opts.JWTSecret) == 0 {
		return nil, errors.New("jwt secret is required")
	}

	if len(opts.AdminPublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("admin public key must be %v bytes", ed25519.PublicKeySize)
	}

	state := NewState()
	verifier := NewTokenVerifier(opts.JWTSecret)
	adminVerifier := NewRequestVerifier(opts.AdminPublicKey)

	events := NewEvents(ctx, logger, state, rdb, opts.InstanceID, server.ApplyRemote)
	server.UseRelay(events)
	go events.Run(ctx)

	router := chi.NewRouter()
	router.Use(mid(opts.InstanceID))
	router.Get("/health", health())
	router.Get("/", JoinRoute(state, logger, rdb, server, verifier, opts.InstanceID, opts.OriginPatterns))
	router.Delete("/connections/{id}", DropHandler(logger, state, rdb, adminVerifier))
	router.Delete("/users/{uid}/connections", DropUserHandler(logger, state, rdb, adminVerifier))

	if opts.Registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	return router, nil
}

func health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func mid(instanceID string) func(http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", "collabsync")
			w.Header().Set("Instance-ID", instanceID)
			handler.ServeHTTP(w, r)
		})
	}
}
