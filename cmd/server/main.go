package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/auth"
	"github.com/example/trip-dispatch/internal/broadcast"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/geo"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	ready := map[string]httpapi.Check{}

	// Redis backs the proximity index and the dispatch claim when configured;
	// otherwise both live in process, which is only correct for one replica.
	var (
		index geo.Index
		guard dispatch.Guard
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		ri := geo.NewRedisIndex(rc, geo.WithStaleness(cfg.GeoStaleness), geo.WithGeoKey(cfg.RedisGeoKey))
		index = ri
		guard = dispatch.NewRedisGuard(rc)
		ready["redis"] = ri.Ping
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		index = geo.NewMemoryIndex(geo.WithStaleness(cfg.GeoStaleness))
		guard = dispatch.NewMemoryGuard()
		logger.Warn("REDIS_ADDR not set, using in-memory geo index")
	}

	var (
		store     storage.TripStore
		approvals dispatch.Approvals
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("schema migrated")
		}
		store, approvals = ps, ps
		ready["postgres"] = ps.Ping
	} else {
		store = storage.NewMemoryStore()
		approvals = storage.NewMemoryApprovals(cfg.TravelCaptains...)
		logger.Warn("PG_DSN not set, using in-memory trip store", "travel_captains", len(cfg.TravelCaptains))
	}

	var heartbeats httpapi.HeartbeatPublisher
	if len(cfg.KafkaBrokers) > 0 {
		p := ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer p.Close()
		heartbeats = p
		logger.Info("publishing heartbeats to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET not set, REST API is open and realtime auth is refused")
	}
	var authn broadcast.Authenticator
	if verifier != nil {
		authn = verifier
	}

	hub := broadcast.NewHub(broadcast.Config{
		SendBuffer:   cfg.WSSendBuffer,
		PingInterval: cfg.WSPingInterval,
		AuthTimeout:  cfg.WSAuthTimeout,
		MaxDeferred:  cfg.WSMaxPendingSubs,
	}, authn, logger.With("component", "broadcast"))
	defer hub.Close()

	coord := dispatch.NewCoordinator(dispatch.Config{
		UrbanRadiusKm:      cfg.UrbanRadiusKm,
		IntercityRadiusKm:  cfg.IntercityRadiusKm,
		QueryTimeout:       cfg.QueryTimeout,
		EligibilityTimeout: cfg.EligibilityTimeout,
		OfferWindow:        cfg.OfferWindow,
		MaxCandidates:      cfg.MaxCandidates,
		SpeedMps:           cfg.DefaultSpeedMps,
	}, index, approvals, hub, guard, logger.With("component", "dispatch"))

	api := httpapi.NewServer(httpapi.Deps{
		Store:      store,
		Index:      index,
		Dispatcher: coord,
		Publisher:  hub,
		WS:         hub,
		Heartbeats: heartbeats,
		Auth:       verifier,
		Ready:      ready,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("trip-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown.
	hub.Close()
	return srv.Shutdown(shutdownCtx)
}
