// The api binary is the fleet-sync and re-verification service: it serves
// kiosk activation, snapshot sync, boarding-event ingestion, the queue
// verification callback, and the admin audit surface.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/saferide/backend/internal/auth"
	"github.com/saferide/backend/internal/boarding"
	"github.com/saferide/backend/internal/config"
	"github.com/saferide/backend/internal/dispatch"
	"github.com/saferide/backend/internal/ensemble"
	"github.com/saferide/backend/internal/handlers"
	"github.com/saferide/backend/internal/kiosk"
	"github.com/saferide/backend/internal/objectstore"
	"github.com/saferide/backend/internal/registry"
	"github.com/saferide/backend/internal/snapshot"
	"github.com/saferide/backend/internal/store"
	"github.com/saferide/backend/internal/urlcache"
	"github.com/saferide/backend/internal/verify"
)

const shutdownGrace = 30 * time.Second

func main() {
	// Local-dev convenience; deployed pods get real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.Env)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(env string) *slog.Logger {
	if env == "development" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return err
	}
	defer st.Close()

	objects := buildObjectStore(cfg, logger)
	rdb := buildRedis(cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	urls := urlcache.New(objects, cfg.ObjectStore.SignTTL(), cfg.ObjectStore.CacheTTL(), rdb, cfg.Redis.KeyPrefix, logger)
	snapshots := snapshot.NewBuilder(st, snapshot.PassthroughDecrypter{},
		time.Duration(cfg.Snapshot.BuildCacheSeconds)*time.Second, logger)

	issuer := auth.NewIssuer(cfg.Auth.Secret,
		time.Duration(cfg.Auth.AccessTTLMinutes)*time.Minute,
		time.Duration(cfg.Auth.RefreshTTLHours)*time.Hour,
		time.Duration(cfg.Auth.ClockSkewSeconds)*time.Second)
	kiosks := kiosk.NewService(st, issuer, logger)

	ensemble.RegisterLocal(ensemble.NewWeightLoader(objects, logger))
	models, err := ensemble.BuildModels(modelConfigs(cfg.Models))
	if err != nil {
		return err
	}
	engine := verify.NewEngine(models, verify.Params{
		MinConsensus:     cfg.Verification.MinConsensus,
		CascadeModel:     cfg.Verification.CascadeModel,
		CascadeThreshold: cfg.Verification.CascadeThreshold,
		AmbiguityGap:     cfg.Verification.AmbiguityGap,
		ConfigVersion:    cfg.Verification.ConfigVersion,
	}, logger)
	reg := registry.New(st, logger)
	orchestrator := verify.NewOrchestrator(st, objects, reg, engine, cfg.Verification.TaskDeadline(), logger)

	dispatcher, closeDispatcher := buildDispatcher(ctx, cfg, orchestrator, logger)
	defer closeDispatcher()

	scheduler := dispatch.NewScheduler(st, dispatcher, logger)
	events := boarding.NewService(st, objects, scheduler, cfg.Verification.MaxCrops, logger)

	server := handlers.New(handlers.Deps{
		Store:         st,
		Objects:       objects,
		Kiosks:        kiosks,
		Snapshots:     snapshots,
		Boarding:      events,
		Orchestrator:  orchestrator,
		URLs:          urls,
		Issuer:        issuer,
		AllowedQueues: cfg.Queue.AllowedQueues,
		MaxCrops:      cfg.Verification.MaxCrops,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func buildObjectStore(cfg *config.Config, logger *slog.Logger) objectstore.Store {
	switch cfg.ObjectStore.Backend {
	case "supabase":
		return objectstore.NewSupabase(cfg.ObjectStore.URL, cfg.ObjectStore.ServiceKey, cfg.ObjectStore.Bucket, logger)
	default:
		logger.Warn("using in-memory object store", "backend", cfg.ObjectStore.Backend)
		return objectstore.NewMemory()
	}
}

func buildRedis(cfg *config.Config, logger *slog.Logger) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// The URL cache degrades to local-only; not fatal.
		logger.Warn("redis unreachable, shared url cache disabled", "addr", cfg.Redis.Addr, "error", err)
		rdb.Close()
		return nil
	}
	return rdb
}

// buildDispatcher wires Cloud Tasks when the queue is configured, with
// inline fallback; otherwise everything runs inline.
func buildDispatcher(ctx context.Context, cfg *config.Config, runner dispatch.Runner, logger *slog.Logger) (dispatch.Dispatcher, func()) {
	inline := dispatch.NewInline(runner, cfg.Verification.TaskDeadline(), logger)
	if cfg.Queue.ProjectID == "" || cfg.Queue.QueueID == "" || cfg.Queue.CallbackURL == "" {
		logger.Info("cloud tasks not configured, verifying inline")
		return inline, func() {}
	}
	ct, err := dispatch.NewCloudTasks(ctx, cfg.Queue.ProjectID, cfg.Queue.LocationID, cfg.Queue.QueueID,
		cfg.Queue.CallbackURL, cfg.Verification.TaskDeadline(), inline, logger)
	if err != nil {
		logger.Error("cloud tasks unavailable, verifying inline", "error", err)
		return inline, func() {}
	}
	return ct, func() { ct.Close() }
}

func modelConfigs(cfgs []config.ModelConfig) []ensemble.Config {
	out := make([]ensemble.Config, len(cfgs))
	for i, c := range cfgs {
		out[i] = ensemble.Config{
			Name:      c.Name,
			Enabled:   c.Enabled,
			Threshold: c.Threshold,
			Weight:    c.Weight,
			Adapter:   c.Adapter,
			Endpoint:  c.Endpoint,
			Dim:       c.Dim,
			Version:   c.Version,
		}
	}
	return out
}
