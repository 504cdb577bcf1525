package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/workgraph/pkg/artifacts"
	"github.com/Mindburn-Labs/workgraph/pkg/audit"
	"github.com/Mindburn-Labs/workgraph/pkg/config"
	"github.com/Mindburn-Labs/workgraph/pkg/observability"
	"github.com/Mindburn-Labs/workgraph/pkg/simulation"
	"github.com/Mindburn-Labs/workgraph/pkg/versioning"
)

const projectLockTTL = 30 * time.Second

// runtime is everything a command needs to reach the version store.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	redis    *redis.Client
	obs      *observability.Provider
	auditLog *audit.Log
	manager  *versioning.Manager
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

func newEngine(cfg *config.Config) (*simulation.Engine, error) {
	profile, err := config.LoadSimulationProfile(cfg.SimulationProfile)
	if err != nil {
		return nil, err
	}
	return simulation.NewEngine(profile)
}

// openRuntime wires the store, locker, exporter, telemetry and audit log
// from cfg. Callers must Close the result.
func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger, auditLog: audit.NewLog(), obs: observability.Disabled()}
	defer func() {
		if err != nil {
			rt.Close(ctx)
			rt = nil
		}
	}()

	engine, err := newEngine(cfg)
	if err != nil {
		return rt, err
	}

	db, dialect, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return rt, err
	}
	rt.db = db
	store := versioning.NewSQLStore(db, dialect)
	if err := store.Init(ctx); err != nil {
		return rt, fmt.Errorf("failed to init policy store: %w", err)
	}

	opts := []versioning.Option{
		versioning.WithAuditLog(rt.auditLog),
		versioning.WithLogger(logger),
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return rt, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rt.redis = redis.NewClient(redisOpts)
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return rt, fmt.Errorf("redis ping failed: %w", err)
		}
		logger.Info("redis: connected, using distributed project locks")
		opts = append(opts, versioning.WithLocker(versioning.NewRedisLocker(rt.redis, projectLockTTL)))
	}

	exporter, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		return rt, fmt.Errorf("failed to init policy export: %w", err)
	}
	opts = append(opts, versioning.WithExporter(exporter))

	if cfg.OTelEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.Enabled = true
		obsCfg.Insecure = true
		obsCfg.OTLPEndpoint = cfg.OTelEndpoint
		obsCfg.ServiceVersion = version
		provider, err := observability.New(ctx, obsCfg)
		if err != nil {
			return rt, fmt.Errorf("failed to init telemetry: %w", err)
		}
		rt.obs = provider
		opts = append(opts, versioning.WithObservability(provider))
	}

	rt.auditLog.AddHandler(func(e *audit.Entry) {
		logger.Debug("audit entry",
			"entry_type", e.EntryType, "subject", e.Subject, "sequence", e.Sequence, "entry_hash", e.EntryHash)
	})

	rt.manager = versioning.NewManager(store, engine, opts...)
	return rt, nil
}

// Close releases every connection the runtime opened.
func (rt *runtime) Close(ctx context.Context) {
	if rt.obs != nil {
		if err := rt.obs.Shutdown(ctx); err != nil {
			rt.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
}
