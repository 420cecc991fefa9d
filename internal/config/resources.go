package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"

	"github.com/example/roster-sync/internal/storage"
)

// Resources bundles the external connections used by the server so that their
// lifecycle can be managed in a single place. Only the connections enabled by
// the configuration are opened.
type Resources struct {
	Store    storage.Store
	Postgres *pgxpool.Pool
	SQLite   *storage.SQLite
	Redis    *redis.Client
	Object   *minio.Client
	cfg      Config
}

// NewResources opens the store selected by STORE_DRIVER plus Redis and object
// storage when enabled, then runs a health check.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	res := &Resources{cfg: cfg}

	switch cfg.StoreDriver {
	case storage.DriverPostgres:
		pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("parse postgres url: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
		res.Postgres = pool
		res.Store = storage.NewPostgres(pool)
	case storage.DriverSQLite:
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		res.SQLite = db
		res.Store = db
	default:
		res.Store = storage.NewMemory()
	}

	if cfg.BroadcastEnabled {
		res.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	if cfg.ArchiveEnabled {
		objectClient, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
			Secure: cfg.ObjectUseSSL,
			Region: cfg.ObjectRegion,
		})
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("create object client: %w", err)
		}
		res.Object = objectClient
	}

	if err := res.Store.EnsureSchema(ctx); err != nil {
		res.Close()
		return nil, err
	}
	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

// HealthCheck verifies that every opened dependency answers.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if r.Postgres != nil {
		if err := r.Postgres.Ping(ctx); err != nil {
			return fmt.Errorf("postgres healthcheck failed: %w", err)
		}
	}
	if r.SQLite != nil {
		if err := r.SQLite.DB().PingContext(ctx); err != nil {
			return fmt.Errorf("sqlite healthcheck failed: %w", err)
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis healthcheck failed: %w", err)
		}
	}
	// Object storage has no ping; stat the configured bucket instead.
	if r.Object != nil {
		if _, err := r.Object.BucketExists(ctx, r.cfg.ObjectBucket); err != nil {
			return fmt.Errorf("object storage healthcheck failed: %w", err)
		}
	}
	return nil
}

// Close disposes all active connections.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.SQLite != nil {
		_ = r.SQLite.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
