package shelter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ipanova/pulp-shelter/pkg/artifacts"
	"github.com/ipanova/pulp-shelter/pkg/config"
	"github.com/ipanova/pulp-shelter/pkg/database"
	"github.com/ipanova/pulp-shelter/pkg/download"
	"github.com/ipanova/pulp-shelter/pkg/observability"
	"github.com/ipanova/pulp-shelter/pkg/store"
	"github.com/ipanova/pulp-shelter/pkg/tasking"
	"github.com/ipanova/pulp-shelter/pkg/versioning"
)

// Runtime is a Service together with the resources it owns.
type Runtime struct {
	*Service
	DB       *store.SQL
	Provider *observability.Provider
}

// Open connects everything cfg describes: the database (PostgreSQL, or
// SQLite in lite mode), the artifact store, the optional Redis locker and
// the telemetry provider.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := store.Open(ctx, database.Config{URL: cfg.DatabaseURL, DataDir: cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt := &Runtime{DB: db}

	blobs, err := artifacts.NewStore(ctx, cfg.Storage)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	var locker tasking.Locker
	if cfg.RedisURL != "" {
		rl, err := tasking.NewRedisLockerFromURL(cfg.RedisURL, logger)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
		locker = rl
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.ServiceVersion = versioning.Current().String()
	if rt.Provider, err = observability.New(ctx, obsCfg); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("init observability: %w", err)
	}

	fetcher := download.New(fetcherOptions(cfg))

	rt.Service, err = New(cfg, Deps{
		Store:         db,
		Blobs:         blobs,
		Fetcher:       fetcher,
		Locker:        locker,
		Observability: rt.Provider,
		Logger:        logger,
	})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func fetcherOptions(cfg *config.Config) download.Options {
	retries := cfg.DownloadRetries
	if retries == 0 {
		retries = -1
	}
	return download.Options{
		MaxRetries: retries,
		RateLimit:  cfg.DownloadRateLimit,
		MaxBytes:   cfg.DownloadMaxBytes,
	}
}

// Close stops running tasks and releases the runtime's resources.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Service != nil {
		errs = append(errs, rt.Service.Shutdown(ctx))
	}
	if rt.Provider != nil {
		errs = append(errs, rt.Provider.Shutdown(ctx))
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	return errors.Join(errs...)
}
