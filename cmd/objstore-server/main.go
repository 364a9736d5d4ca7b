// objstore server
//
// Serves a per-user virtual file tree whose folders are mounted object
// storage buckets (S3, MinIO, local disk):
// - browse, download with ranges, presigned URLs
// - resumable chunked uploads over multipart sessions
// - copy and move within and across providers
// - change events over SSE
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/objstore/internal/api"
	"github.com/fruitsalade/objstore/internal/config"
	"github.com/fruitsalade/objstore/internal/events"
	"github.com/fruitsalade/objstore/internal/logging"
	"github.com/fruitsalade/objstore/internal/metadata"
	"github.com/fruitsalade/objstore/internal/metadata/postgres"
	"github.com/fruitsalade/objstore/internal/metrics"
	"github.com/fruitsalade/objstore/internal/objstore"
	"github.com/fruitsalade/objstore/internal/oss"
	"github.com/fruitsalade/objstore/internal/retry"
	"github.com/fruitsalade/objstore/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("objstore server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		meta   metadata.Store = metadata.Discard{}
		source storage.MountSource
	)
	if cfg.DatabaseURL != "" {
		store, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer store.Close()

		sealer, err := storage.NewSealer(cfg.MountSecret)
		if err != nil {
			logging.Fatal("invalid mount secret", zap.Error(err))
		}
		mounts := storage.NewMountStore(store.DB(), sealer)
		if err := mounts.Migrate(ctx); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
		meta, source = store, mounts
	} else if cfg.MountsFile != "" {
		logging.Info("loading mounts from file", zap.String("file", cfg.MountsFile))
		source = storage.NewMountFile(cfg.MountsFile)
	} else {
		logging.Warn("no database or mounts file configured, serving local storage only")
		source = storage.NewStaticSource()
	}

	router, err := storage.NewRouter(ctx, storage.RouterConfig{
		Source:    source,
		LocalRoot: cfg.LocalRoot,
		Options: objstore.Options{
			MemoryThreshold:      cfg.ReplayMemoryThreshold,
			TempDir:              cfg.TempDir,
			SessionTTL:           cfg.UploadSessionTTL,
			HousekeepingInterval: cfg.HousekeepingInterval,
		},
	})
	if err != nil {
		logging.Fatal("storage router init failed", zap.Error(err))
	}
	defer router.Close()

	broadcaster := events.NewBroadcaster()
	svc := oss.New(oss.Config{
		Router:          router,
		Metadata:        meta,
		Notifier:        broadcaster,
		CopyConcurrency: cfg.CopyConcurrency,
	})
	srv := api.NewServer(api.Config{
		Service:       svc,
		Mounts:        router,
		Broadcaster:   broadcaster,
		PresignExpiry: cfg.PresignExpiry,
	})

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown incomplete", zap.Error(err))
		}
		if metricsServer != nil {
			metricsServer.Close()
		}
	}()

	logging.Info("server listening",
		zap.String("addr", cfg.ListenAddr),
		zap.Int("mounts", len(router.Mounts())))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}

// openDatabase connects to PostgreSQL, waiting for it to accept connections,
// and applies the file record schema.
func openDatabase(ctx context.Context, url string) (*postgres.Store, error) {
	logging.Info("connecting to PostgreSQL...")
	store, err := postgres.Open(url)
	if err != nil {
		return nil, err
	}

	rc := retry.StartupConfig()
	rc.OnRetry = func(attempt int, err error, wait time.Duration) {
		logging.Warn("database not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	err = retry.Do(ctx, rc, func(ctx context.Context) error {
		return retry.Retryable(store.Ping(ctx))
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
