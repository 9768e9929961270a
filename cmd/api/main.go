package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bryanwahyu/checkin-ledger/internal/application"
	apparchive "github.com/bryanwahyu/checkin-ledger/internal/application/archive"
	appcheckin "github.com/bryanwahyu/checkin-ledger/internal/application/checkin"
	appreview "github.com/bryanwahyu/checkin-ledger/internal/application/review"
	"github.com/bryanwahyu/checkin-ledger/internal/config"
	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
	"github.com/bryanwahyu/checkin-ledger/internal/infra/ai/openai"
	mongostore "github.com/bryanwahyu/checkin-ledger/internal/infra/db/mongo"
	mysqlp "github.com/bryanwahyu/checkin-ledger/internal/infra/db/mysql"
	"github.com/bryanwahyu/checkin-ledger/internal/infra/db/postgres"
	"github.com/bryanwahyu/checkin-ledger/internal/infra/db/sqlite"
	"github.com/bryanwahyu/checkin-ledger/internal/infra/httpserver"
	minioStore "github.com/bryanwahyu/checkin-ledger/internal/infra/storage"
	"github.com/bryanwahyu/checkin-ledger/internal/middleware"
)

func main() {
	defaultPath := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		defaultPath = v
	}
	configPath := pflag.String("config", defaultPath, "path to config.yaml (env CONFIG_PATH)")
	migrate := pflag.Bool("migrate", true, "create ledger tables and indexes before serving")
	migrateOnly := pflag.Bool("migrate-only", false, "run migrations and exit")
	pflag.Parse()

	if err := run(*configPath, *migrate || *migrateOnly, *migrateOnly); err != nil {
		fmt.Fprintf(os.Stderr, "checkin-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, migrate, migrateOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("%s connect: %w", cfg.Database.Driver, err)
	}
	defer closeStore()

	if migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("ledger schema ready", "driver", cfg.Database.Driver)
	}
	if migrateOnly {
		return nil
	}

	ledger := &appcheckin.Service{
		Repo:  store,
		Clock: application.SystemClock{},
		Policy: appcheckin.Policy{
			UndoWindow:     cfg.Ledger.UndoWindow,
			StorageTimeout: cfg.Ledger.StorageTimeout,
			FeedPageSize:   cfg.Ledger.FeedPageSize,
		},
		Logger: logger.With("component", "ledger"),
	}
	probes := []middleware.Probe{{Name: "ledger", Checker: middleware.CheckFunc(ledger.Ping), Critical: true}}

	var archive *apparchive.Service
	if cfg.ArchiveEnabled() {
		artifacts, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			return fmt.Errorf("minio init: %w", err)
		}
		artifacts.WithLinkTTL(cfg.Minio.LinkTTL)
		archive = &apparchive.Service{
			Feed:      ledger,
			Artifacts: artifacts,
			Clock:     application.SystemClock{},
			Logger:    logger.With("component", "archive"),
		}
		probes = append(probes, middleware.Probe{Name: "archive", Checker: artifacts})
	}

	var review *appreview.Service
	if cfg.ReviewEnabled() {
		review = &appreview.Service{
			Feed:   ledger,
			Client: openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model),
			Clock:  application.SystemClock{},
			Logger: logger.With("component", "review"),
		}
	}

	operators := make([]middleware.Operator, 0, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators = append(operators, middleware.Operator{ID: op.ID, Name: op.Name, APIKey: op.APIKey})
	}
	if len(operators) == 0 {
		logger.Warn("no operators configured, API authentication is disabled")
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate)
	defer limiter.Stop()

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpserver.NewRouter(httpserver.Options{
			Ledger:         ledger,
			Archive:        archive,
			Review:         review,
			Operators:      operators,
			RateLimiter:    limiter,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Probes:         probes,
			Logger:         logger.With("component", "http"),
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", srv.Addr, "undo_window", cfg.Ledger.UndoWindow,
			"archive", archive != nil, "review", review != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ledgerStore is a Repository that can create its own schema.
type ledgerStore interface {
	domain.Repository
	Migrate(ctx context.Context) error
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledgerStore, func(), error) {
	switch cfg.Database.Driver {
	case "mysql":
		db, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, nil, err
		}
		return mysqlp.NewScanRepository(db), func() { db.Close() }, nil

	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewScanRepository(db), func() { db.Close() }, nil

	case "mongo":
		client, err := mongostore.Connect(ctx, cfg.Database.URI)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Error("mongo disconnect", "error", err)
			}
		}
		return mongostore.NewScanRepository(client, cfg.Database.Name), closeFn, nil

	default:
		pool, err := sqlite.Open(sqlite.Config{
			Path:   cfg.Database.Path,
			Logger: logger.With("component", "sqlite"),
		})
		if err != nil {
			return nil, nil, err
		}
		return sqlite.NewScanRepository(pool), func() { pool.Close() }, nil
	}
}
