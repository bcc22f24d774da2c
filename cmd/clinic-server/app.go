package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/config"
	"github.com/ehr/clinic/internal/domain/catalog"
	"github.com/ehr/clinic/internal/domain/clinic"
	"github.com/ehr/clinic/internal/platform/auth"
	"github.com/ehr/clinic/internal/platform/blobstore"
	"github.com/ehr/clinic/internal/platform/db"
	"github.com/ehr/clinic/internal/platform/events"
	"github.com/ehr/clinic/internal/platform/metrics"
	"github.com/ehr/clinic/internal/platform/middleware"
	"github.com/ehr/clinic/internal/platform/reporting"
)

const version = "0.1.0"

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// migrator applies the embedded clinic schema, or the files in dir when
// one is given.
func migrator(pool *pgxpool.Pool, dir string) (*db.Migrator, error) {
	if dir != "" {
		return db.NewDirMigrator(pool, dir), nil
	}
	fsys, err := fs.Sub(clinic.Migrations, "migrations")
	if err != nil {
		return nil, err
	}
	return db.NewMigrator(pool, fsys), nil
}

// openCatalog loads the catalog from the configured source.
func openCatalog(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*catalog.Service, *catalog.LoadReport, error) {
	policy, err := catalog.ParseDuplicatePolicy(cfg.DuplicatePolicy)
	if err != nil {
		return nil, nil, err
	}

	var src catalog.Source
	switch cfg.CatalogSource {
	case config.CatalogSourceS3:
		store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket:   cfg.CatalogBucket,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.S3Endpoint,
		}, "s3-catalog", logger)
		if err != nil {
			return nil, nil, fmt.Errorf("catalog bucket: %w", err)
		}
		src = catalog.NewBlobSource(store, cfg.CatalogPrefix)
	default:
		src = catalog.NewFileSource(cfg.CatalogDir)
	}

	csvStore := catalog.NewCSVStore(src, cfg.VaccinesFile, cfg.VitaminsFile, logger)
	cat := catalog.New(policy)
	report, err := csvStore.Load(ctx, cat)
	if err != nil {
		return nil, nil, fmt.Errorf("load catalog: %w", err)
	}
	return catalog.NewService(cat, csvStore, logger.With().Str("component", "catalog").Logger()), report, nil
}

// openArchive returns the report bucket, or an in-memory store when no
// bucket is configured.
func openArchive(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (blobstore.Store, error) {
	if cfg.ReportBucket == "" {
		logger.Warn().Msg("REPORT_BUCKET not set, archived reports are kept in memory")
		return blobstore.NewMemoryStore(), nil
	}
	return blobstore.NewS3Store(ctx, blobstore.S3Config{
		Bucket:   cfg.ReportBucket,
		Region:   cfg.AWSRegion,
		Endpoint: cfg.S3Endpoint,
	}, "s3-reports", logger)
}

func openPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, error) {
	if cfg.AMQPURL == "" {
		return events.NewLogPublisher(logger), nil
	}
	return events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventsQueue, logger)
}

type appOptions struct {
	migrate bool
}

// app holds everything a running server or a one-shot command needs.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	catalog *catalog.Service
	clinic  *clinic.Service
	events  events.Publisher
	metrics *metrics.Metrics
	archive blobstore.Store
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	catSvc, _, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.catalog = catSvc

	a.clinic = clinic.NewService(
		clinic.New(cfg.ClinicName, cfg.ClinicAddress),
		catSvc,
		logger.With().Str("component", "clinic").Logger(),
	)
	a.clinic.SetMetrics(a.metrics)

	if a.events, err = openPublisher(cfg, logger); err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	a.clinic.SetPublisher(a.events)

	if a.archive, err = openArchive(ctx, cfg, logger); err != nil {
		a.close()
		return nil, fmt.Errorf("report archive: %w", err)
	}

	if cfg.Persistent() {
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			a.close()
			return nil, err
		}
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

		if opts.migrate {
			m, err := migrator(a.pool, "")
			if err != nil {
				a.close()
				return nil, err
			}
			n, err := m.Up(ctx, cfg.DBSchema)
			if err != nil {
				a.close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Int("applied", n).Msg("migrations applied")
		}

		a.clinic.SetStore(clinic.NewStorePG(a.pool))
		if err := a.clinic.Restore(ctx); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close event publisher")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.cfg.IsDev() {
		return auth.DevAuthMiddleware([]byte(a.cfg.AuthSigningKey)...)
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		SigningKey: []byte(a.cfg.AuthSigningKey),
	})
}

func (a *app) server() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	timeout, err := time.ParseDuration(a.cfg.RequestTimeout)
	if err != nil {
		a.logger.Warn().Str("value", a.cfg.RequestTimeout).Msg("invalid REQUEST_TIMEOUT, requests are not timed out")
		timeout = 0
	}

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(a.cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(timeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	} else {
		e.GET("/health/db", db.MemoryHealthHandler())
	}
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	apiV1 := e.Group("/api/v1", a.authMiddleware(), middleware.Audit(a.logger))

	clinic.NewHandler(a.clinic).RegisterRoutes(apiV1)
	catalog.NewHandler(a.catalog).RegisterRoutes(apiV1)
	reporting.NewHandler(a.clinic, reporting.NewArchive(a.archive, a.logger)).RegisterRoutes(apiV1)

	archived := apiV1.Group("/reports", auth.RequireRole(auth.RoleAdmin, auth.RoleNurse, auth.RoleClerk))
	blobstore.NewHandler(a.archive, reporting.ArchivePrefix).RegisterRoutes(archived)

	return e
}

// runReminders dispatches due reminders every interval until ctx is done.
func (a *app) runReminders(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := a.clinic.DispatchReminders(ctx, time.Time{})
			if err != nil {
				a.logger.Error().Err(err).Msg("reminder dispatch failed")
				continue
			}
			if len(sent) > 0 {
				a.logger.Info().Int("sent", len(sent)).Msg("reminders dispatched")
			}
		}
	}
}
