// Package app builds the dishcapture component graph from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/dishcapture/internal/auth"
	"github.com/raphaelgruber/dishcapture/internal/capture"
	"github.com/raphaelgruber/dishcapture/internal/capture/hotfolder"
	"github.com/raphaelgruber/dishcapture/internal/catalog"
	"github.com/raphaelgruber/dishcapture/internal/config"
	"github.com/raphaelgruber/dishcapture/internal/db"
	"github.com/raphaelgruber/dishcapture/internal/ledger"
	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/objectstore"
	"github.com/raphaelgruber/dishcapture/internal/publish"
	"github.com/raphaelgruber/dishcapture/internal/reconstruction"
	"github.com/raphaelgruber/dishcapture/internal/reconstruction/wsengine"
	"github.com/raphaelgruber/dishcapture/internal/remote"
	"github.com/raphaelgruber/dishcapture/internal/service"
	"github.com/raphaelgruber/dishcapture/internal/upload"
)

// App holds every long-lived component.
type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Collector
	Session    *auth.Manager
	Remote     *remote.Client
	Catalog    *catalog.Client
	Ledger     *ledger.Ledger
	Uploads    *upload.Manager
	Reconciler *service.Reconciler
	Pipeline   *service.Pipeline

	dbClient *db.Client
}

// Engines overrides the capture and reconstruction engines. Zero fields fall
// back to the hot folder and websocket engines named in the configuration.
type Engines struct {
	Capture        capture.EngineFactory
	Reconstruction reconstruction.EngineFactory
}

// New wires the application. The stored session is restored; a missing or
// expired session is not an error.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, engines Engines) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewCollector(),
		Session: auth.NewManager(cfg.SessionFile, logger.With("component", "auth")),
	}
	if err := a.Session.Restore(); err != nil {
		logger.Warn("failed to restore session", "error", err)
	}

	a.Remote = remote.NewClient(cfg.BackendURL, cfg.AnonKey, a.Session, cfg.RequestTimeout)
	a.Catalog = catalog.NewClient(a.Remote, a.Session, a.Metrics, logger.With("component", "catalog"))

	transfers := remote.NewTransferClient(cfg.BackendURL, cfg.AnonKey, a.Session, cfg.RequestTimeout)
	store, err := newStorage(ctx, cfg, transfers)
	if err != nil {
		return nil, err
	}

	ledgerStore, err := a.newLedgerStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Ledger = ledger.New(ledgerStore, logger.With("component", "ledger"))

	a.Uploads = upload.NewManager(store, upload.Options{
		Prefix:      cfg.ObjectPrefix,
		Invalidator: a.Session,
		Metrics:     a.Metrics,
		Logger:      logger.With("component", "upload"),
	})
	a.Reconciler = service.NewReconciler(a.Ledger, a.Uploads, a.Catalog, cfg.LedgerRetention, a.Metrics, logger)

	if engines.Capture == nil {
		engines.Capture = hotfolder.Factory(cfg.HotFolder, hotfolder.Options{
			MaxShots: cfg.MaxShots,
			Logger:   logger.With("component", "hotfolder"),
		})
	}
	if engines.Reconstruction == nil {
		engines.Reconstruction = wsengine.Factory(cfg.ReconstructionURL, wsengine.Options{
			Logger: logger.With("component", "reconstruction"),
		})
	}

	controller := capture.NewController(engines.Capture, cfg.WorkDir, cfg.MaxShots, logger.With("component", "capture"))
	a.Pipeline = service.NewPipeline(controller, engines.Reconstruction, a.Uploads, a.Reconciler, service.Config{
		Detail:  models.ParseDetailLevel(cfg.Detail),
		Metrics: a.Metrics,
		Logger:  logger.With("component", "pipeline"),
	})

	gate := publish.NewGate(cfg.PublishInterval, cfg.PublishBudget, a.Metrics, logger.With("component", "gate"))
	a.Pipeline.SetPublisher(publish.NewPublisher(gate, a.Catalog, a.Ledger, a.Uploads, publish.Options{
		OnPending: a.Pipeline.OnPending,
		Logger:    logger.With("component", "publisher"),
	}))

	a.Session.OnInvalidate(func(reason string) {
		logger.Warn("session invalidated, sign in again", "reason", reason)
	})
	return a, nil
}

func newStorage(ctx context.Context, cfg config.Config, rc *remote.Client) (upload.Storage, error) {
	switch cfg.StorageBackend {
	case "s3":
		store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
			Bucket:        cfg.Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			PublicBaseURL: cfg.S3PublicBaseURL,
			PathStyle:     cfg.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 storage: %w", err)
		}
		return store, nil
	default:
		return objectstore.NewHTTPStore(rc, cfg.Bucket), nil
	}
}

func (a *App) newLedgerStore(ctx context.Context) (ledger.Store, error) {
	cfg := a.Config
	if cfg.LedgerBackend != "surreal" {
		return ledger.NewFileStore(cfg.LedgerFile), nil
	}

	client, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := client.InitSchema(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	a.dbClient = client
	return db.NewLedgerStore(client), nil
}

// Close stops the pipeline and closes the database connection.
func (a *App) Close(ctx context.Context) error {
	a.Pipeline.Close()
	if a.dbClient != nil {
		if err := a.dbClient.Close(ctx); err != nil {
			return fmt.Errorf("close database: %w", err)
		}
	}
	return nil
}
