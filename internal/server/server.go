// Package server exposes the capture-to-publish pipeline over HTTP and a
// websocket state feed.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/ledger"
	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/service"
)

// DishLister reads dishes back from the catalog.
type DishLister interface {
	ListDishes(ctx context.Context, restaurantID string, limit int) ([]models.DishRecord, error)
}

// Deps are the components the server exposes.
type Deps struct {
	Pipeline *service.Pipeline
	Ledger   *ledger.Ledger
	Dishes   DishLister
	Metrics  *metrics.Collector
	Logger   *slog.Logger
	// FeedInterval is how often the websocket feed checks for changes.
	FeedInterval time.Duration
}

// Server routes HTTP requests to the pipeline.
type Server struct {
	deps   Deps
	mux    *http.ServeMux
	logger *slog.Logger
}

// New creates a server and registers its routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.FeedInterval <= 0 {
		deps.FeedInterval = 250 * time.Millisecond
	}
	s := &Server{deps: deps, mux: http.NewServeMux(), logger: deps.Logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/pipeline", s.handlePipeline)
	s.mux.HandleFunc("GET /ws/pipeline", s.handleFeed)

	s.mux.HandleFunc("POST /api/capture/start", s.handleStartCapture)
	s.mux.HandleFunc("POST /api/capture/restart", s.handleRestart)
	s.mux.HandleFunc("POST /api/capture/detect", s.handleDetect)
	s.mux.HandleFunc("POST /api/capture/reset-detection", s.handleIntent(intentResetDetection))
	s.mux.HandleFunc("POST /api/capture/start-capturing", s.handleIntent(intentStartCapturing))
	s.mux.HandleFunc("POST /api/capture/shot", s.handleIntent(intentShot))
	s.mux.HandleFunc("POST /api/capture/finish", s.handleIntent(intentFinish))

	s.mux.HandleFunc("POST /api/reconstruction", s.handleStartReconstruction)
	s.mux.HandleFunc("GET /api/reconstruction/{session}", s.handleGetReconstruction)
	s.mux.HandleFunc("POST /api/reconstruction/{session}/cancel", s.handleCancelReconstruction)

	s.mux.HandleFunc("GET /api/uploads", s.handleListUploads)
	s.mux.HandleFunc("POST /api/uploads/{asset}/retry", s.handleRetryUpload)

	s.mux.HandleFunc("GET /api/dishes", s.handleListDishes)
	s.mux.HandleFunc("POST /api/dishes", s.handleSaveDish)

	s.mux.HandleFunc("GET /api/ledger", s.handleLedger)
	s.mux.HandleFunc("POST /api/ledger/reconcile", s.handleReconcile)

	s.mux.HandleFunc("GET /api/metrics", s.handleMetrics)
}

// Handler returns the root handler with logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.logger)(s.mux)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Saving a dish may wait for the publish budget.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
