package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/raphaelgruber/dishcapture/internal/capture"
	"github.com/raphaelgruber/dishcapture/internal/ledger"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/remote"
	"github.com/raphaelgruber/dishcapture/internal/service"
	"github.com/raphaelgruber/dishcapture/internal/upload"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps pipeline errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		authErr     *remote.AuthExpiredError
		conflictErr *remote.ConflictError
		networkErr  *remote.NetworkError
		serverErr   *remote.ServerError
	)
	switch {
	case errors.Is(err, capture.ErrNoSession),
		errors.Is(err, service.ErrNoReconstruction),
		errors.Is(err, service.ErrNoModel),
		errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, capture.ErrInvalidState),
		errors.Is(err, capture.ErrStaleSession),
		errors.Is(err, service.ErrNotReady),
		errors.Is(err, upload.ErrNotRetryable),
		errors.As(err, &conflictErr):
		status = http.StatusConflict
	case errors.As(err, &authErr):
		status = http.StatusUnauthorized
	case errors.As(err, &networkErr), errors.As(err, &serverErr):
		status = http.StatusBadGateway
	}
	if status >= 500 {
		s.logger.Error("request error", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pipeline.Snapshot())
}

// Capture sessions outlive the request that starts them.
func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Pipeline.Controller().StartNewCapture(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Pipeline.Controller().Restart(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	detected := s.deps.Pipeline.Controller().StartDetecting(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"detected": detected})
}

type intent func(ctx context.Context, c *capture.Controller) error

func intentResetDetection(ctx context.Context, c *capture.Controller) error {
	return c.ResetDetection(ctx)
}

func intentStartCapturing(ctx context.Context, c *capture.Controller) error {
	return c.StartCapturing(ctx)
}

func intentShot(ctx context.Context, c *capture.Controller) error {
	return c.RequestImageCapture(ctx)
}

func intentFinish(ctx context.Context, c *capture.Controller) error {
	return c.Finish(ctx)
}

// handleIntent forwards a capture intent and answers with the session as it
// stands afterwards. Engine acknowledgements arrive asynchronously through
// the pipeline feed.
func (s *Server) handleIntent(fn intent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := s.deps.Pipeline.Controller()
		if err := fn(r.Context(), c); err != nil {
			s.writeError(w, err)
			return
		}
		session, _ := c.Snapshot()
		writeJSON(w, http.StatusAccepted, session)
	}
}

func (s *Server) handleStartReconstruction(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Pipeline.StartReconstruction(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetReconstruction(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	job, ok := s.deps.Pipeline.Reconstruction(sessionID)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", service.ErrNoReconstruction, sessionID))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelReconstruction(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	if err := s.deps.Pipeline.CancelReconstruction(sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	job, _ := s.deps.Pipeline.Reconstruction(sessionID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pipeline.Uploads().List())
}

func (s *Server) handleRetryUpload(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("asset")
	c, ok := s.deps.Pipeline.Uploads().Get(assetID)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", service.ErrNoModel, assetID))
		return
	}
	if err := c.Retry(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c.Status())
}

type saveDishRequest struct {
	SessionID string            `json:"session_id,omitempty"`
	Dish      models.DishFields `json:"dish"`
}

func (s *Server) handleSaveDish(w http.ResponseWriter, r *http.Request) {
	var req saveDishRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Dish.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "dish name is required"})
		return
	}

	res, err := s.deps.Pipeline.SaveDish(r.Context(), req.Dish, req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListDishes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dishes == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "dish listing not configured"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	dishes, err := s.deps.Dishes.ListDishes(r.Context(), r.URL.Query().Get("restaurant_id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if dishes == nil {
		dishes = []models.DishRecord{}
	}
	writeJSON(w, http.StatusOK, dishes)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Ledger.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PendingUploadRecord{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Pipeline.Reconcile(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}
