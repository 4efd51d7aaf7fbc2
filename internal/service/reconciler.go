package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/ledger"
	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/upload"
)

// ErrUploadFailed is returned when a pending upload could not be completed.
var ErrUploadFailed = errors.New("pending upload failed")

// DishUpdater patches a dish with its final model URL.
type DishUpdater interface {
	UpdateDish(ctx context.Context, id string, modelURL *string, status models.GenerationStatus) error
}

// Report summarizes one reconcile pass.
type Report struct {
	Checked    int      `json:"checked"`
	Reconciled int      `json:"reconciled"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Dropped    int      `json:"dropped"`
	Errors     []string `json:"errors,omitempty"`
}

// Reconciler finishes uploads for dishes that were saved without their model
// URL and patches the dishes once the URL is known.
type Reconciler struct {
	ledger    *ledger.Ledger
	uploads   *upload.Manager
	catalog   DishUpdater
	retention time.Duration
	metrics   *metrics.Collector
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewReconciler creates a reconciler. Entries older than retention are
// dropped on each pass; zero keeps them forever.
func NewReconciler(l *ledger.Ledger, uploads *upload.Manager, catalog DishUpdater, retention time.Duration, collector *metrics.Collector, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		ledger:    l,
		uploads:   uploads,
		catalog:   catalog,
		retention: retention,
		metrics:   collector,
		logger:    logger.With("component", "reconciler"),
		inflight:  make(map[string]bool),
	}
}

// Run compacts the ledger and reconciles every remaining entry in order. A
// failing entry is kept for the next pass and does not stop the others.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report

	dropped, err := r.ledger.Compact(ctx, r.retention)
	report.Dropped = len(dropped)
	if err != nil {
		return report, err
	}

	entries, err := r.ledger.List(ctx)
	if err != nil {
		return report, err
	}
	if len(entries) == 0 {
		r.logger.Info("no pending uploads to reconcile")
		return report, nil
	}
	r.logger.Info("reconciling pending uploads", "count", len(entries))

	for _, rec := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		err := r.Reconcile(ctx, rec)
		switch {
		case err == nil:
			report.Reconciled++
		case errors.Is(err, errInFlight):
			report.Skipped++
		default:
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rec.DishID, err))
		}
	}

	r.logger.Info("reconcile pass finished",
		"reconciled", report.Reconciled,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"dropped", report.Dropped)
	return report, nil
}

var errInFlight = errors.New("reconcile already in flight")

// Reconcile finishes the upload for rec, patches the dish and removes the
// entry. The entry is removed only after the dish update succeeded.
func (r *Reconciler) Reconcile(ctx context.Context, rec models.PendingUploadRecord) error {
	if !r.claim(rec.DishID) {
		return errInFlight
	}
	defer r.release(rec.DishID)

	start := time.Now()
	err := r.reconcile(ctx, rec)
	if err != nil {
		r.metrics.RecordFailure(metrics.OpReconcile, time.Since(start))
		r.logger.Warn("pending upload not reconciled", "dish_id", rec.DishID, "error", err)
		return err
	}
	r.metrics.RecordTiming(metrics.OpReconcile, time.Since(start))
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, rec models.PendingUploadRecord) error {
	coord := r.uploads.ForAsset(models.ModelAsset{
		ID:        rec.SessionID,
		SessionID: rec.SessionID,
		LocalPath: rec.LocalPath,
		CreatedAt: rec.CreatedAt,
	})

	if !coord.EnsureStarted() && coord.Status().State == upload.StateFailed {
		if err := coord.Retry(); err != nil && !errors.Is(err, upload.ErrNotRetryable) {
			return err
		}
	}

	status, err := coord.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for upload: %w", err)
	}
	if status.State != upload.StateCompleted || status.URL == nil {
		return fmt.Errorf("%w: %s", ErrUploadFailed, status.Error)
	}

	if err := r.catalog.UpdateDish(ctx, rec.DishID, status.URL, models.GenerationCompleted); err != nil {
		return fmt.Errorf("update dish: %w", err)
	}
	if err := r.ledger.Remove(ctx, rec.DishID); err != nil {
		return err
	}
	return nil
}

func (r *Reconciler) claim(dishID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[dishID] {
		return false
	}
	r.inflight[dishID] = true
	return true
}

func (r *Reconciler) release(dishID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, dishID)
}
