// Package ledger keeps the durable list of dishes that were saved before their
// model upload finished. Each entry is the handle needed to patch the dish once
// the upload completes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/models"
)

// ErrNotFound is returned when no entry exists for a dish.
var ErrNotFound = errors.New("ledger entry not found")

// Store persists ledger entries.
type Store interface {
	List(ctx context.Context) ([]models.PendingUploadRecord, error)
	Append(ctx context.Context, rec models.PendingUploadRecord) error
	Remove(ctx context.Context, dishID string) error
}

// Ledger is the pending-upload list. It holds at most one entry per dish.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger over store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// Append records a dish whose model URL is still pending. Appending a dish
// that already has an entry is a no-op.
func (l *Ledger) Append(ctx context.Context, rec models.PendingUploadRecord) error {
	if rec.DishID == "" {
		return errors.New("ledger append: dish_id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.store.List(ctx)
	if err != nil {
		return fmt.Errorf("ledger append: %w", err)
	}
	if slices.ContainsFunc(existing, func(r models.PendingUploadRecord) bool { return r.DishID == rec.DishID }) {
		l.logger.Debug("ledger entry already present", "dish_id", rec.DishID)
		return nil
	}
	if err := l.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("ledger append: %w", err)
	}

	l.logger.Info("pending upload recorded", "dish_id", rec.DishID, "session_id", rec.SessionID, "local_path", rec.LocalPath)
	return nil
}

// List returns all entries, oldest first.
func (l *Ledger) List(ctx context.Context) ([]models.PendingUploadRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	slices.SortStableFunc(recs, func(a, b models.PendingUploadRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return recs, nil
}

// Get returns the entry for dishID.
func (l *Ledger) Get(ctx context.Context, dishID string) (models.PendingUploadRecord, error) {
	recs, err := l.List(ctx)
	if err != nil {
		return models.PendingUploadRecord{}, err
	}
	for _, r := range recs {
		if r.DishID == dishID {
			return r, nil
		}
	}
	return models.PendingUploadRecord{}, fmt.Errorf("%w: %s", ErrNotFound, dishID)
}

// Remove deletes the entry for dishID after it has been reconciled.
func (l *Ledger) Remove(ctx context.Context, dishID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Remove(ctx, dishID); err != nil {
		return fmt.Errorf("ledger remove: %w", err)
	}
	l.logger.Info("pending upload reconciled", "dish_id", dishID)
	return nil
}

// Compact drops entries that can never be reconciled: those whose model file
// no longer exists and those older than maxAge (when maxAge > 0). It returns
// the dropped entries.
func (l *Ledger) Compact(ctx context.Context, maxAge time.Duration) ([]models.PendingUploadRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger compact: %w", err)
	}

	now := l.now()
	var dropped []models.PendingUploadRecord
	for _, r := range recs {
		reason := ""
		if _, err := os.Stat(r.LocalPath); err != nil {
			reason = "model file missing"
		} else if maxAge > 0 && now.Sub(r.CreatedAt) > maxAge {
			reason = "older than retention"
		}
		if reason == "" {
			continue
		}
		if err := l.store.Remove(ctx, r.DishID); err != nil {
			return dropped, fmt.Errorf("ledger compact: %w", err)
		}
		l.logger.Warn("dropping unreconcilable pending upload", "dish_id", r.DishID, "local_path", r.LocalPath, "reason", reason)
		dropped = append(dropped, r)
	}
	return dropped, nil
}
