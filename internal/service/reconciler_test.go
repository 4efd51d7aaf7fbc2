package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/remote"
	"github.com/raphaelgruber/dishcapture/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seed creates a dish saved without its model and the matching ledger entry.
func seed(t *testing.T, s *stack, sessionID string) models.PendingUploadRecord {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "model.usdz")
	require.NoError(t, os.WriteFile(path, []byte("usdz"), 0o644))

	status := models.GenerationPendingUpload
	dish, err := s.catalog.CreateDish(ctx, models.DishFields{Name: "Pho", GenerationStatus: &status})
	require.NoError(t, err)

	rec := models.PendingUploadRecord{DishID: dish.ID, LocalPath: path, SessionID: sessionID, CreatedAt: time.Now()}
	require.NoError(t, s.ledger.Append(ctx, rec))
	return rec
}

func runCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestReconcileOnStartup(t *testing.T) {
	s := newStack(t, time.Second)
	rec := seed(t, s, "s-old")

	report, err := s.reconciler.Run(runCtx(t))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Reconciled)
	assert.Empty(t, report.Errors)

	updates := s.catalog.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, rec.DishID, updates[0].ID)
	require.NotNil(t, updates[0].ModelURL)
	assert.Equal(t, "https://storage.test/public/models/dishes/s-old/model.usdz", *updates[0].ModelURL)
	assert.Equal(t, models.GenerationCompleted, updates[0].Status)

	entries, err := s.ledger.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NotNil(t, s.collector.Snapshot().Reconcile)
}

func TestReconcileKeepsEntryWhenUploadFails(t *testing.T) {
	s := newStack(t, time.Second)
	seed(t, s, "s-1")
	s.storage.FailNext(&remote.NetworkError{Op: "put", Err: errors.New("offline")})

	report, err := s.reconciler.Run(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "offline")
	assert.Empty(t, s.catalog.Updates())

	entries, err := s.ledger.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// The next pass retries the failed upload.
	report, err = s.reconciler.Run(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)
	assert.Len(t, s.storage.Calls(), 2)

	coord, ok := s.uploads.Get("s-1")
	require.True(t, ok)
	assert.Equal(t, 2, coord.Task().Attempts)
}

func TestReconcileKeepsEntryWhenDishUpdateFails(t *testing.T) {
	s := newStack(t, time.Second)
	rec := seed(t, s, "s-1")
	s.catalog.FailUpdate(&remote.ServerError{StatusCode: 503, Message: "unavailable"})

	report, err := s.reconciler.Run(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	entries, err := s.ledger.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, rec.DishID, entries[0].DishID)

	// The upload already completed; the retry only patches the dish.
	report, err = s.reconciler.Run(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)
	assert.Len(t, s.storage.Calls(), 1)
}

func TestReconcileDropsEntriesWithoutModelFile(t *testing.T) {
	s := newStack(t, time.Second)
	rec := seed(t, s, "s-1")
	require.NoError(t, os.Remove(rec.LocalPath))

	report, err := s.reconciler.Run(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 0, report.Checked)
	assert.Empty(t, s.storage.Calls())
	assert.Empty(t, s.catalog.Updates())
}

func TestReconcileEmptyLedger(t *testing.T) {
	s := newStack(t, time.Second)
	report, err := s.pipeline.Reconcile(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, service.Report{}, report)
}
