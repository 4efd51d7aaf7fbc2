package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/capture"
	"github.com/raphaelgruber/dishcapture/internal/ledger"
	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/mocks"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/publish"
	"github.com/raphaelgruber/dishcapture/internal/reconstruction"
	"github.com/raphaelgruber/dishcapture/internal/service"
	"github.com/raphaelgruber/dishcapture/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	capture    *mocks.CaptureEngineFactory
	recon      *mocks.ReconstructionEngineFactory
	storage    *mocks.Storage
	catalog    *mocks.Catalog
	ledger     *ledger.Ledger
	uploads    *upload.Manager
	reconciler *service.Reconciler
	pipeline   *service.Pipeline
	collector  *metrics.Collector
}

func newStack(t *testing.T, budget time.Duration) *stack {
	t.Helper()
	dir := t.TempDir()

	s := &stack{
		capture:   &mocks.CaptureEngineFactory{},
		recon:     &mocks.ReconstructionEngineFactory{},
		storage:   mocks.NewStorage(),
		catalog:   mocks.NewCatalog(),
		collector: metrics.NewCollector(),
	}
	s.ledger = ledger.New(ledger.NewFileStore(filepath.Join(dir, "pending_uploads.yaml")), nil)
	s.uploads = upload.NewManager(s.storage, upload.Options{Prefix: "dishes", Metrics: s.collector})
	s.reconciler = service.NewReconciler(s.ledger, s.uploads, s.catalog, 0, s.collector, nil)

	controller := capture.NewController(s.capture.Factory(), dir, 40, nil)
	s.pipeline = service.NewPipeline(controller, s.recon.Factory(), s.uploads, s.reconciler, service.Config{
		Detail:  models.DetailMedium,
		Metrics: s.collector,
	})
	gate := publish.NewGate(10*time.Millisecond, budget, s.collector, nil)
	s.pipeline.SetPublisher(publish.NewPublisher(gate, s.catalog, s.ledger, s.uploads, publish.Options{
		OnPending: s.pipeline.OnPending,
	}))
	t.Cleanup(s.pipeline.Close)
	return s
}

func waitState(t *testing.T, c *capture.Controller, states ...models.CaptureState) models.CaptureSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := c.WaitFor(ctx, states...)
	require.NoError(t, err, "waiting for %v, last state %s", states, s.State)
	return s
}

// captureShots drives a fresh session through detection and n shots up to
// prepareToReconstruct.
func captureShots(t *testing.T, p *service.Pipeline, n int) models.CaptureSession {
	t.Helper()
	ctx := context.Background()
	c := p.Controller()

	_, err := c.StartNewCapture(ctx)
	require.NoError(t, err)
	waitState(t, c, models.CaptureReady)

	require.True(t, c.StartDetecting(ctx))
	waitState(t, c, models.CaptureDetecting)
	require.NoError(t, c.StartCapturing(ctx))
	waitState(t, c, models.CaptureCapturing)

	for range n {
		require.NoError(t, c.RequestImageCapture(ctx))
	}
	require.NoError(t, c.Finish(ctx))
	return waitState(t, c, models.CapturePrepareToReconstruct)
}

func writeModel(t *testing.T, req reconstruction.Request) {
	require.NoError(t, os.MkdirAll(filepath.Dir(req.ModelFile.Path), 0o755))
	require.NoError(t, os.WriteFile(req.ModelFile.Path, []byte("usdz-model"), 0o644))
}

func succeed(t *testing.T) func(e *mocks.ReconstructionEngine) {
	return func(e *mocks.ReconstructionEngine) {
		e.OnProcess = func(e *mocks.ReconstructionEngine, req reconstruction.Request) {
			writeModel(t, req)
			e.Emit(reconstruction.Event{Kind: reconstruction.EventInputComplete})
			for _, f := range []float64{0, 0.25, 0.5, 0.75, 1.0} {
				e.Emit(reconstruction.Event{Kind: reconstruction.EventRequestProgress, Fraction: f})
			}
			e.Emit(
				reconstruction.Event{Kind: reconstruction.EventRequestComplete},
				reconstruction.Event{Kind: reconstruction.EventProcessingComplete},
			)
		}
	}
}

func waitJob(t *testing.T, p *service.Pipeline, sessionID string) models.ReconstructionJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	job, err := p.WaitReconstruction(ctx, sessionID)
	require.NoError(t, err)
	return job
}

func TestHappyPath(t *testing.T) {
	s := newStack(t, 5*time.Second)
	s.recon.Setup = succeed(t)

	session := captureShots(t, s.pipeline, 20)
	assert.Equal(t, 20, session.ShotCount)

	job, err := s.pipeline.StartReconstruction(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.ID, job.SessionID)

	job = waitJob(t, s.pipeline, session.ID)
	assert.Equal(t, models.OutcomeCompleted, job.Outcome)
	assert.Equal(t, 1.0, job.Progress)
	waitState(t, s.pipeline.Controller(), models.CaptureCompleted)

	engines := s.recon.Engines()
	require.Len(t, engines, 1)
	assert.Equal(t, session.ImagesDir, engines[0].InputDir)

	coord, ok := s.uploads.Get(session.ID)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	status, err := coord.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, upload.StateCompleted, status.State)

	asset, ok := s.pipeline.Asset(session.ID)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(session.ModelsDir, service.ModelFileName), asset.LocalPath)
	require.NotNil(t, asset.RemoteURL)
	assert.Equal(t, "https://storage.test/public/models/dishes/"+session.ID+"/model.usdz", *asset.RemoteURL)
	assert.Equal(t, models.GenerationCompleted, asset.Status)

	res, err := s.pipeline.SaveDish(context.Background(), models.DishFields{Name: "Tiramisu", Price: 7}, session.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Dish.Model3DURL)
	assert.Equal(t, *asset.RemoteURL, *res.Dish.Model3DURL)

	entries, err := s.ledger.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Len(t, s.storage.Calls(), 1)
}

func TestUserCancel(t *testing.T) {
	s := newStack(t, time.Second)
	s.recon.Setup = func(e *mocks.ReconstructionEngine) {
		e.OnProcess = func(e *mocks.ReconstructionEngine, req reconstruction.Request) {
			e.Emit(reconstruction.Event{Kind: reconstruction.EventRequestProgress, Fraction: 0.3})
		}
		e.OnCancel = func(e *mocks.ReconstructionEngine) {
			e.Emit(
				reconstruction.Event{Kind: reconstruction.EventRequestError},
				reconstruction.Event{Kind: reconstruction.EventProcessingCancelled},
			)
		}
	}

	session := captureShots(t, s.pipeline, 5)
	_, err := s.pipeline.StartReconstruction(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, _ := s.pipeline.Reconstruction(session.ID)
		return job.Progress == 0.3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.pipeline.CancelReconstruction(session.ID))
	job := waitJob(t, s.pipeline, session.ID)

	assert.Equal(t, models.OutcomeCancelled, job.Outcome)
	assert.Empty(t, job.Error)
	waitState(t, s.pipeline.Controller(), models.CaptureRestart)

	_, ok := s.pipeline.Asset(session.ID)
	assert.False(t, ok, "no model asset")
	assert.Empty(t, s.uploads.List())
	assert.Empty(t, s.storage.Calls())
}

func TestCancelRightAfterStart(t *testing.T) {
	s := newStack(t, time.Second)
	s.recon.Setup = func(e *mocks.ReconstructionEngine) {
		e.OnProcess = func(e *mocks.ReconstructionEngine, req reconstruction.Request) {
			e.Emit(reconstruction.Event{Kind: reconstruction.EventRequestProgress, Fraction: 0.1})
		}
		e.OnCancel = func(e *mocks.ReconstructionEngine) {
			e.Emit(reconstruction.Event{Kind: reconstruction.EventProcessingCancelled})
		}
	}

	session := captureShots(t, s.pipeline, 5)
	_, err := s.pipeline.StartReconstruction(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.pipeline.CancelReconstruction(session.ID))

	job := waitJob(t, s.pipeline, session.ID)
	assert.Equal(t, models.OutcomeCancelled, job.Outcome)
	waitState(t, s.pipeline.Controller(), models.CaptureRestart)
	assert.Empty(t, s.uploads.List())
	assert.Empty(t, s.storage.Calls())
}

func TestSlowUpload(t *testing.T) {
	s := newStack(t, 80*time.Millisecond)
	s.recon.Setup = succeed(t)
	s.storage.Hold = make(chan struct{})

	session := captureShots(t, s.pipeline, 10)
	_, err := s.pipeline.StartReconstruction(context.Background())
	require.NoError(t, err)
	waitJob(t, s.pipeline, session.ID)
	waitState(t, s.pipeline.Controller(), models.CaptureCompleted)

	res, err := s.pipeline.SaveDish(context.Background(), models.DishFields{Name: "Gyoza", Price: 6}, session.ID)
	require.NoError(t, err)

	assert.True(t, res.Resolution.TimedOut)
	assert.Nil(t, res.Dish.Model3DURL)
	require.NotNil(t, res.Dish.GenerationStatus)
	assert.Equal(t, models.GenerationPendingUpload, *res.Dish.GenerationStatus)

	entries, err := s.ledger.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.Dish.ID, entries[0].DishID)
	assert.Equal(t, session.ID, entries[0].SessionID)

	// Once the upload lands, the dish is patched and the entry removed.
	close(s.storage.Hold)
	require.Eventually(t, func() bool {
		entries, err := s.ledger.List(context.Background())
		return err == nil && len(entries) == 0
	}, 3*time.Second, 10*time.Millisecond)

	dish, ok := s.catalog.Dish(res.Dish.ID)
	require.True(t, ok)
	require.NotNil(t, dish.Model3DURL)
	require.NotNil(t, dish.GenerationStatus)
	assert.Equal(t, models.GenerationCompleted, *dish.GenerationStatus)
	assert.Len(t, s.storage.Calls(), 1, "the upload is not repeated")
}

func TestStartReconstructionRequiresPreparedSession(t *testing.T) {
	s := newStack(t, time.Second)

	_, err := s.pipeline.StartReconstruction(context.Background())
	assert.ErrorIs(t, err, capture.ErrNoSession)

	_, err = s.pipeline.Controller().StartNewCapture(context.Background())
	require.NoError(t, err)
	waitState(t, s.pipeline.Controller(), models.CaptureReady)

	_, err = s.pipeline.StartReconstruction(context.Background())
	assert.ErrorIs(t, err, service.ErrNotReady)
	assert.Empty(t, s.recon.Engines())
}

func TestStartReconstructionOncePerSession(t *testing.T) {
	s := newStack(t, time.Second)
	s.recon.Setup = succeed(t)
	session := captureShots(t, s.pipeline, 3)

	first, err := s.pipeline.StartReconstruction(context.Background())
	require.NoError(t, err)
	second, err := s.pipeline.StartReconstruction(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, s.recon.Engines(), 1)
	waitJob(t, s.pipeline, session.ID)
}

func TestReconstructionEngineErrorFailsSession(t *testing.T) {
	s := newStack(t, time.Second)
	s.recon.Setup = func(e *mocks.ReconstructionEngine) {
		e.OnProcess = func(e *mocks.ReconstructionEngine, req reconstruction.Request) {
			e.Close()
		}
	}
	session := captureShots(t, s.pipeline, 3)

	_, err := s.pipeline.StartReconstruction(context.Background())
	require.NoError(t, err)
	job := waitJob(t, s.pipeline, session.ID)

	assert.Equal(t, models.OutcomeErrored, job.Outcome)
	failed := waitState(t, s.pipeline.Controller(), models.CaptureFailed)
	assert.Contains(t, failed.Error, "reconstruction engine")

	// Restart is the only way out.
	fresh, err := s.pipeline.Controller().Restart(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, session.ID, fresh.ID)
}

func TestSaveDishUnknownSession(t *testing.T) {
	s := newStack(t, time.Second)
	_, err := s.pipeline.SaveDish(context.Background(), models.DishFields{Name: "x"}, "nope")
	assert.ErrorIs(t, err, service.ErrNoModel)
}

func TestSnapshot(t *testing.T) {
	s := newStack(t, time.Second)
	s.recon.Setup = succeed(t)
	session := captureShots(t, s.pipeline, 2)
	_, err := s.pipeline.StartReconstruction(context.Background())
	require.NoError(t, err)
	waitJob(t, s.pipeline, session.ID)
	waitState(t, s.pipeline.Controller(), models.CaptureCompleted)

	snap := s.pipeline.Snapshot()
	require.NotNil(t, snap.Capture)
	assert.Equal(t, session.ID, snap.Capture.ID)
	require.Len(t, snap.Reconstructions, 1)
	assert.Equal(t, models.OutcomeCompleted, snap.Reconstructions[0].Outcome)
	require.Len(t, snap.Uploads, 1)
	assert.Equal(t, session.ID, snap.Uploads[0].AssetID)
}
