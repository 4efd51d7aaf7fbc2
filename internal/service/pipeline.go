// Package service wires the capture controller, reconstruction monitors,
// upload coordinators and the publisher into one capture-to-publish pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/dishcapture/internal/capture"
	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/publish"
	"github.com/raphaelgruber/dishcapture/internal/reconstruction"
	"github.com/raphaelgruber/dishcapture/internal/upload"
)

var (
	// ErrNotReady is returned when the session is not waiting for reconstruction.
	ErrNotReady = errors.New("capture session is not ready for reconstruction")
	// ErrNoReconstruction is returned when a session has no reconstruction job.
	ErrNoReconstruction = errors.New("no reconstruction for session")
	// ErrNoModel is returned when a dish names a session without a model.
	ErrNoModel = errors.New("session has no model")
)

// ModelFileName is the name of the reconstructed model inside a session's
// Models folder.
const ModelFileName = "model.usdz"

// Snapshot is the whole pipeline state at a point in time.
type Snapshot struct {
	Capture         *models.CaptureSession     `json:"capture,omitempty"`
	Reconstructions []models.ReconstructionJob `json:"reconstructions"`
	Uploads         []upload.Status            `json:"uploads"`
}

// Config configures a Pipeline.
type Config struct {
	Detail  models.DetailLevel
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Pipeline drives a captured session through reconstruction, upload and
// publication. All methods are safe for concurrent use.
type Pipeline struct {
	mu       sync.RWMutex
	monitors map[string]*reconstruction.Monitor

	controller *capture.Controller
	factory    reconstruction.EngineFactory
	uploads    *upload.Manager
	publisher  *publish.Publisher
	reconciler *Reconciler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	detail  models.DetailLevel
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewPipeline creates a pipeline. The publisher should be built with
// Pipeline.OnPending as its pending callback so uploads that outlive the
// publish gate are reconciled as soon as they complete.
func NewPipeline(controller *capture.Controller, factory reconstruction.EngineFactory, uploads *upload.Manager, reconciler *Reconciler, cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Detail == "" {
		cfg.Detail = models.DetailMedium
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		monitors:   make(map[string]*reconstruction.Monitor),
		controller: controller,
		factory:    factory,
		uploads:    uploads,
		reconciler: reconciler,
		ctx:        ctx,
		cancel:     cancel,
		detail:     cfg.Detail,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
}

// SetPublisher attaches the publisher used by SaveDish.
func (p *Pipeline) SetPublisher(pub *publish.Publisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publisher = pub
}

// Controller returns the capture controller.
func (p *Pipeline) Controller() *capture.Controller {
	return p.controller
}

// Uploads returns the upload manager.
func (p *Pipeline) Uploads() *upload.Manager {
	return p.uploads
}

// StartReconstruction starts reconstructing the current session once it is
// prepared. Each session gets exactly one monitor; asking again returns the
// existing job.
func (p *Pipeline) StartReconstruction(ctx context.Context) (models.ReconstructionJob, error) {
	session, ok := p.controller.Snapshot()
	if !ok {
		return models.ReconstructionJob{}, capture.ErrNoSession
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.monitors[session.ID]; ok {
		return m.Snapshot(), nil
	}
	if session.State != models.CapturePrepareToReconstruct {
		return models.ReconstructionJob{}, fmt.Errorf("%w (state %s)", ErrNotReady, session.State)
	}

	engine, err := p.factory(ctx, session.ImagesDir)
	if err != nil {
		engineErr := &models.EngineError{Engine: "reconstruction", Err: err}
		_ = p.controller.Fail(session.ID, engineErr)
		return models.ReconstructionJob{}, engineErr
	}
	if err := p.controller.BeginReconstruction(session.ID); err != nil {
		closeEngine(engine)
		return models.ReconstructionJob{}, err
	}

	job := models.ReconstructionJob{
		ID:         uuid.New().String(),
		SessionID:  session.ID,
		InputDir:   session.ImagesDir,
		OutputPath: filepath.Join(session.ModelsDir, ModelFileName),
		Detail:     p.detail,
	}
	monitor := reconstruction.NewMonitor(job, engine, p.controller, p, p.metrics, p.logger)
	p.monitors[session.ID] = monitor

	p.wg.Add(1)
	go p.runMonitor(monitor, engine)

	return monitor.Snapshot(), nil
}

func (p *Pipeline) runMonitor(m *reconstruction.Monitor, engine reconstruction.Engine) {
	defer p.wg.Done()
	defer closeEngine(engine)

	job := m.Snapshot()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("reconstruction goroutine panicked", "job_id", job.ID, "panic", r)
			_ = p.controller.Fail(job.SessionID, &models.EngineError{Engine: "reconstruction", Err: fmt.Errorf("internal panic: %v", r)})
		}
	}()

	final, err := m.Run(p.ctx)
	if err != nil {
		p.logger.Error("reconstruction failed", "job_id", final.ID, "error", err)
		return
	}
	p.logger.Info("reconstruction finished", "job_id", final.ID, "outcome", final.Outcome)
}

func closeEngine(engine reconstruction.Engine) {
	if c, ok := engine.(io.Closer); ok {
		_ = c.Close()
	}
}

// CancelReconstruction asks the engine to stop the session's job.
func (p *Pipeline) CancelReconstruction(sessionID string) error {
	m, ok := p.monitor(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoReconstruction, sessionID)
	}
	return m.Cancel()
}

// Reconstruction returns the job of a session.
func (p *Pipeline) Reconstruction(sessionID string) (models.ReconstructionJob, bool) {
	m, ok := p.monitor(sessionID)
	if !ok {
		return models.ReconstructionJob{}, false
	}
	return m.Snapshot(), true
}

// WaitReconstruction blocks until the session's job has an outcome.
func (p *Pipeline) WaitReconstruction(ctx context.Context, sessionID string) (models.ReconstructionJob, error) {
	m, ok := p.monitor(sessionID)
	if !ok {
		return models.ReconstructionJob{}, fmt.Errorf("%w: %s", ErrNoReconstruction, sessionID)
	}
	for {
		ch := m.Changed()
		job := m.Snapshot()
		if job.Outcome != models.OutcomeNone {
			return job, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return job, ctx.Err()
		}
	}
}

func (p *Pipeline) monitor(sessionID string) (*reconstruction.Monitor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.monitors[sessionID]
	return m, ok
}

// StartUpload hands a finished model to the upload manager without waiting
// for the transfer.
func (p *Pipeline) StartUpload(asset models.ModelAsset) {
	p.uploads.StartUpload(asset)
}

// Asset returns the model asset of a session.
func (p *Pipeline) Asset(sessionID string) (models.ModelAsset, bool) {
	c, ok := p.uploads.Get(sessionID)
	if !ok {
		return models.ModelAsset{}, false
	}
	return c.Asset(), true
}

// SaveDish saves fields as a dish, attaching the model of sessionID if one is
// given.
func (p *Pipeline) SaveDish(ctx context.Context, fields models.DishFields, sessionID string) (publish.Result, error) {
	p.mu.RLock()
	pub := p.publisher
	p.mu.RUnlock()
	if pub == nil {
		return publish.Result{}, errors.New("save dish: no publisher configured")
	}

	draft := publish.Draft{Fields: fields}
	if sessionID != "" {
		asset, ok := p.Asset(sessionID)
		if !ok {
			return publish.Result{}, fmt.Errorf("%w: %s", ErrNoModel, sessionID)
		}
		draft.Asset = &asset
	}
	return pub.SaveDish(ctx, draft)
}

// OnPending reconciles rec in the background as soon as its upload finishes.
func (p *Pipeline) OnPending(rec models.PendingUploadRecord) {
	if p.reconciler == nil {
		return
	}
	c, ok := p.uploads.Get(rec.SessionID)
	if !ok {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("pending reconcile goroutine panicked", "dish_id", rec.DishID, "panic", r)
			}
		}()

		status, err := c.Wait(p.ctx)
		if err != nil || status.State != upload.StateCompleted {
			// Left for the next reconcile pass.
			return
		}
		if err := p.reconciler.Reconcile(p.ctx, rec); err != nil {
			p.logger.Warn("immediate reconcile failed", "dish_id", rec.DishID, "error", err)
		}
	}()
}

// Reconcile runs one reconcile pass over the ledger.
func (p *Pipeline) Reconcile(ctx context.Context) (Report, error) {
	if p.reconciler == nil {
		return Report{}, errors.New("reconcile: no reconciler configured")
	}
	return p.reconciler.Run(ctx)
}

// Snapshot returns the state of the capture session, every reconstruction
// and every upload.
func (p *Pipeline) Snapshot() Snapshot {
	var snap Snapshot
	if s, ok := p.controller.Snapshot(); ok {
		snap.Capture = &s
	}

	p.mu.RLock()
	snap.Reconstructions = make([]models.ReconstructionJob, 0, len(p.monitors))
	for _, m := range p.monitors {
		snap.Reconstructions = append(snap.Reconstructions, m.Snapshot())
	}
	p.mu.RUnlock()

	slices.SortFunc(snap.Reconstructions, func(a, b models.ReconstructionJob) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	snap.Uploads = p.uploads.List()
	return snap
}

// Close stops background work, the capture engine and in-flight uploads.
func (p *Pipeline) Close() {
	p.cancel()
	p.controller.Close()
	p.uploads.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.logger.Warn("timed out waiting for pipeline goroutines")
	}
}

var _ reconstruction.UploadStarter = (*Pipeline)(nil)
