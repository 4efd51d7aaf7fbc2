package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/models"
)

var (
	// ErrAlreadyConsumed is returned when Run is called twice on a monitor.
	ErrAlreadyConsumed = errors.New("reconstruction output already consumed")
	// ErrIncompleteStream is reported when the engine stream ends without a
	// terminal event.
	ErrIncompleteStream = errors.New("output stream ended without a terminal event")
	// ErrInvalidOutput is reported when processing completed but the model
	// file is missing or empty.
	ErrInvalidOutput = errors.New("model file missing or empty")
)

// SessionSink receives the capture session transitions the monitor drives.
type SessionSink interface {
	ModelReady(sessionID string) error
	Complete(sessionID string) error
	MarkRestart(sessionID string) error
	Fail(sessionID string, err error) error
}

// UploadStarter hands a finished model to the upload layer. It must not block
// on the transfer.
type UploadStarter interface {
	StartUpload(asset models.ModelAsset)
}

// Monitor consumes one job's engine output. Run may be called only once.
type Monitor struct {
	mu              sync.RWMutex
	job             models.ReconstructionJob
	consumed        bool
	finished        bool
	processing      bool
	cancelRequested bool
	changed         chan struct{}

	engine  Engine
	sink    SessionSink
	uploads UploadStarter
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewMonitor creates a monitor for job.
func NewMonitor(job models.ReconstructionJob, engine Engine, sink SessionSink, uploads UploadStarter, collector *metrics.Collector, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		job:     job,
		changed: make(chan struct{}),
		engine:  engine,
		sink:    sink,
		uploads: uploads,
		metrics: collector,
		logger:  logger.With("job_id", job.ID, "session_id", job.SessionID),
	}
}

// Run starts processing and consumes the engine output until a terminal
// event. It returns the final job. Cancellation is not an error; an engine
// failure is returned as *models.EngineError.
func (m *Monitor) Run(ctx context.Context) (models.ReconstructionJob, error) {
	m.mu.Lock()
	if m.consumed {
		m.mu.Unlock()
		return m.Snapshot(), ErrAlreadyConsumed
	}
	m.consumed = true
	m.job.StartedAt = time.Now()
	m.notifyLocked()
	m.mu.Unlock()

	start := time.Now()
	if m.Cancelling() {
		m.logger.Info("cancelled before processing started")
		return m.handleCancelled(start)
	}

	req := Request{ModelFile: ModelFile{Path: m.job.OutputPath, Detail: m.job.Detail}}
	if err := m.engine.Process(ctx, req); err != nil {
		return m.finishErrored(&models.EngineError{Engine: "reconstruction", Err: err}, start)
	}
	m.logger.Info("reconstruction started", "output", req.ModelFile.Path, "detail", req.ModelFile.Detail)

	// A cancel that arrived during Process was only recorded.
	m.mu.Lock()
	m.processing = true
	pending := m.cancelRequested
	m.mu.Unlock()
	if pending {
		if err := m.forwardCancel(); err != nil {
			m.logger.Warn("failed to cancel reconstruction", "error", err)
		}
	}

	for ev := range UntilTerminal(ctx, m.engine.Outputs()) {
		switch ev.Kind {
		case EventProcessingComplete:
			return m.handleComplete(start)
		case EventProcessingCancelled:
			return m.handleCancelled(start)
		default:
			m.handle(ev)
		}
	}

	if ctx.Err() != nil {
		return m.Snapshot(), ctx.Err()
	}
	// The stream closed early. A pending cancel explains it.
	if m.Cancelling() {
		return m.handleCancelled(start)
	}
	return m.finishErrored(&models.EngineError{Engine: "reconstruction", Err: ErrIncompleteStream}, start)
}

// handle applies a non-terminal event.
func (m *Monitor) handle(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case EventInputComplete:
		m.job.InputComplete = true
	case EventRequestProgress:
		m.job.Progress = clamp(ev.Fraction)
	case EventRequestProgressInfo:
		if ev.ETA != nil {
			eta := *ev.ETA
			m.job.ETA = &eta
		}
		if name := ev.Stage.String(); name != "" {
			m.job.Stage = name
		}
	case EventRequestComplete:
		m.logger.Debug("model request complete")
	case EventRequestError:
		if m.cancelRequested {
			m.logger.Info("request error during cancellation suppressed", "error", ev.Err)
			return
		}
		err := ev.Err
		if err == nil {
			err = errors.New("request failed")
		}
		m.job.Outcome = models.OutcomeErrored
		m.job.Error = err.Error()
		m.logger.Error("reconstruction request failed", "error", err)
	default:
		if ev.Kind.Diagnostic() {
			m.logger.Debug("engine diagnostic", "kind", ev.Kind)
		}
		return
	}
	m.notifyLocked()
}

func (m *Monitor) handleComplete(start time.Time) (models.ReconstructionJob, error) {
	m.mu.RLock()
	errored := m.job.Outcome == models.OutcomeErrored
	jobErr := m.job.Error
	m.mu.RUnlock()

	if errored {
		return m.finishErrored(&models.EngineError{Engine: "reconstruction", Err: errors.New(jobErr)}, start)
	}

	info, err := os.Stat(m.job.OutputPath)
	if err != nil || info.Size() == 0 {
		return m.finishErrored(&models.EngineError{Engine: "reconstruction", Err: fmt.Errorf("%w: %s", ErrInvalidOutput, m.job.OutputPath)}, start)
	}

	now := time.Now()
	m.mu.Lock()
	m.job.Outcome = models.OutcomeCompleted
	m.job.Progress = 1
	m.job.CompletedAt = &now
	m.finished = true
	job := m.job
	m.notifyLocked()
	m.mu.Unlock()

	m.metrics.RecordTiming(metrics.OpReconstruction, time.Since(start))
	m.logger.Info("reconstruction completed", "output", job.OutputPath, "bytes", info.Size(), "duration", time.Since(start))

	if err := m.sink.ModelReady(job.SessionID); err != nil {
		m.logger.Warn("session rejected model ready", "error", err)
	}
	m.uploads.StartUpload(models.ModelAsset{
		ID:        job.SessionID,
		SessionID: job.SessionID,
		LocalPath: job.OutputPath,
		Status:    models.GenerationPendingUpload,
		CreatedAt: now,
	})
	if err := m.sink.Complete(job.SessionID); err != nil {
		m.logger.Warn("session rejected completion", "error", err)
	}
	return job, nil
}

func (m *Monitor) handleCancelled(start time.Time) (models.ReconstructionJob, error) {
	now := time.Now()
	m.mu.Lock()
	m.job.Outcome = models.OutcomeCancelled
	m.job.Error = ""
	m.job.CompletedAt = &now
	m.finished = true
	job := m.job
	m.notifyLocked()
	m.mu.Unlock()

	if err := os.Remove(job.OutputPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to discard partial model", "error", err)
	}
	m.logger.Info("reconstruction cancelled", "duration", time.Since(start))

	if err := m.sink.MarkRestart(job.SessionID); err != nil {
		m.logger.Warn("session rejected restart", "error", err)
	}
	return job, nil
}

func (m *Monitor) finishErrored(err error, start time.Time) (models.ReconstructionJob, error) {
	now := time.Now()
	m.mu.Lock()
	m.job.Outcome = models.OutcomeErrored
	m.job.Error = err.Error()
	m.job.CompletedAt = &now
	m.finished = true
	job := m.job
	m.notifyLocked()
	m.mu.Unlock()

	m.metrics.RecordFailure(metrics.OpReconstruction, time.Since(start))
	m.logger.Error("reconstruction failed", "error", err)

	if sinkErr := m.sink.Fail(job.SessionID, err); sinkErr != nil {
		m.logger.Warn("session rejected failure", "error", sinkErr)
	}
	return job, err
}

// Cancel asks the engine to stop. The monitor keeps consuming until the engine
// reports the cancellation. A cancel before processing has started is held
// and applied by Run. Calling Cancel on a finished job is a no-op.
func (m *Monitor) Cancel() error {
	m.mu.Lock()
	if m.finished || m.cancelRequested {
		m.mu.Unlock()
		return nil
	}
	m.cancelRequested = true
	processing := m.processing
	m.notifyLocked()
	m.mu.Unlock()

	if !processing {
		m.logger.Info("cancel recorded before processing")
		return nil
	}
	return m.forwardCancel()
}

// forwardCancel sends the cancel to the engine. On failure the request is
// withdrawn so later engine errors are reported again.
func (m *Monitor) forwardCancel() error {
	m.logger.Info("cancelling reconstruction")
	if err := m.engine.Cancel(); err != nil {
		m.mu.Lock()
		m.cancelRequested = false
		m.notifyLocked()
		m.mu.Unlock()
		return fmt.Errorf("cancel reconstruction: %w", err)
	}
	return nil
}

// Cancelling reports whether a cancellation is in flight.
func (m *Monitor) Cancelling() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelRequested && !m.finished
}

// Snapshot returns a copy of the job.
func (m *Monitor) Snapshot() models.ReconstructionJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job := m.job
	if job.ETA != nil {
		eta := *job.ETA
		job.ETA = &eta
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		job.CompletedAt = &t
	}
	return job
}

// Changed returns a channel that is closed on the next job update.
func (m *Monitor) Changed() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// notifyLocked wakes every watcher. Caller must hold the write lock.
func (m *Monitor) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
