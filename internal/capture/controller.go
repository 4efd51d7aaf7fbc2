package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/dishcapture/internal/models"
)

var (
	// ErrNoSession is returned by intents when no session exists.
	ErrNoSession = errors.New("no capture session")
	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current state.
	ErrInvalidState = errors.New("invalid capture state")
	// ErrStaleSession is returned when an operation names a session that is no
	// longer current.
	ErrStaleSession = errors.New("stale capture session")
	// errEngineStopped is reported when the update stream ends before the
	// engine reached a terminal state.
	errEngineStopped = errors.New("update stream closed unexpectedly")
)

// Controller owns the current capture session. All methods are safe for
// concurrent use.
type Controller struct {
	mu         sync.RWMutex
	session    *models.CaptureSession
	engine     Engine
	generation int
	changed    chan struct{}

	factory  EngineFactory
	workDir  string
	maxShots int
	logger   *slog.Logger
}

// NewController creates a controller that keeps session folders under workDir.
func NewController(factory EngineFactory, workDir string, maxShots int, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		changed:  make(chan struct{}),
		factory:  factory,
		workDir:  workDir,
		maxShots: maxShots,
		logger:   logger,
	}
}

// StartNewCapture allocates a session and its folders and starts an engine for
// it. It is a no-op returning the current session while that session is still
// active.
func (c *Controller) StartNewCapture(ctx context.Context) (models.CaptureSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.session.State.Active() {
		return c.snapshotLocked(), nil
	}
	return c.startLocked(ctx)
}

// Restart abandons the current session, whatever its state, and starts a
// fresh one.
func (c *Controller) Restart(ctx context.Context) (models.CaptureSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.logger.Info("restarting capture", "abandoned_session", c.session.ID, "state", c.session.State)
	}
	return c.startLocked(ctx)
}

// startLocked replaces the current session. Caller must hold the write lock.
func (c *Controller) startLocked(ctx context.Context) (models.CaptureSession, error) {
	c.abandonLocked()

	id := uuid.New().String()
	root := filepath.Join(c.workDir, "sessions", id)
	now := time.Now()
	session := &models.CaptureSession{
		ID:        id,
		State:     models.CaptureNotSet,
		ImagesDir: filepath.Join(root, "Images"),
		ModelsDir: filepath.Join(root, "Models"),
		MaxShots:  c.maxShots,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, dir := range []string{session.ImagesDir, session.ModelsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return models.CaptureSession{}, fmt.Errorf("create session folder: %w", err)
		}
	}

	engine, err := c.factory(ctx, *session)
	if err != nil {
		return models.CaptureSession{}, &models.EngineError{Engine: "capture", Err: err}
	}

	c.generation++
	c.session = session
	c.engine = engine
	c.notifyLocked()

	go c.consume(c.generation, id, engine.Updates())

	c.logger.Info("capture session created", "session_id", id, "images_dir", session.ImagesDir)
	return c.snapshotLocked(), nil
}

// abandonLocked detaches and closes the current engine. Updates still in flight
// from it are ignored. Caller must hold the write lock.
func (c *Controller) abandonLocked() {
	if c.engine == nil {
		return
	}
	engine := c.engine
	c.engine = nil
	c.generation++
	go func() {
		if err := engine.Close(); err != nil {
			c.logger.Warn("failed to close capture engine", "error", err)
		}
	}()
}

// consume applies engine updates for one session until the stream closes.
func (c *Controller) consume(gen int, sessionID string, updates <-chan Update) {
	for u := range updates {
		c.apply(gen, u)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.session == nil {
		return
	}
	switch c.session.State {
	case models.CaptureNotSet, models.CaptureReady, models.CaptureDetecting, models.CaptureCapturing:
		c.failLocked(&models.EngineError{Engine: "capture", Err: errEngineStopped})
	}
}

// apply mirrors one engine update into the session.
func (c *Controller) apply(gen int, u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.session == nil {
		return
	}
	// Past capture, the pipeline owns the state.
	switch c.session.State {
	case models.CaptureNotSet, models.CaptureReady, models.CaptureDetecting, models.CaptureCapturing:
	default:
		return
	}

	s := c.session
	s.ShotCount = u.ShotCount
	s.BoundingBoxDetected = u.BoundingBox
	s.Feedback = slices.Clone(u.Feedback)

	if u.Err != nil || u.State == EngineFailed {
		err := u.Err
		if err == nil {
			err = errors.New("engine reported failure")
		}
		c.failLocked(&models.EngineError{Engine: "capture", Err: err})
		return
	}

	prev := s.State
	switch u.State {
	case EngineReady:
		s.State = models.CaptureReady
	case EngineDetecting:
		s.State = models.CaptureDetecting
	case EngineCapturing, EngineFinishing:
		s.State = models.CaptureCapturing
	case EngineCompleted:
		s.State = models.CapturePrepareToReconstruct
	}
	s.UpdatedAt = time.Now()
	c.notifyLocked()

	if prev != s.State {
		c.logger.Info("capture state changed", "session_id", s.ID, "from", prev, "to", s.State, "shots", s.ShotCount)
	}
}

// failLocked moves the session to failed. Caller must hold the write lock.
func (c *Controller) failLocked(err error) {
	s := c.session
	s.State = models.CaptureFailed
	s.Error = err.Error()
	s.UpdatedAt = time.Now()
	c.notifyLocked()
	c.logger.Error("capture session failed", "session_id", s.ID, "error", err)
}

// notifyLocked wakes every waiter. Caller must hold the write lock.
func (c *Controller) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// current returns the engine if the session is in one of the allowed states.
func (c *Controller) current(allowed ...models.CaptureState) (Engine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil || c.engine == nil {
		return nil, ErrNoSession
	}
	if !slices.Contains(allowed, c.session.State) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, c.session.State)
	}
	return c.engine, nil
}

// StartDetecting requests bounding-box detection. It returns false when the
// object was not found or the session cannot detect right now.
func (c *Controller) StartDetecting(ctx context.Context) bool {
	engine, err := c.current(models.CaptureReady, models.CaptureDetecting)
	if err != nil {
		c.logger.Debug("start detecting rejected", "error", err)
		return false
	}
	ok := engine.StartDetecting(ctx)
	if !ok {
		c.logger.Info("object not detected")
	}
	return ok
}

// ResetDetection discards the current bounding box.
func (c *Controller) ResetDetection(ctx context.Context) error {
	engine, err := c.current(models.CaptureReady, models.CaptureDetecting)
	if err != nil {
		return fmt.Errorf("reset detection: %w", err)
	}
	return engine.ResetDetection(ctx)
}

// StartCapturing begins photo acquisition.
func (c *Controller) StartCapturing(ctx context.Context) error {
	engine, err := c.current(models.CaptureReady, models.CaptureDetecting)
	if err != nil {
		return fmt.Errorf("start capturing: %w", err)
	}
	return engine.StartCapturing(ctx)
}

// RequestImageCapture takes a single manual shot.
func (c *Controller) RequestImageCapture(ctx context.Context) error {
	engine, err := c.current(models.CaptureCapturing)
	if err != nil {
		return fmt.Errorf("request image capture: %w", err)
	}
	return engine.RequestImageCapture(ctx)
}

// Finish ends photo acquisition. The session reaches prepareToReconstruct once
// the engine reports completion.
func (c *Controller) Finish(ctx context.Context) error {
	engine, err := c.current(models.CaptureCapturing)
	if err != nil {
		return fmt.Errorf("finish capture: %w", err)
	}
	return engine.Finish(ctx)
}

// transition moves session id from one of the allowed states to next.
func (c *Controller) transition(id string, next models.CaptureState, allowed ...models.CaptureState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return ErrNoSession
	}
	if c.session.ID != id {
		return fmt.Errorf("%w: %s", ErrStaleSession, id)
	}
	if !slices.Contains(allowed, c.session.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, c.session.State, next)
	}

	prev := c.session.State
	c.session.State = next
	c.session.UpdatedAt = time.Now()
	c.notifyLocked()
	c.logger.Info("capture state changed", "session_id", id, "from", prev, "to", next)
	return nil
}

// BeginReconstruction marks a captured session as being reconstructed.
func (c *Controller) BeginReconstruction(id string) error {
	return c.transition(id, models.CaptureReconstructing, models.CapturePrepareToReconstruct)
}

// ModelReady marks that the reconstructed model can be viewed.
func (c *Controller) ModelReady(id string) error {
	return c.transition(id, models.CaptureViewing, models.CaptureReconstructing)
}

// Complete finishes the session.
func (c *Controller) Complete(id string) error {
	return c.transition(id, models.CaptureCompleted, models.CaptureViewing, models.CaptureReconstructing)
}

// MarkRestart flags the session for restart after a cancelled reconstruction.
func (c *Controller) MarkRestart(id string) error {
	return c.transition(id, models.CaptureRestart,
		models.CaptureNotSet, models.CaptureReady, models.CaptureDetecting, models.CaptureCapturing,
		models.CapturePrepareToReconstruct, models.CaptureReconstructing, models.CaptureViewing)
}

// Fail moves the session to failed with err attached.
func (c *Controller) Fail(id string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return ErrNoSession
	}
	if c.session.ID != id {
		return fmt.Errorf("%w: %s", ErrStaleSession, id)
	}
	if !c.session.State.Active() {
		return fmt.Errorf("%w: %s", ErrInvalidState, c.session.State)
	}
	c.failLocked(err)
	return nil
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() (models.CaptureSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return models.CaptureSession{}, false
	}
	return c.snapshotLocked(), true
}

func (c *Controller) snapshotLocked() models.CaptureSession {
	s := *c.session
	s.Feedback = slices.Clone(s.Feedback)
	return s
}

// WaitFor blocks until the current session is in one of states, or ctx is done.
func (c *Controller) WaitFor(ctx context.Context, states ...models.CaptureState) (models.CaptureSession, error) {
	for {
		c.mu.RLock()
		var s models.CaptureSession
		found := c.session != nil
		if found {
			s = c.snapshotLocked()
		}
		ch := c.changed
		c.mu.RUnlock()

		if found && slices.Contains(states, s.State) {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// Close stops the current engine.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abandonLocked()
}
