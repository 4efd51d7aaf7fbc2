package mocks

import (
	"context"
	"sync"

	"github.com/raphaelgruber/dishcapture/internal/capture"
	"github.com/raphaelgruber/dishcapture/internal/models"
)

// CaptureEngine is a scripted capture engine. Each intent is recorded and
// acknowledged with the update a real engine would report.
type CaptureEngine struct {
	mu      sync.Mutex
	updates chan capture.Update
	closed  bool
	calls   []string
	shots   int
	box     bool

	Session      models.CaptureSession
	DetectResult bool
}

// NewCaptureEngine creates an engine that reports ready immediately.
func NewCaptureEngine(session models.CaptureSession) *CaptureEngine {
	e := &CaptureEngine{
		updates:      make(chan capture.Update, 32),
		Session:      session,
		DetectResult: true,
	}
	e.Emit(capture.Update{State: capture.EngineReady})
	return e
}

// Emit delivers u unless the engine is closed.
func (e *CaptureEngine) Emit(u capture.Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitLocked(u)
}

func (e *CaptureEngine) emitLocked(u capture.Update) {
	if e.closed {
		return
	}
	e.updates <- u
}

func (e *CaptureEngine) record(call string) {
	e.calls = append(e.calls, call)
}

func (e *CaptureEngine) StartDetecting(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("StartDetecting")
	if !e.DetectResult {
		e.emitLocked(capture.Update{State: capture.EngineReady, Feedback: []string{capture.FeedbackObjectNotDetected}})
		return false
	}
	e.box = true
	e.emitLocked(capture.Update{State: capture.EngineDetecting, BoundingBox: true})
	return true
}

func (e *CaptureEngine) ResetDetection(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("ResetDetection")
	e.box = false
	e.emitLocked(capture.Update{State: capture.EngineReady})
	return nil
}

func (e *CaptureEngine) StartCapturing(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("StartCapturing")
	e.emitLocked(capture.Update{State: capture.EngineCapturing, BoundingBox: e.box, ShotCount: e.shots})
	return nil
}

func (e *CaptureEngine) RequestImageCapture(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("RequestImageCapture")
	e.shots++
	e.emitLocked(capture.Update{State: capture.EngineCapturing, BoundingBox: e.box, ShotCount: e.shots})
	return nil
}

func (e *CaptureEngine) Finish(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Finish")
	e.emitLocked(capture.Update{State: capture.EngineCompleted, BoundingBox: e.box, ShotCount: e.shots})
	e.closeLocked()
	return nil
}

// Fail reports an engine error.
func (e *CaptureEngine) Fail(err error) {
	e.Emit(capture.Update{State: capture.EngineFailed, Err: err})
}

func (e *CaptureEngine) Updates() <-chan capture.Update {
	return e.updates
}

func (e *CaptureEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Close")
	e.closeLocked()
	return nil
}

func (e *CaptureEngine) closeLocked() {
	if !e.closed {
		e.closed = true
		close(e.updates)
	}
}

// Calls returns the recorded intents.
func (e *CaptureEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// CaptureEngineFactory creates scripted engines and remembers them.
type CaptureEngineFactory struct {
	mu      sync.Mutex
	engines []*CaptureEngine
	Err     error
}

// Factory returns a capture.EngineFactory backed by f.
func (f *CaptureEngineFactory) Factory() capture.EngineFactory {
	return func(ctx context.Context, session models.CaptureSession) (capture.Engine, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.Err != nil {
			return nil, f.Err
		}
		e := NewCaptureEngine(session)
		f.engines = append(f.engines, e)
		return e, nil
	}
}

// Engines returns every engine created so far.
func (f *CaptureEngineFactory) Engines() []*CaptureEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*CaptureEngine(nil), f.engines...)
}

// Last returns the most recently created engine.
func (f *CaptureEngineFactory) Last() *CaptureEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}
