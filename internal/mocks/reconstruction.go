package mocks

import (
	"context"
	"sync"

	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/reconstruction"
)

// ReconstructionEngine is a fake photogrammetry engine whose output stream is
// fed by the test.
type ReconstructionEngine struct {
	mu       sync.Mutex
	out      chan reconstruction.Event
	closed   bool
	requests []reconstruction.Request
	cancels  int

	InputDir   string
	ProcessErr error
	CancelErr  error
	// ProcessGate, when non-nil, holds Process until it is closed.
	ProcessGate chan struct{}
	// OnProcess runs in its own goroutine after a successful Process call.
	OnProcess func(e *ReconstructionEngine, req reconstruction.Request)
	// OnCancel runs in its own goroutine after each Cancel call made once
	// Process has been called.
	OnCancel func(e *ReconstructionEngine)
}

// NewReconstructionEngine creates an engine with a buffered output stream.
func NewReconstructionEngine() *ReconstructionEngine {
	return &ReconstructionEngine{out: make(chan reconstruction.Event, 64)}
}

func (e *ReconstructionEngine) Process(ctx context.Context, req reconstruction.Request) error {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	err := e.ProcessErr
	hook := e.OnProcess
	gate := e.ProcessGate
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	if hook != nil {
		go hook(e, req)
	}
	return nil
}

func (e *ReconstructionEngine) Outputs() <-chan reconstruction.Event {
	return e.out
}

func (e *ReconstructionEngine) Cancel() error {
	e.mu.Lock()
	e.cancels++
	hook := e.OnCancel
	err := e.CancelErr
	if len(e.requests) == 0 {
		// No job yet: like a real engine, there is nothing to cancel.
		hook = nil
	}
	e.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		go hook(e)
	}
	return nil
}

// Emit appends events to the output stream. Events after Close are dropped.
func (e *ReconstructionEngine) Emit(events ...reconstruction.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range events {
		if e.closed {
			return
		}
		e.out <- ev
	}
}

// Close ends the output stream.
func (e *ReconstructionEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.out)
	}
}

// Requests returns the recorded Process requests.
func (e *ReconstructionEngine) Requests() []reconstruction.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]reconstruction.Request(nil), e.requests...)
}

// Cancels returns how often Cancel was called.
func (e *ReconstructionEngine) Cancels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancels
}

// ReconstructionEngineFactory creates fake engines configured by Setup.
type ReconstructionEngineFactory struct {
	mu      sync.Mutex
	engines []*ReconstructionEngine
	Setup   func(e *ReconstructionEngine)
	Err     error
}

// Factory returns a reconstruction.EngineFactory backed by f.
func (f *ReconstructionEngineFactory) Factory() reconstruction.EngineFactory {
	return func(ctx context.Context, inputDir string) (reconstruction.Engine, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.Err != nil {
			return nil, f.Err
		}
		e := NewReconstructionEngine()
		e.InputDir = inputDir
		if f.Setup != nil {
			f.Setup(e)
		}
		f.engines = append(f.engines, e)
		return e, nil
	}
}

// Engines returns every engine created so far.
func (f *ReconstructionEngineFactory) Engines() []*ReconstructionEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ReconstructionEngine(nil), f.engines...)
}

// SessionSink records the session transitions driven by a monitor.
type SessionSink struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (s *SessionSink) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return nil
}

func (s *SessionSink) ModelReady(id string) error  { return s.record("ModelReady:" + id) }
func (s *SessionSink) Complete(id string) error    { return s.record("Complete:" + id) }
func (s *SessionSink) MarkRestart(id string) error { return s.record("MarkRestart:" + id) }

func (s *SessionSink) Fail(id string, err error) error {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	return s.record("Fail:" + id)
}

// Calls returns the recorded transitions.
func (s *SessionSink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Errors returns the errors passed to Fail.
func (s *SessionSink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// UploadStarter records the assets handed to the upload layer.
type UploadStarter struct {
	mu     sync.Mutex
	assets []models.ModelAsset
}

func (u *UploadStarter) StartUpload(asset models.ModelAsset) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.assets = append(u.assets, asset)
}

// Assets returns the recorded assets.
func (u *UploadStarter) Assets() []models.ModelAsset {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]models.ModelAsset(nil), u.assets...)
}
