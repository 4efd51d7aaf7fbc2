// Package capture drives a guided photo-capture session against an external
// capture engine and mirrors the engine's reported state into a
// models.CaptureSession.
package capture

import (
	"context"

	"github.com/raphaelgruber/dishcapture/internal/models"
)

// EngineState is the state reported by a capture engine.
type EngineState string

const (
	EngineReady     EngineState = "ready"
	EngineDetecting EngineState = "detecting"
	EngineCapturing EngineState = "capturing"
	EngineFinishing EngineState = "finishing"
	EngineCompleted EngineState = "completed"
	EngineFailed    EngineState = "failed"
)

// Per-frame feedback flags reported by engines.
const (
	FeedbackObjectNotDetected = "object_not_detected"
	FeedbackOverCapturing     = "over_capturing"
	FeedbackMovingTooFast     = "moving_too_fast"
)

// Update is one state report from the engine.
type Update struct {
	State       EngineState
	ShotCount   int
	BoundingBox bool
	Feedback    []string
	Err         error
}

// Engine is the guided capture engine. Intents return once the engine has
// acknowledged them; resulting state changes arrive on Updates. The Updates
// channel is closed after Close or after the engine reaches a terminal state.
type Engine interface {
	// StartDetecting asks for bounding-box detection. A false result means
	// the object was not found, which is an expected outcome.
	StartDetecting(ctx context.Context) bool
	ResetDetection(ctx context.Context) error
	StartCapturing(ctx context.Context) error
	RequestImageCapture(ctx context.Context) error
	Finish(ctx context.Context) error
	Updates() <-chan Update
	Close() error
}

// EngineFactory creates an engine bound to a fresh session's folders.
type EngineFactory func(ctx context.Context, session models.CaptureSession) (Engine, error)
