package models

import "fmt"

// EngineError is a capture or reconstruction engine failure. It is fatal to
// the current capture session, which can only be left through a restart.
type EngineError struct {
	Engine string // "capture" or "reconstruction"
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s engine: %v", e.Engine, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
