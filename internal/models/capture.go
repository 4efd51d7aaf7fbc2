// Package models defines the data structures shared by the capture-to-publish pipeline.
package models

import "time"

// CaptureState is the lifecycle state of a capture session.
type CaptureState string

const (
	CaptureNotSet               CaptureState = "notSet"
	CaptureReady                CaptureState = "ready"
	CaptureDetecting            CaptureState = "detecting"
	CaptureCapturing            CaptureState = "capturing"
	CapturePrepareToReconstruct CaptureState = "prepareToReconstruct"
	CaptureReconstructing       CaptureState = "reconstructing"
	CaptureViewing              CaptureState = "viewing"
	CaptureCompleted            CaptureState = "completed"
	CaptureFailed               CaptureState = "failed"
	CaptureRestart              CaptureState = "restart"
)

// Active reports whether a session in this state still owns its working
// directories. Failed, completed and restarted sessions may be replaced.
func (s CaptureState) Active() bool {
	switch s {
	case CaptureFailed, CaptureCompleted, CaptureRestart:
		return false
	}
	return true
}

// Terminal reports whether the state ends the session.
func (s CaptureState) Terminal() bool {
	return !s.Active()
}

// CaptureSession represents one in-progress act of photographing an object.
type CaptureSession struct {
	ID                  string       `json:"id"`
	State               CaptureState `json:"state"`
	ImagesDir           string       `json:"images_dir"`
	ModelsDir           string       `json:"models_dir"`
	ShotCount           int          `json:"shot_count"`
	MaxShots            int          `json:"max_shots"`
	BoundingBoxDetected bool         `json:"bounding_box_detected"`
	Feedback            []string     `json:"feedback,omitempty"`
	Error               string       `json:"error,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}
