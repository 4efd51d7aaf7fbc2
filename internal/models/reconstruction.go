package models

import "time"

// DetailLevel is the quality setting passed to the reconstruction engine.
type DetailLevel string

const (
	DetailPreview DetailLevel = "preview"
	DetailReduced DetailLevel = "reduced"
	DetailMedium  DetailLevel = "medium"
	DetailFull    DetailLevel = "full"
	DetailRaw     DetailLevel = "raw"
)

// ParseDetailLevel returns the detail level for s, falling back to medium.
func ParseDetailLevel(s string) DetailLevel {
	switch d := DetailLevel(s); d {
	case DetailPreview, DetailReduced, DetailMedium, DetailFull, DetailRaw:
		return d
	}
	return DetailMedium
}

// JobOutcome is the terminal outcome of a reconstruction job.
type JobOutcome string

const (
	OutcomeNone      JobOutcome = ""
	OutcomeCompleted JobOutcome = "completed"
	OutcomeCancelled JobOutcome = "cancelled"
	OutcomeErrored   JobOutcome = "errored"
)

// ReconstructionJob is one attempt to turn a photo set into a model file.
type ReconstructionJob struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	InputDir      string         `json:"input_dir"`
	OutputPath    string         `json:"output_path"`
	Detail        DetailLevel    `json:"detail"`
	Progress      float64        `json:"progress"`
	ETA           *time.Duration `json:"eta,omitempty"`
	Stage         string         `json:"stage,omitempty"`
	InputComplete bool           `json:"input_complete"`
	Outcome       JobOutcome     `json:"outcome,omitempty"`
	Error         string         `json:"error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}
