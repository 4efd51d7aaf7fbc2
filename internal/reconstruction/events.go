// Package reconstruction consumes the output stream of a photogrammetry engine
// for one job and drives the capture session and upload from it.
package reconstruction

import (
	"context"
	"iter"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/models"
)

// EventKind identifies an engine output event.
type EventKind string

const (
	EventInputComplete         EventKind = "inputComplete"
	EventRequestProgress       EventKind = "requestProgress"
	EventRequestProgressInfo   EventKind = "requestProgressInfo"
	EventRequestComplete       EventKind = "requestComplete"
	EventRequestError          EventKind = "requestError"
	EventProcessingComplete    EventKind = "processingComplete"
	EventProcessingCancelled   EventKind = "processingCancelled"
	EventInvalidSample         EventKind = "invalidSample"
	EventSkippedSample         EventKind = "skippedSample"
	EventAutomaticDownsampling EventKind = "automaticDownsampling"
	EventStitchingIncomplete   EventKind = "stitchingIncomplete"
)

// Terminal reports whether the event ends the stream logically.
func (k EventKind) Terminal() bool {
	return k == EventProcessingComplete || k == EventProcessingCancelled
}

// Diagnostic reports whether the event is informational only.
func (k EventKind) Diagnostic() bool {
	switch k {
	case EventInvalidSample, EventSkippedSample, EventAutomaticDownsampling, EventStitchingIncomplete:
		return true
	}
	return false
}

// Stage is the engine's processing stage.
type Stage int

const (
	StageUnknown Stage = iota
	StagePreProcessing
	StageImageAlignment
	StagePointCloudGeneration
	StageMeshGeneration
	StageTextureMapping
	StageOptimization
)

var stageNames = map[Stage]string{
	StagePreProcessing:        "Pre-Processing",
	StageImageAlignment:       "Image Alignment",
	StagePointCloudGeneration: "Point Cloud Generation",
	StageMeshGeneration:       "Mesh Generation",
	StageTextureMapping:       "Texture Mapping",
	StageOptimization:         "Optimization",
}

// String returns the human-readable stage name.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return ""
}

// ParseStage maps a wire name such as "meshGeneration" to a Stage.
func ParseStage(name string) Stage {
	switch name {
	case "preProcessing", "pre_processing":
		return StagePreProcessing
	case "imageAlignment", "image_alignment":
		return StageImageAlignment
	case "pointCloudGeneration", "point_cloud_generation":
		return StagePointCloudGeneration
	case "meshGeneration", "mesh_generation":
		return StageMeshGeneration
	case "textureMapping", "texture_mapping":
		return StageTextureMapping
	case "optimization":
		return StageOptimization
	}
	return StageUnknown
}

// Event is one engine output.
type Event struct {
	Kind     EventKind
	Fraction float64        // requestProgress
	ETA      *time.Duration // requestProgressInfo
	Stage    Stage          // requestProgressInfo
	Err      error          // requestError
}

// ModelFile requests a model written to Path.
type ModelFile struct {
	Path   string
	Detail models.DetailLevel
}

// Request is what the engine is asked to produce.
type Request struct {
	ModelFile ModelFile
}

// Engine is a photogrammetry session over one input folder. Outputs is a
// finite, non-restartable stream; Cancel asks the engine to stop and it
// answers with processingCancelled.
type Engine interface {
	Process(ctx context.Context, req Request) error
	Outputs() <-chan Event
	Cancel() error
}

// EngineFactory opens an engine session for inputDir.
type EngineFactory func(ctx context.Context, inputDir string) (Engine, error)

// UntilTerminal yields events from ch up to and including the first terminal
// event, then stops consuming. It also stops when ch closes or ctx is done.
func UntilTerminal(ctx context.Context, ch <-chan Event) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if !yield(ev) || ev.Kind.Terminal() {
					return
				}
			}
		}
	}
}
