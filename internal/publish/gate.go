// Package publish saves dishes to the catalog once their model is ready, or
// without it when the upload does not finish in time.
package publish

import (
	"context"
	"log/slog"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/upload"
)

// Defaults for Gate.
const (
	DefaultInterval = 500 * time.Millisecond
	DefaultBudget   = 60 * time.Second
)

// StatusSource reports the state of one upload.
type StatusSource interface {
	Status() upload.Status
}

// Resolution is what the gate decided for a dish's model fields.
type Resolution struct {
	URL      *string                 `json:"model_url"`
	Status   models.GenerationStatus `json:"generation_status"`
	TimedOut bool                    `json:"timed_out"`
	// UploadFailed is set when the upload failed before the budget ran out.
	UploadFailed bool `json:"upload_failed,omitempty"`
	// Abandoned is set when the caller's context ended the wait.
	Abandoned bool          `json:"abandoned,omitempty"`
	Waited    time.Duration `json:"waited"`
}

// Pending reports whether the dish is saved without its model URL.
func (r Resolution) Pending() bool {
	return r.URL == nil
}

// Gate waits a bounded time for an upload to complete.
type Gate struct {
	Interval time.Duration
	Budget   time.Duration
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// NewGate returns a gate with the given poll interval and budget. Zero values
// fall back to the defaults.
func NewGate(interval, budget time.Duration, collector *metrics.Collector, logger *slog.Logger) *Gate {
	return &Gate{Interval: interval, Budget: budget, Metrics: collector, Logger: logger}
}

// Await returns the uploaded URL as soon as src reports completion. Otherwise
// it polls every Interval until Budget has elapsed, checks one last time, and
// returns a pending resolution. A failed upload resolves to pending at once.
// If ctx ends first the resolution is marked Abandoned and no wait is recorded.
// Await only reads src; it never starts or retries the upload.
func (g *Gate) Await(ctx context.Context, src StatusSource) Resolution {
	interval, budget := g.Interval, g.Budget
	if interval <= 0 {
		interval = DefaultInterval
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	if res, ok := resolve(src.Status()); ok {
		return g.finish(res, start)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if res, ok := resolve(src.Status()); ok {
				return g.finish(res, start)
			}
		case <-deadline.C:
			if res, ok := resolve(src.Status()); ok {
				return g.finish(res, start)
			}
			logger.Warn("upload not finished within budget, saving without model", "budget", budget)
			return g.finish(Resolution{Status: models.GenerationPendingUpload, TimedOut: true}, start)
		case <-ctx.Done():
			logger.Info("publish wait abandoned", "error", ctx.Err())
			return Resolution{Status: models.GenerationPendingUpload, Abandoned: true, Waited: time.Since(start)}
		}
	}
}

func (g *Gate) finish(res Resolution, start time.Time) Resolution {
	res.Waited = time.Since(start)
	if res.Pending() {
		g.Metrics.RecordFailure(metrics.OpPublishWait, res.Waited)
	} else {
		g.Metrics.RecordTiming(metrics.OpPublishWait, res.Waited)
	}
	return res
}

// resolve returns a final resolution for s, or false if the upload is still
// idle or in flight.
func resolve(s upload.Status) (Resolution, bool) {
	switch s.State {
	case upload.StateCompleted:
		if s.URL == nil {
			return Resolution{}, false
		}
		url := *s.URL
		return Resolution{URL: &url, Status: models.GenerationCompleted}, true
	case upload.StateFailed:
		return Resolution{Status: models.GenerationPendingUpload, UploadFailed: true}, true
	default:
		return Resolution{}, false
	}
}
