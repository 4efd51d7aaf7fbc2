// Package upload transfers reconstructed model files to remote storage.
//
// A Coordinator owns the transfer of exactly one model asset and moves through
// idle, uploading, completed or failed. The transfer runs on a context owned by
// the Manager, so it outlives whichever caller triggered it.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/remote"
)

// ErrNotRetryable is returned by Retry when the coordinator is not failed.
var ErrNotRetryable = errors.New("upload is not in failed state")

// Storage is a remote object store with upsert semantics.
type Storage interface {
	Put(ctx context.Context, objectPath string, body io.Reader, size int64, contentType string) (string, error)
	Bucket() string
}

// Invalidator is told when storage rejects the current credentials.
type Invalidator interface {
	Invalidate(reason string)
}

// State is the lifecycle state of a coordinator.
type State string

const (
	StateIdle      State = "idle"
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Status is a point-in-time copy of a coordinator's state.
type Status struct {
	AssetID    string     `json:"asset_id"`
	State      State      `json:"state"`
	URL        *string    `json:"url,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	err error
}

// Err returns the error of a failed transfer.
func (s Status) Err() error {
	return s.err
}

// Done reports whether the transfer has reached completed or failed.
func (s Status) Done() bool {
	return s.State == StateCompleted || s.State == StateFailed
}

// GenerationStatus maps the coordinator state onto the asset's generation status.
func (s Status) GenerationStatus() models.GenerationStatus {
	switch s.State {
	case StateUploading:
		return models.GenerationUploading
	case StateCompleted:
		return models.GenerationCompleted
	case StateFailed:
		return models.GenerationFailed
	default:
		return models.GenerationPendingUpload
	}
}

// Coordinator uploads one model asset. All methods are safe for concurrent use.
type Coordinator struct {
	mu      sync.RWMutex
	asset   models.ModelAsset
	task    models.UploadTask
	state   State
	err     error
	started *time.Time
	ended   *time.Time
	changed chan struct{}

	baseCtx     context.Context
	wg          *sync.WaitGroup
	store       Storage
	invalidator Invalidator
	metrics     *metrics.Collector
	logger      *slog.Logger
}

func newCoordinator(asset models.ModelAsset, objectPath string, m *Manager) *Coordinator {
	asset.Status = models.GenerationPendingUpload
	asset.RemoteURL = nil
	return &Coordinator{
		asset: asset,
		task: models.UploadTask{
			AssetID:    asset.ID,
			LocalPath:  asset.LocalPath,
			Bucket:     m.store.Bucket(),
			ObjectPath: objectPath,
		},
		state:       StateIdle,
		changed:     make(chan struct{}),
		baseCtx:     m.ctx,
		wg:          &m.wg,
		store:       m.store,
		invalidator: m.invalidator,
		metrics:     m.metrics,
		logger:      m.logger.With("asset_id", asset.ID),
	}
}

// EnsureStarted starts the transfer if the coordinator is idle. It is a no-op
// while uploading, completed or failed, and reports whether a transfer started.
func (c *Coordinator) EnsureStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return false
	}
	c.startLocked()
	return true
}

// Retry restarts a failed transfer.
func (c *Coordinator) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateFailed {
		return fmt.Errorf("retry %s: %w (state %s)", c.asset.ID, ErrNotRetryable, c.state)
	}
	c.startLocked()
	return nil
}

// startLocked moves to uploading and launches the transfer.
// Caller must hold the write lock.
func (c *Coordinator) startLocked() {
	now := time.Now()
	c.state = StateUploading
	c.err = nil
	c.started = &now
	c.ended = nil
	c.task.Attempts++
	c.task.LastError = ""
	c.asset.Status = models.GenerationUploading
	c.notifyLocked()

	c.logger.Info("upload started", "object_path", c.task.ObjectPath, "attempt", c.task.Attempts)

	c.wg.Add(1)
	go c.run()
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	start := time.Now()
	url, size, err := c.transfer()
	if err != nil {
		c.metrics.RecordFailure(metrics.OpUpload, time.Since(start))
		c.fail(err)
		return
	}
	c.metrics.RecordTransfer(metrics.OpUpload, time.Since(start), size)
	c.complete(url)
}

func (c *Coordinator) transfer() (url string, size int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upload panic: %v", r)
		}
	}()

	f, err := os.Open(c.task.LocalPath)
	if err != nil {
		return "", 0, fmt.Errorf("open model file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat model file: %w", err)
	}

	url, err = c.store.Put(c.baseCtx, c.task.ObjectPath, f, info.Size(), ContentType(c.task.LocalPath))
	if err != nil {
		return "", 0, err
	}
	return url, info.Size(), nil
}

func (c *Coordinator) complete(url string) {
	c.mu.Lock()
	now := time.Now()
	c.state = StateCompleted
	c.ended = &now
	c.asset.RemoteURL = &url
	c.asset.Status = models.GenerationCompleted
	c.notifyLocked()
	c.mu.Unlock()

	c.logger.Info("upload completed", "url", url)
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	now := time.Now()
	c.state = StateFailed
	c.err = err
	c.ended = &now
	c.task.LastError = err.Error()
	c.asset.Status = models.GenerationFailed
	c.notifyLocked()
	c.mu.Unlock()

	c.logger.Error("upload failed", "error", err, "attempt", c.task.Attempts)

	if remote.IsAuthExpired(err) && c.invalidator != nil {
		c.invalidator.Invalidate("upload " + c.asset.ID + ": " + err.Error())
	}
}

// notifyLocked wakes every waiter. Caller must hold the write lock.
func (c *Coordinator) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusLocked()
}

func (c *Coordinator) statusLocked() Status {
	s := Status{
		AssetID:  c.asset.ID,
		State:    c.state,
		Attempts: c.task.Attempts,
		err:      c.err,
	}
	if c.asset.RemoteURL != nil {
		url := *c.asset.RemoteURL
		s.URL = &url
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	if c.started != nil {
		t := *c.started
		s.StartedAt = &t
	}
	if c.ended != nil {
		t := *c.ended
		s.FinishedAt = &t
	}
	return s
}

// Asset returns a copy of the model asset with its current status.
func (c *Coordinator) Asset() models.ModelAsset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a := c.asset
	if a.RemoteURL != nil {
		url := *a.RemoteURL
		a.RemoteURL = &url
	}
	return a
}

// Task returns a copy of the upload task.
func (c *Coordinator) Task() models.UploadTask {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.task
}

// Changed returns a channel that is closed on the next state change.
func (c *Coordinator) Changed() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changed
}

// Wait blocks until the transfer is completed or failed, or ctx is done.
// An idle coordinator is waited on until someone starts it.
func (c *Coordinator) Wait(ctx context.Context) (Status, error) {
	for {
		c.mu.RLock()
		s := c.statusLocked()
		ch := c.changed
		c.mu.RUnlock()

		if s.Done() {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// ContentType returns the MIME type used when uploading path.
func ContentType(path string) string {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".usdz":
		return "model/vnd.usdz+zip"
	case ".glb":
		return "model/gltf-binary"
	case ".gltf":
		return "model/gltf+json"
	case ".obj":
		return "model/obj"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}
