// Package hotfolder implements a capture engine fed by a tethered camera that
// drops photos into a watched folder.
package hotfolder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/raphaelgruber/dishcapture/internal/capture"
	"github.com/raphaelgruber/dishcapture/internal/models"
)

// ErrNoImages is reported when capture is finished without any photo.
var ErrNoImages = errors.New("no images captured")

// DefaultDebounce is how long a file must be quiet before it is ingested.
const DefaultDebounce = 500 * time.Millisecond

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".heic": true, ".png": true, ".tif": true, ".tiff": true, ".dng": true,
}

// Options configures the engine.
type Options struct {
	MaxShots int
	Debounce time.Duration
	Logger   *slog.Logger
}

// Engine watches a hot folder and moves new photos into the session's image
// folder while capturing.
type Engine struct {
	mu       sync.Mutex
	state    capture.EngineState
	shots    int
	box      bool
	closed   bool
	requests int
	out      chan capture.Update

	session models.CaptureSession
	hotDir  string
	watcher *fsnotify.Watcher
	opts    Options
	logger  *slog.Logger
}

// Factory returns a capture.EngineFactory watching hotDir.
func Factory(hotDir string, opts Options) capture.EngineFactory {
	return func(ctx context.Context, session models.CaptureSession) (capture.Engine, error) {
		return New(hotDir, session, opts)
	}
}

// New starts watching hotDir for session.
func New(hotDir string, session models.CaptureSession, opts Options) (*Engine, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxShots <= 0 {
		opts.MaxShots = session.MaxShots
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(hotDir, 0o755); err != nil {
		return nil, fmt.Errorf("create hot folder: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(hotDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch hot folder: %w", err)
	}

	e := &Engine{
		state:   capture.EngineReady,
		out:     make(chan capture.Update, 32),
		session: session,
		hotDir:  hotDir,
		watcher: watcher,
		opts:    opts,
		logger:  logger.With("session_id", session.ID),
	}
	e.emitLocked(nil)

	go e.watch()
	return e, nil
}

func (e *Engine) watch() {
	pending := make(map[string]struct{})
	var debounce <-chan time.Time

	for {
		select {
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if !isImage(event.Name) || !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				continue
			}
			pending[event.Name] = struct{}{}
			debounce = time.After(e.opts.Debounce)

		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.logger.Warn("hot folder watcher error", "error", err)

		case <-debounce:
			debounce = nil
			names := make([]string, 0, len(pending))
			for name := range pending {
				names = append(names, name)
			}
			clear(pending)
			sort.Strings(names)
			e.ingest(names)
		}
	}
}

// ingest moves photos into the session while capturing. Photos arriving in
// other states stay in the hot folder.
func (e *Engine) ingest(paths []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.state != capture.EngineCapturing {
		return
	}

	for _, p := range paths {
		if e.shots >= e.opts.MaxShots {
			e.emitLocked(nil, capture.FeedbackOverCapturing)
			break
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		dst := filepath.Join(e.session.ImagesDir, fmt.Sprintf("IMG_%04d%s", e.shots+1, strings.ToLower(filepath.Ext(p))))
		if err := moveFile(p, dst); err != nil {
			e.state = capture.EngineFailed
			e.emitLocked(fmt.Errorf("ingest %s: %w", filepath.Base(p), err))
			e.closeLocked()
			return
		}
		e.shots++
		e.logger.Debug("photo ingested", "file", dst, "shots", e.shots)
		e.emitLocked(nil)
	}

	if e.shots >= e.opts.MaxShots {
		e.logger.Info("shot limit reached, finishing capture", "shots", e.shots)
		e.finishLocked()
	}
}

// StartDetecting succeeds when the camera has already delivered a preview
// photo of the object.
func (e *Engine) StartDetecting(ctx context.Context) bool {
	images, err := listImages(e.hotDir)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if err != nil || len(images) == 0 {
		e.box = false
		e.state = capture.EngineReady
		e.emitLocked(nil, capture.FeedbackObjectNotDetected)
		return false
	}
	e.box = true
	e.state = capture.EngineDetecting
	e.emitLocked(nil)
	return true
}

func (e *Engine) ResetDetection(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return capture.ErrNoSession
	}
	e.box = false
	e.state = capture.EngineReady
	e.emitLocked(nil)
	return nil
}

func (e *Engine) StartCapturing(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return capture.ErrNoSession
	}
	e.state = capture.EngineCapturing
	e.emitLocked(nil)
	e.mu.Unlock()

	existing, err := listImages(e.hotDir)
	if err != nil {
		return fmt.Errorf("scan hot folder: %w", err)
	}
	e.ingest(existing)
	return nil
}

// RequestImageCapture drops a trigger file the tethering software picks up.
func (e *Engine) RequestImageCapture(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return capture.ErrNoSession
	}
	e.requests++
	name := filepath.Join(e.hotDir, fmt.Sprintf(".capture-request-%s-%04d", e.session.ID, e.requests))
	if err := os.WriteFile(name, []byte(time.Now().Format(time.RFC3339Nano)), 0o644); err != nil {
		return fmt.Errorf("write capture request: %w", err)
	}
	return nil
}

func (e *Engine) Finish(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return capture.ErrNoSession
	}
	e.finishLocked()
	return nil
}

// finishLocked reports completion, or failure if nothing was captured, and
// ends the stream. Caller must hold the lock.
func (e *Engine) finishLocked() {
	if e.shots == 0 {
		e.state = capture.EngineFailed
		e.emitLocked(ErrNoImages)
		e.closeLocked()
		return
	}
	e.state = capture.EngineFinishing
	e.emitLocked(nil)
	e.state = capture.EngineCompleted
	e.emitLocked(nil)
	e.closeLocked()
}

func (e *Engine) Updates() <-chan capture.Update {
	return e.out
}

// Close stops watching and ends the update stream.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closeLocked()
	e.mu.Unlock()
	return e.watcher.Close()
}

func (e *Engine) closeLocked() {
	if e.closed {
		return
	}
	e.closed = true
	close(e.out)
}

// emitLocked reports the current state. Caller must hold the lock.
func (e *Engine) emitLocked(err error, feedback ...string) {
	if e.closed {
		return
	}
	e.out <- capture.Update{
		State:       e.state,
		ShotCount:   e.shots,
		BoundingBox: e.box,
		Feedback:    feedback,
		Err:         err,
	}
}

func isImage(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return imageExtensions[strings.ToLower(filepath.Ext(base))]
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && isImage(entry.Name()) {
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
