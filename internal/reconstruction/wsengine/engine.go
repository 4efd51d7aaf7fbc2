// Package wsengine is a reconstruction engine client for a photogrammetry
// service reached over a websocket. The service reads the input folder and
// writes the model itself, or returns a URL the model is downloaded from.
package wsengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/dishcapture/internal/reconstruction"
)

// Subprotocol is negotiated with the service.
const Subprotocol = "photogrammetry.v1"

// Client to service message types.
const (
	msgProcess = "process"
	msgCancel  = "cancel"
)

// clientMessage is sent to the service.
type clientMessage struct {
	Type       string `json:"type"`
	InputDir   string `json:"input_dir,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// serverMessage is one output event from the service. Type carries the
// reconstruction.EventKind name.
type serverMessage struct {
	Type       string   `json:"type"`
	Fraction   float64  `json:"fraction,omitempty"`
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
	Stage      string   `json:"stage,omitempty"`
	Error      string   `json:"error,omitempty"`
	OutputURL  string   `json:"output_url,omitempty"`
}

// Options configures the client.
type Options struct {
	HandshakeTimeout time.Duration
	// HTTPClient downloads models announced by URL. Defaults to a client
	// with a 5 minute timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Engine is one reconstruction session over a websocket connection.
type Engine struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	out      chan reconstruction.Event
	done     chan struct{}
	inputDir string

	mu         sync.Mutex
	started    bool
	closed     bool
	outputPath string

	httpClient *http.Client
	logger     *slog.Logger
}

// Factory returns a reconstruction.EngineFactory dialing endpoint.
func Factory(endpoint string, opts Options) reconstruction.EngineFactory {
	return func(ctx context.Context, inputDir string) (reconstruction.Engine, error) {
		return Dial(ctx, endpoint, inputDir, opts)
	}
}

// Dial connects to the service at endpoint.
func Dial(ctx context.Context, endpoint, inputDir string, opts Options) (*Engine, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	return &Engine{
		conn:       conn,
		out:        make(chan reconstruction.Event, 16),
		done:       make(chan struct{}),
		inputDir:   inputDir,
		httpClient: opts.HTTPClient,
		logger:     logger.With("engine", "ws", "input_dir", inputDir),
	}, nil
}

// Process asks the service to build the model and starts reading its output.
func (e *Engine) Process(ctx context.Context, req reconstruction.Request) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine closed")
	}
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already processing")
	}
	e.started = true
	e.outputPath = req.ModelFile.Path
	e.mu.Unlock()

	msg := clientMessage{
		Type:       msgProcess,
		InputDir:   e.inputDir,
		OutputPath: req.ModelFile.Path,
		Detail:     string(req.ModelFile.Detail),
	}
	if err := e.write(msg); err != nil {
		e.Close()
		close(e.out)
		return fmt.Errorf("send process: %w", err)
	}

	go e.read(ctx)
	return nil
}

// Cancel asks the service to stop processing.
func (e *Engine) Cancel() error {
	if err := e.write(clientMessage{Type: msgCancel}); err != nil {
		return fmt.Errorf("send cancel: %w", err)
	}
	return nil
}

// Outputs returns the event stream. It closes after the terminal event or
// when the connection drops.
func (e *Engine) Outputs() <-chan reconstruction.Event {
	return e.out
}

// Close drops the connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	close(e.done)
	e.mu.Unlock()

	err := e.conn.Close()
	if !started {
		close(e.out)
	}
	return err
}

func (e *Engine) write(msg clientMessage) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteJSON(msg)
}

func (e *Engine) read(ctx context.Context) {
	defer close(e.out)
	defer e.Close()

	// Close the connection on context cancellation to unblock ReadJSON.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			e.Close()
		case <-stop:
		}
	}()

	for {
		var msg serverMessage
		if err := e.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && !e.isClosed() {
				e.logger.Warn("reconstruction stream dropped", "error", err)
			}
			return
		}

		ev, ok := e.convert(ctx, msg)
		if !ok {
			continue
		}
		select {
		case e.out <- ev:
		case <-e.done:
			return
		}
		if ev.Kind.Terminal() {
			return
		}
	}
}

// convert maps a wire message to an event, downloading the model when the
// service announces it by URL.
func (e *Engine) convert(ctx context.Context, msg serverMessage) (reconstruction.Event, bool) {
	kind := reconstruction.EventKind(msg.Type)
	ev := reconstruction.Event{Kind: kind}

	switch kind {
	case reconstruction.EventRequestProgress:
		ev.Fraction = msg.Fraction
	case reconstruction.EventRequestProgressInfo:
		if msg.ETASeconds != nil {
			eta := time.Duration(*msg.ETASeconds * float64(time.Second))
			ev.ETA = &eta
		}
		ev.Stage = reconstruction.ParseStage(msg.Stage)
	case reconstruction.EventRequestError:
		ev.Err = errors.New(msg.Error)
	case reconstruction.EventRequestComplete:
		if msg.OutputURL != "" {
			if err := e.download(ctx, msg.OutputURL); err != nil {
				return reconstruction.Event{Kind: reconstruction.EventRequestError, Err: err}, true
			}
		}
	case reconstruction.EventInputComplete, reconstruction.EventProcessingComplete, reconstruction.EventProcessingCancelled:
	default:
		if !kind.Diagnostic() {
			e.logger.Debug("ignoring unknown message", "type", msg.Type)
			return reconstruction.Event{}, false
		}
	}
	return ev, true
}

func (e *Engine) download(ctx context.Context, url string) error {
	e.mu.Lock()
	dst := e.outputPath
	e.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download model: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("download model: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("download model: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	e.logger.Info("model downloaded", "url", url, "path", dst)
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

var _ reconstruction.Engine = (*Engine)(nil)
