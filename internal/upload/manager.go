package upload

import (
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/models"
)

// Manager keeps exactly one Coordinator per model asset.
type Manager struct {
	mu     sync.Mutex
	coords map[string]*Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	store       Storage
	invalidator Invalidator
	metrics     *metrics.Collector
	logger      *slog.Logger
	prefix      string
}

// Options configures a Manager.
type Options struct {
	// Prefix is prepended to every object path.
	Prefix      string
	Invalidator Invalidator
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

// NewManager creates a manager uploading to store.
func NewManager(store Storage, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		coords:      make(map[string]*Coordinator),
		ctx:         ctx,
		cancel:      cancel,
		store:       store,
		invalidator: opts.Invalidator,
		metrics:     opts.Metrics,
		logger:      logger,
		prefix:      opts.Prefix,
	}
}

// ForAsset returns the coordinator for asset, creating an idle one if none
// exists yet.
func (m *Manager) ForAsset(asset models.ModelAsset) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.coords[asset.ID]; ok {
		return c
	}
	c := newCoordinator(asset, m.ObjectPath(asset), m)
	m.coords[asset.ID] = c
	return c
}

// StartUpload returns the asset's coordinator after making sure its transfer
// has been started.
func (m *Manager) StartUpload(asset models.ModelAsset) *Coordinator {
	c := m.ForAsset(asset)
	c.EnsureStarted()
	return c
}

// Get returns the coordinator for an asset ID.
func (m *Manager) Get(assetID string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coords[assetID]
	return c, ok
}

// List returns the status of every coordinator, ordered by asset ID.
func (m *Manager) List() []Status {
	m.mu.Lock()
	coords := make([]*Coordinator, 0, len(m.coords))
	for _, c := range m.coords {
		coords = append(coords, c)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(coords))
	for _, c := range coords {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// ObjectPath is the deterministic storage path for asset. Re-uploading the
// same asset always targets the same object.
func (m *Manager) ObjectPath(asset models.ModelAsset) string {
	return path.Join(m.prefix, asset.SessionID, filepath.Base(asset.LocalPath))
}

// Close cancels in-flight transfers and waits for them to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
