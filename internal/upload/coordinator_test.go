package upload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/mocks"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func testAsset(t *testing.T) models.ModelAsset {
	return models.ModelAsset{
		ID:        "s-1",
		SessionID: "s-1",
		LocalPath: writeModel(t, "model.usdz", "mesh-bytes"),
		CreatedAt: time.Now(),
	}
}

func waitDone(t *testing.T, c *Coordinator) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := c.Wait(ctx)
	require.NoError(t, err)
	return s
}

func TestCoordinatorUploadsOnce(t *testing.T) {
	store := mocks.NewStorage()
	store.Hold = make(chan struct{})
	collector := metrics.NewCollector()
	m := NewManager(store, Options{Prefix: "dishes", Metrics: collector})
	defer m.Close()

	asset := testAsset(t)
	c := m.ForAsset(asset)
	assert.Equal(t, StateIdle, c.Status().State)
	assert.Equal(t, models.GenerationPendingUpload, c.Status().GenerationStatus())

	// Concurrent triggers while the first transfer is in flight.
	var wg sync.WaitGroup
	started := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- m.ForAsset(asset).EnsureStarted()
		}()
	}
	wg.Wait()
	close(started)

	count := 0
	for s := range started {
		if s {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, StateUploading, c.Status().State)
	assert.Equal(t, models.GenerationUploading, c.Asset().Status)

	close(store.Hold)
	s := waitDone(t, c)

	require.Equal(t, StateCompleted, s.State)
	require.NotNil(t, s.URL)
	assert.Equal(t, "https://storage.test/public/models/dishes/s-1/model.usdz", *s.URL)

	// Further triggers after completion are no-ops.
	assert.False(t, c.EnsureStarted())
	calls := store.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "dishes/s-1/model.usdz", calls[0].ObjectPath)
	assert.Equal(t, "model/vnd.usdz+zip", calls[0].ContentType)
	assert.Equal(t, []byte("mesh-bytes"), calls[0].Body)

	asset = c.Asset()
	assert.Equal(t, models.GenerationCompleted, asset.Status)
	require.NotNil(t, asset.RemoteURL)

	require.NotNil(t, collector.Snapshot().Upload)
	assert.Equal(t, int64(1), collector.Snapshot().Upload.Count)
}

func TestCoordinatorSurvivesCallerCancel(t *testing.T) {
	store := mocks.NewStorage()
	store.Hold = make(chan struct{})
	m := NewManager(store, Options{})
	defer m.Close()

	c := m.StartUpload(testAsset(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(store.Hold)
	s := waitDone(t, c)
	assert.Equal(t, StateCompleted, s.State)
}

func TestCoordinatorFailureAndRetry(t *testing.T) {
	store := mocks.NewStorage()
	store.FailNext(&remote.NetworkError{Op: "upload", Err: context.DeadlineExceeded})
	m := NewManager(store, Options{})
	defer m.Close()

	c := m.StartUpload(testAsset(t))
	s := waitDone(t, c)

	require.Equal(t, StateFailed, s.State)
	assert.True(t, remote.IsNetwork(s.Err()))
	assert.Nil(t, s.URL)
	assert.Equal(t, models.GenerationFailed, c.Asset().Status)

	// Failed is not auto-retried.
	assert.False(t, c.EnsureStarted())
	assert.Len(t, store.Calls(), 1)

	require.NoError(t, c.Retry())
	s = waitDone(t, c)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, 2, s.Attempts)
	assert.Equal(t, 2, c.Task().Attempts)
	assert.Empty(t, c.Task().LastError)
}

func TestCoordinatorRetryOnlyFromFailed(t *testing.T) {
	m := NewManager(mocks.NewStorage(), Options{})
	defer m.Close()

	c := m.ForAsset(testAsset(t))
	assert.ErrorIs(t, c.Retry(), ErrNotRetryable)

	c.EnsureStarted()
	waitDone(t, c)
	assert.ErrorIs(t, c.Retry(), ErrNotRetryable)
}

func TestCoordinatorAuthExpiredInvalidatesSession(t *testing.T) {
	store := mocks.NewStorage()
	store.FailNext(&remote.AuthExpiredError{Message: "jwt expired"})
	inv := &mocks.Invalidator{}
	m := NewManager(store, Options{Invalidator: inv})
	defer m.Close()

	s := waitDone(t, m.StartUpload(testAsset(t)))
	require.Equal(t, StateFailed, s.State)
	assert.True(t, remote.IsAuthExpired(s.Err()))
	require.Len(t, inv.Reasons(), 1)
	assert.Contains(t, inv.Reasons()[0], "s-1")
}

func TestCoordinatorServerError(t *testing.T) {
	store := mocks.NewStorage()
	store.FailNext(&remote.ServerError{StatusCode: 413, Message: "too large"})
	inv := &mocks.Invalidator{}
	m := NewManager(store, Options{Invalidator: inv})
	defer m.Close()

	s := waitDone(t, m.StartUpload(testAsset(t)))
	require.Equal(t, StateFailed, s.State)
	assert.Contains(t, s.Error, "too large")
	assert.Empty(t, inv.Reasons())
}

func TestCoordinatorMissingFile(t *testing.T) {
	m := NewManager(mocks.NewStorage(), Options{})
	defer m.Close()

	s := waitDone(t, m.StartUpload(models.ModelAsset{ID: "gone", SessionID: "gone", LocalPath: "/nonexistent/model.usdz"}))
	assert.Equal(t, StateFailed, s.State)
	assert.Contains(t, s.Error, "open model file")
}

func TestManagerOneCoordinatorPerAsset(t *testing.T) {
	m := NewManager(mocks.NewStorage(), Options{})
	defer m.Close()

	a := testAsset(t)
	assert.Same(t, m.ForAsset(a), m.ForAsset(a))

	b := a
	b.ID = "s-2"
	b.SessionID = "s-2"
	assert.NotSame(t, m.ForAsset(a), m.ForAsset(b))

	got, ok := m.Get("s-2")
	require.True(t, ok)
	assert.Equal(t, "s-2", got.Status().AssetID)
	assert.Len(t, m.List(), 2)
}

func TestManagerCloseCancelsTransfers(t *testing.T) {
	store := mocks.NewStorage()
	store.Hold = make(chan struct{})
	m := NewManager(store, Options{})

	c := m.StartUpload(testAsset(t))
	<-store.Started()
	m.Close()

	s := c.Status()
	assert.Equal(t, StateFailed, s.State)
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "model/vnd.usdz+zip", ContentType("a/B.USDZ"))
	assert.Equal(t, "model/gltf-binary", ContentType("x.glb"))
	assert.Equal(t, "application/octet-stream", ContentType("x.unknownext"))
}
