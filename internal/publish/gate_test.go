package publish_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/publish"
	"github.com/raphaelgruber/dishcapture/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource answers Status with fn and counts the calls.
type fakeSource struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) upload.Status
}

func (f *fakeSource) Status() upload.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.fn(f.calls)
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func completed(url string) upload.Status {
	return upload.Status{State: upload.StateCompleted, URL: &url}
}

func uploading() upload.Status {
	return upload.Status{State: upload.StateUploading}
}

func TestGateReturnsURLImmediatelyWhenCompleted(t *testing.T) {
	src := &fakeSource{fn: func(int) upload.Status { return completed("https://cdn/m.usdz") }}
	gate := publish.NewGate(time.Hour, time.Hour, nil, nil)

	res := gate.Await(context.Background(), src)

	require.NotNil(t, res.URL)
	assert.Equal(t, "https://cdn/m.usdz", *res.URL)
	assert.Equal(t, models.GenerationCompleted, res.Status)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Pending())
	assert.Equal(t, 1, src.Calls())
	assert.Less(t, res.Waited, time.Second)
}

func TestGatePollsUntilCompleted(t *testing.T) {
	src := &fakeSource{fn: func(call int) upload.Status {
		if call < 4 {
			return uploading()
		}
		return completed("https://cdn/late.usdz")
	}}
	gate := publish.NewGate(10*time.Millisecond, 5*time.Second, nil, nil)

	res := gate.Await(context.Background(), src)

	require.NotNil(t, res.URL)
	assert.Equal(t, "https://cdn/late.usdz", *res.URL)
	assert.Equal(t, 4, src.Calls())
	assert.GreaterOrEqual(t, res.Waited, 30*time.Millisecond)
}

func TestGateTimesOutToPending(t *testing.T) {
	collector := metrics.NewCollector()
	src := &fakeSource{fn: func(int) upload.Status { return uploading() }}
	gate := publish.NewGate(10*time.Millisecond, 100*time.Millisecond, collector, nil)

	res := gate.Await(context.Background(), src)

	assert.Nil(t, res.URL)
	assert.Equal(t, models.GenerationPendingUpload, res.Status)
	assert.True(t, res.TimedOut)
	assert.GreaterOrEqual(t, res.Waited, 100*time.Millisecond)
	assert.Less(t, res.Waited, 2*time.Second)
	// Initial check, ticks, and the final check at the deadline.
	assert.GreaterOrEqual(t, src.Calls(), 3)

	snap := collector.Snapshot()
	require.NotNil(t, snap.PublishWait)
	assert.Equal(t, int64(1), snap.PublishWait.Failures)
}

func TestGateChecksOnceMoreAtDeadline(t *testing.T) {
	start := time.Now()
	src := &fakeSource{fn: func(int) upload.Status {
		if time.Since(start) < 20*time.Millisecond {
			return uploading()
		}
		return completed("https://cdn/edge.usdz")
	}}
	// The interval never fires inside the budget.
	gate := publish.NewGate(time.Hour, 50*time.Millisecond, nil, nil)

	res := gate.Await(context.Background(), src)

	require.NotNil(t, res.URL)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 2, src.Calls())
}

func TestGateFailedUploadDegradesImmediately(t *testing.T) {
	src := &fakeSource{fn: func(int) upload.Status { return upload.Status{State: upload.StateFailed, Error: "boom"} }}
	gate := publish.NewGate(time.Hour, time.Hour, nil, nil)

	res := gate.Await(context.Background(), src)

	assert.True(t, res.Pending())
	assert.True(t, res.UploadFailed)
	assert.False(t, res.TimedOut)
	assert.Equal(t, models.GenerationPendingUpload, res.Status)
}

func TestGateStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{fn: func(int) upload.Status { return uploading() }}
	gate := publish.NewGate(10*time.Millisecond, time.Hour, nil, nil)

	collector := metrics.NewCollector()
	gate.Metrics = collector

	time.AfterFunc(30*time.Millisecond, cancel)
	res := gate.Await(ctx, src)

	assert.True(t, res.Pending())
	assert.True(t, res.Abandoned)
	assert.False(t, res.TimedOut, "a cancelled wait is not a budget expiry")
	assert.Less(t, res.Waited, time.Second)
	assert.Nil(t, collector.Snapshot().PublishWait)
}
