package reconstruction_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/mocks"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/reconstruction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine    *mocks.ReconstructionEngine
	sink      *mocks.SessionSink
	uploads   *mocks.UploadStarter
	collector *metrics.Collector
	monitor   *reconstruction.Monitor
	job       models.ReconstructionJob
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	job := models.ReconstructionJob{
		ID:         "job-1",
		SessionID:  "s-1",
		InputDir:   filepath.Join(dir, "Images"),
		OutputPath: filepath.Join(dir, "Models", "model.usdz"),
		Detail:     models.DetailMedium,
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(job.OutputPath), 0o755))

	f := &fixture{
		engine:    mocks.NewReconstructionEngine(),
		sink:      &mocks.SessionSink{},
		uploads:   &mocks.UploadStarter{},
		collector: metrics.NewCollector(),
		job:       job,
	}
	f.monitor = reconstruction.NewMonitor(job, f.engine, f.sink, f.uploads, f.collector, nil)
	return f
}

func (f *fixture) writeOutput(t *testing.T) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.job.OutputPath, []byte("usdz"), 0o644))
}

type result struct {
	job models.ReconstructionJob
	err error
}

func (f *fixture) runAsync() <-chan result {
	ch := make(chan result, 1)
	go func() {
		job, err := f.monitor.Run(context.Background())
		ch <- result{job, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not finish")
		return result{}
	}
}

func TestUntilTerminalStopsAfterFirstTerminal(t *testing.T) {
	ch := make(chan reconstruction.Event, 8)
	ch <- reconstruction.Event{Kind: reconstruction.EventRequestProgress, Fraction: 0.9}
	ch <- reconstruction.Event{Kind: reconstruction.EventProcessingComplete}
	// The engine keeps emitting after logical completion and never closes.
	ch <- reconstruction.Event{Kind: reconstruction.EventRequestProgress, Fraction: 1}
	ch <- reconstruction.Event{Kind: reconstruction.EventProcessingCancelled}

	var got []reconstruction.EventKind
	for ev := range reconstruction.UntilTerminal(context.Background(), ch) {
		got = append(got, ev.Kind)
	}

	assert.Equal(t, []reconstruction.EventKind{reconstruction.EventRequestProgress, reconstruction.EventProcessingComplete}, got)
	assert.Len(t, ch, 2, "events after the terminal one are not consumed")
}

func TestUntilTerminalStopsOnCloseAndContext(t *testing.T) {
	ch := make(chan reconstruction.Event, 1)
	ch <- reconstruction.Event{Kind: reconstruction.EventInputComplete}
	close(ch)

	n := 0
	for range reconstruction.UntilTerminal(context.Background(), ch) {
		n++
	}
	assert.Equal(t, 1, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range reconstruction.UntilTerminal(ctx, make(chan reconstruction.Event)) {
		t.Fatal("no events expected")
	}
}

func TestMonitorCompletesAndStartsUpload(t *testing.T) {
	f := newFixture(t)
	f.writeOutput(t)
	done := f.runAsync()

	eta := 42 * time.Second
	f.engine.Emit(
		reconstruction.Event{Kind: reconstruction.EventInputComplete},
		reconstruction.Event{Kind: reconstruction.EventRequestProgress, Fraction: 0.5},
		reconstruction.Event{Kind: reconstruction.EventRequestProgressInfo, ETA: &eta, Stage: reconstruction.StageMeshGeneration},
		reconstruction.Event{Kind: reconstruction.EventSkippedSample},
	)

	require.Eventually(t, func() bool {
		j := f.monitor.Snapshot()
		return j.Progress == 0.5 && j.Stage == "Mesh Generation"
	}, time.Second, 5*time.Millisecond)
	snap := f.monitor.Snapshot()
	assert.True(t, snap.InputComplete)
	require.NotNil(t, snap.ETA)
	assert.Equal(t, eta, *snap.ETA)

	f.engine.Emit(
		reconstruction.Event{Kind: reconstruction.EventRequestComplete},
		reconstruction.Event{Kind: reconstruction.EventProcessingComplete},
	)
	r := await(t, done)

	require.NoError(t, r.err)
	assert.Equal(t, models.OutcomeCompleted, r.job.Outcome)
	assert.Equal(t, 1.0, r.job.Progress)
	assert.NotNil(t, r.job.CompletedAt)
	assert.Equal(t, []string{"ModelReady:s-1", "Complete:s-1"}, f.sink.Calls())

	assets := f.uploads.Assets()
	require.Len(t, assets, 1)
	assert.Equal(t, f.job.OutputPath, assets[0].LocalPath)
	assert.Equal(t, "s-1", assets[0].ID)
	assert.Equal(t, models.GenerationPendingUpload, assets[0].Status)

	reqs := f.engine.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, f.job.OutputPath, reqs[0].ModelFile.Path)
	assert.Equal(t, models.DetailMedium, reqs[0].ModelFile.Detail)

	require.NotNil(t, f.collector.Snapshot().Reconstruction)
}

func TestMonitorCancelSuppressesRacingError(t *testing.T) {
	f := newFixture(t)
	f.engine.OnCancel = func(e *mocks.ReconstructionEngine) {
		e.Emit(
			reconstruction.Event{Kind: reconstruction.EventRequestError, Err: errors.New("operation was cancelled")},
			reconstruction.Event{Kind: reconstruction.EventProcessingCancelled},
		)
	}
	done := f.runAsync()

	f.engine.Emit(reconstruction.Event{Kind: reconstruction.EventRequestProgress, Fraction: 0.3})
	require.Eventually(t, func() bool { return f.monitor.Snapshot().Progress == 0.3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.monitor.Cancel())
	require.NoError(t, f.monitor.Cancel(), "second cancel is a no-op")
	r := await(t, done)

	require.NoError(t, r.err)
	assert.Equal(t, models.OutcomeCancelled, r.job.Outcome)
	assert.Empty(t, r.job.Error)
	assert.Equal(t, []string{"MarkRestart:s-1"}, f.sink.Calls())
	assert.Empty(t, f.uploads.Assets())
	assert.Equal(t, 1, f.engine.Cancels())
}

func TestMonitorCancelBeforeRunSkipsProcessing(t *testing.T) {
	f := newFixture(t)
	f.writeOutput(t)
	f.engine.OnProcess = func(e *mocks.ReconstructionEngine, _ reconstruction.Request) {
		e.Emit(reconstruction.Event{Kind: reconstruction.EventProcessingComplete})
	}

	require.NoError(t, f.monitor.Cancel())
	assert.Equal(t, 0, f.engine.Cancels(), "nothing to cancel on the engine yet")

	job, err := f.monitor.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCancelled, job.Outcome)
	assert.Empty(t, f.engine.Requests())
	assert.Equal(t, []string{"MarkRestart:s-1"}, f.sink.Calls())
	assert.Empty(t, f.uploads.Assets())
}

func TestMonitorCancelDuringProcessIsForwarded(t *testing.T) {
	f := newFixture(t)
	f.writeOutput(t)
	f.engine.ProcessGate = make(chan struct{})
	f.engine.OnCancel = func(e *mocks.ReconstructionEngine) {
		e.Emit(reconstruction.Event{Kind: reconstruction.EventProcessingCancelled})
	}
	done := f.runAsync()

	require.Eventually(t, func() bool { return len(f.engine.Requests()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.monitor.Cancel())
	assert.Equal(t, 0, f.engine.Cancels())

	close(f.engine.ProcessGate)
	r := await(t, done)

	require.NoError(t, r.err)
	assert.Equal(t, models.OutcomeCancelled, r.job.Outcome)
	assert.Equal(t, 1, f.engine.Cancels())
	assert.Equal(t, []string{"MarkRestart:s-1"}, f.sink.Calls())
	assert.Empty(t, f.uploads.Assets())
}

func TestMonitorFailedCancelKeepsReportingErrors(t *testing.T) {
	f := newFixture(t)
	f.writeOutput(t)
	f.engine.CancelErr = errors.New("engine busy")
	done := f.runAsync()

	f.engine.Emit(reconstruction.Event{Kind: reconstruction.EventRequestProgress, Fraction: 0.2})
	require.Eventually(t, func() bool { return f.monitor.Snapshot().Progress == 0.2 }, time.Second, 5*time.Millisecond)

	require.Error(t, f.monitor.Cancel())
	assert.False(t, f.monitor.Cancelling())

	f.engine.Emit(
		reconstruction.Event{Kind: reconstruction.EventRequestError, Err: errors.New("out of memory")},
		reconstruction.Event{Kind: reconstruction.EventProcessingComplete},
	)
	r := await(t, done)

	require.Error(t, r.err)
	assert.Equal(t, models.OutcomeErrored, r.job.Outcome)
	assert.Contains(t, r.job.Error, "out of memory")
	assert.Equal(t, []string{"Fail:s-1"}, f.sink.Calls())
}

func TestMonitorRequestErrorFailsSession(t *testing.T) {
	f := newFixture(t)
	f.writeOutput(t)
	done := f.runAsync()

	f.engine.Emit(
		reconstruction.Event{Kind: reconstruction.EventRequestError, Err: errors.New("not enough features")},
		reconstruction.Event{Kind: reconstruction.EventProcessingComplete},
	)
	r := await(t, done)

	var engineErr *models.EngineError
	require.ErrorAs(t, r.err, &engineErr)
	assert.Equal(t, "reconstruction", engineErr.Engine)
	assert.Equal(t, models.OutcomeErrored, r.job.Outcome)
	assert.Contains(t, r.job.Error, "not enough features")
	assert.Equal(t, []string{"Fail:s-1"}, f.sink.Calls())
	assert.Empty(t, f.uploads.Assets())
}

func TestMonitorRunOnce(t *testing.T) {
	f := newFixture(t)
	f.writeOutput(t)
	f.engine.Emit(reconstruction.Event{Kind: reconstruction.EventProcessingComplete})

	_, err := f.monitor.Run(context.Background())
	require.NoError(t, err)

	_, err = f.monitor.Run(context.Background())
	assert.ErrorIs(t, err, reconstruction.ErrAlreadyConsumed)
	assert.Len(t, f.engine.Requests(), 1)
}

func TestMonitorIncompleteStream(t *testing.T) {
	f := newFixture(t)
	f.engine.Emit(reconstruction.Event{Kind: reconstruction.EventRequestProgress, Fraction: 0.1})
	f.engine.Close()

	_, err := f.monitor.Run(context.Background())
	assert.ErrorIs(t, err, reconstruction.ErrIncompleteStream)
	assert.Equal(t, []string{"Fail:s-1"}, f.sink.Calls())
}

func TestMonitorStreamClosedDuringCancel(t *testing.T) {
	f := newFixture(t)
	f.engine.OnCancel = func(e *mocks.ReconstructionEngine) { e.Close() }
	done := f.runAsync()

	require.Eventually(t, func() bool { return len(f.engine.Requests()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.monitor.Cancel())
	r := await(t, done)

	require.NoError(t, r.err)
	assert.Equal(t, models.OutcomeCancelled, r.job.Outcome)
	assert.Equal(t, []string{"MarkRestart:s-1"}, f.sink.Calls())
}

func TestMonitorMissingOutputFile(t *testing.T) {
	f := newFixture(t)
	f.engine.Emit(reconstruction.Event{Kind: reconstruction.EventProcessingComplete})

	_, err := f.monitor.Run(context.Background())
	assert.ErrorIs(t, err, reconstruction.ErrInvalidOutput)
	assert.Empty(t, f.uploads.Assets())
}

func TestMonitorProcessError(t *testing.T) {
	f := newFixture(t)
	f.engine.ProcessErr = errors.New("unsupported device")

	job, err := f.monitor.Run(context.Background())
	var engineErr *models.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, models.OutcomeErrored, job.Outcome)
}

func TestMonitorCancelAfterFinishIsNoop(t *testing.T) {
	f := newFixture(t)
	f.writeOutput(t)
	f.engine.Emit(reconstruction.Event{Kind: reconstruction.EventProcessingComplete})
	_, err := f.monitor.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.monitor.Cancel())
	assert.Equal(t, 0, f.engine.Cancels())
	assert.False(t, f.monitor.Cancelling())
}

func TestStageNames(t *testing.T) {
	assert.Equal(t, "Pre-Processing", reconstruction.StagePreProcessing.String())
	assert.Equal(t, "Texture Mapping", reconstruction.ParseStage("textureMapping").String())
	assert.Equal(t, "", reconstruction.ParseStage("bogus").String())
}
