package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/capture"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/service"
	"github.com/spf13/cobra"
)

const stateTimeout = 30 * time.Second

var captureDish dishFlags

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture a dish, reconstruct its model and optionally publish it",
	Long: `Start a capture session on the hot folder, collect photos until Enter is
pressed (or the shot limit is reached), reconstruct the model and upload it.

With --name the dish is saved to the catalog once the model is ready.

Examples:
  dishcapture capture
  dishcapture capture --name "Tiramisu" --price 7.5 --category dessert`,
	Args: cobra.NoArgs,
	RunE: runCapture,
}

func init() {
	captureDish.register(captureCmd)
}

func runCapture(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := getApp(ctx)
	if err != nil {
		return err
	}
	reconcileInBackground(ctx)

	p := a.Pipeline
	c := p.Controller()

	session, err := c.StartNewCapture(ctx)
	if err != nil {
		return err
	}
	if session, err = waitFor(ctx, c, models.CaptureReady); err != nil {
		return err
	}

	fmt.Printf("Session %s\n", session.ID)
	fmt.Printf("Hot folder: %s\n", cfg.HotFolder)

	if !c.StartDetecting(ctx) {
		return errors.New("object not detected: place a preview photo of the dish in the hot folder")
	}
	if _, err := waitFor(ctx, c, models.CaptureDetecting); err != nil {
		return err
	}
	if err := c.StartCapturing(ctx); err != nil {
		return err
	}

	fmt.Printf("Capturing. Drop photos into the hot folder and press Enter when done (limit %d).\n", cfg.MaxShots)
	if err := waitForEnter(ctx, c); err != nil {
		return err
	}

	if s, _ := c.Snapshot(); s.State == models.CaptureCapturing {
		if err := c.Finish(ctx); err != nil {
			return err
		}
	}
	session, err = waitFor(ctx, c, models.CapturePrepareToReconstruct)
	if err != nil {
		return err
	}
	fmt.Printf("Captured %d photos\n", session.ShotCount)

	if _, err := p.StartReconstruction(ctx); err != nil {
		return err
	}
	job, err := awaitReconstruction(ctx, p, session.ID)
	if err != nil {
		return err
	}
	if job.Outcome != models.OutcomeCompleted {
		return nil
	}
	fmt.Printf("Model: %s\n", job.OutputPath)

	if captureDish.name == "" {
		return nil
	}
	if _, err := waitFor(ctx, c, models.CaptureCompleted); err != nil {
		return err
	}
	res, err := p.SaveDish(ctx, captureDish.fields(), session.ID)
	if err != nil {
		return err
	}
	printSaved(res.Dish, res.Resolution)
	return waitForPendingReconcile(ctx, a, res, session.ID)
}

// waitFor blocks until the session reaches one of states or a terminal state.
func waitFor(ctx context.Context, c *capture.Controller, states ...models.CaptureState) (models.CaptureSession, error) {
	ctx, cancel := context.WithTimeout(ctx, stateTimeout)
	defer cancel()

	all := append(slices.Clone(states), models.CaptureFailed, models.CaptureRestart)
	s, err := c.WaitFor(ctx, all...)
	if err != nil {
		return s, fmt.Errorf("waiting for %v: %w (state %s)", states, err, s.State)
	}
	switch s.State {
	case models.CaptureFailed:
		return s, fmt.Errorf("capture failed: %s", s.Error)
	case models.CaptureRestart:
		return s, errors.New("capture session needs a restart")
	}
	return s, nil
}

// waitForEnter returns when the user presses Enter or the engine finishes on
// its own after reaching the shot limit.
func waitForEnter(ctx context.Context, c *capture.Controller) error {
	enter := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		close(enter)
	}()

	finished := make(chan error, 1)
	go func() {
		_, err := c.WaitFor(ctx, models.CapturePrepareToReconstruct, models.CaptureFailed)
		finished <- err
	}()

	select {
	case <-enter:
		return nil
	case err := <-finished:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitReconstruction shows progress on a terminal and logs plain lines
// otherwise.
func awaitReconstruction(ctx context.Context, p *service.Pipeline, sessionID string) (models.ReconstructionJob, error) {
	if isTerminal() {
		return RunReconstructionProgress(p, sessionID)
	}

	fmt.Println("Reconstructing...")
	job, err := p.WaitReconstruction(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			_ = p.CancelReconstruction(sessionID)
		}
		return job, err
	}
	switch job.Outcome {
	case models.OutcomeErrored:
		return job, fmt.Errorf("reconstruction failed: %s", job.Error)
	case models.OutcomeCancelled:
		fmt.Println("Reconstruction cancelled.")
	}
	return job, nil
}
