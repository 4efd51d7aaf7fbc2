package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/dishcapture/internal/app"
	"github.com/raphaelgruber/dishcapture/internal/ledger"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/publish"
	"github.com/raphaelgruber/dishcapture/internal/upload"
	"github.com/spf13/cobra"
)

// dishFlags are the dish fields settable from the command line.
type dishFlags struct {
	name         string
	description  string
	price        float64
	category     string
	restaurantID string
	publish      bool
}

func (f *dishFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "dish name")
	cmd.Flags().StringVar(&f.description, "description", "", "dish description")
	cmd.Flags().Float64Var(&f.price, "price", 0, "dish price")
	cmd.Flags().StringVar(&f.category, "category", "", "menu category")
	cmd.Flags().StringVar(&f.restaurantID, "restaurant", "", "restaurant ID")
	cmd.Flags().BoolVar(&f.publish, "publish", false, "publish the dish instead of saving a draft")
}

func (f *dishFlags) fields() models.DishFields {
	status := models.DishDraft
	if f.publish {
		status = models.DishPublished
	}
	return models.DishFields{
		Name:         f.name,
		Description:  f.description,
		Price:        f.price,
		Category:     f.category,
		RestaurantID: f.restaurantID,
		Status:       status,
	}
}

var (
	publishDish  dishFlags
	publishModel string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Save a dish to the catalog, optionally with a model file",
	Long: `Save a dish to the catalog. With --model the file is uploaded first and
its URL attached to the dish. If the upload outlasts the publish budget the
dish is saved without the URL and patched once the upload completes.

Examples:
  dishcapture publish --name "Pho" --price 12
  dishcapture publish --name "Pho" --price 12 --model ./model.usdz`,
	Args: cobra.NoArgs,
	RunE: runPublish,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <model-file>",
	Short: "Upload a model file and print its public URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

func init() {
	publishDish.register(publishCmd)
	publishCmd.Flags().StringVar(&publishModel, "model", "", "path to a reconstructed model file")
	_ = publishCmd.MarkFlagRequired("name")
}

// stageModel hands a model file that was reconstructed elsewhere to the
// upload manager under a fresh session ID.
func stageModel(a *app.App, path string) (models.ModelAsset, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return models.ModelAsset{}, err
	}
	if _, err := os.Stat(abs); err != nil {
		return models.ModelAsset{}, fmt.Errorf("model file: %w", err)
	}
	id := uuid.New().String()
	asset := models.ModelAsset{
		ID:        id,
		SessionID: id,
		LocalPath: abs,
		Status:    models.GenerationPendingUpload,
		CreatedAt: time.Now(),
	}
	a.Pipeline.StartUpload(asset)
	return asset, nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := getApp(ctx)
	if err != nil {
		return err
	}

	sessionID := ""
	if publishModel != "" {
		asset, err := stageModel(a, publishModel)
		if err != nil {
			return err
		}
		sessionID = asset.SessionID
		fmt.Printf("Uploading %s\n", asset.LocalPath)
	}

	res, err := a.Pipeline.SaveDish(ctx, publishDish.fields(), sessionID)
	if err != nil {
		return err
	}
	printSaved(res.Dish, res.Resolution)
	if sessionID == "" {
		return nil
	}
	return waitForPendingReconcile(ctx, a, res, sessionID)
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := getApp(ctx)
	if err != nil {
		return err
	}

	asset, err := stageModel(a, args[0])
	if err != nil {
		return err
	}
	c, ok := a.Uploads.Get(asset.ID)
	if !ok {
		return errors.New("upload was not started")
	}

	fmt.Printf("Uploading %s to %s\n", asset.LocalPath, c.Task().ObjectPath)
	status, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if status.State != upload.StateCompleted {
		return fmt.Errorf("upload failed: %s", status.Error)
	}
	fmt.Println(*status.URL)
	return nil
}

func printSaved(dish models.DishRecord, res publish.Resolution) {
	fmt.Printf("Saved dish %s (%s)\n", dish.ID, dish.Name)
	switch {
	case !res.Pending():
		fmt.Printf("  Model: %s\n", *res.URL)
	case res.UploadFailed:
		fmt.Println("  Model upload failed; the dish was saved without it.")
	case res.TimedOut:
		fmt.Printf("  Model upload still running after %s; the dish was saved without it.\n", res.Waited.Round(time.Second))
	}
}

// waitForPendingReconcile keeps the process alive until a pending upload
// finishes and its dish has been patched. Interrupting leaves the ledger entry
// for the next reconcile pass.
func waitForPendingReconcile(ctx context.Context, a *app.App, res publish.Result, sessionID string) error {
	if !res.Resolution.Pending() || res.Resolution.UploadFailed {
		if res.Resolution.UploadFailed {
			fmt.Println("Run 'dishcapture ledger reconcile' to retry the upload.")
		}
		return nil
	}
	c, ok := a.Uploads.Get(sessionID)
	if !ok {
		return nil
	}

	fmt.Println("Waiting for the upload to finish (Ctrl+C leaves it for the next reconcile)...")
	status, err := c.Wait(ctx)
	if err != nil {
		return nil
	}
	if status.State != upload.StateCompleted {
		fmt.Printf("Upload failed: %s\nRun 'dishcapture ledger reconcile' to retry.\n", status.Error)
		return nil
	}

	if _, err := a.Pipeline.Reconcile(ctx); err != nil {
		return err
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := a.Ledger.Get(ctx, res.Dish.ID); errors.Is(err, ledger.ErrNotFound) {
			fmt.Printf("Dish %s now has its model: %s\n", res.Dish.ID, *status.URL)
			return nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil
		}
	}
	fmt.Println("Dish not patched yet; it stays in the pending-upload ledger.")
	return nil
}

// reconcileInBackground runs the startup reconcile pass without blocking the
// command.
func reconcileInBackground(ctx context.Context) {
	a := application
	if a == nil {
		return
	}
	go func() {
		report, err := a.Pipeline.Reconcile(ctx)
		if err != nil {
			logger.Warn("startup reconcile failed", "error", err)
			return
		}
		if report.Checked > 0 {
			logger.Info("startup reconcile finished", "checked", report.Checked, "reconciled", report.Reconciled, "failed", report.Failed, "dropped", report.Dropped)
		}
	}()
}
