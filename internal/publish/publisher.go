package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/remote"
	"github.com/raphaelgruber/dishcapture/internal/upload"
)

// Catalog is the part of the catalog client the publisher writes through.
type Catalog interface {
	CreateDish(ctx context.Context, fields models.DishFields) (models.DishRecord, error)
	CreateProfile(ctx context.Context) error
}

// Ledger records dishes saved without their model URL.
type Ledger interface {
	Append(ctx context.Context, rec models.PendingUploadRecord) error
}

// Uploads starts (or finds) the upload for a model asset.
type Uploads interface {
	StartUpload(asset models.ModelAsset) *upload.Coordinator
}

// Draft is a dish ready to save. Asset is nil for dishes without a model.
type Draft struct {
	Fields models.DishFields
	Asset  *models.ModelAsset
}

// Result is a saved dish and the gate's resolution for its model.
type Result struct {
	Dish       models.DishRecord `json:"dish"`
	Resolution Resolution        `json:"resolution"`
}

// Options configures a Publisher.
type Options struct {
	// OnPending is called after a pending upload has been recorded.
	OnPending func(models.PendingUploadRecord)
	Logger    *slog.Logger
}

// Publisher saves dishes through the gate.
type Publisher struct {
	gate      *Gate
	catalog   Catalog
	ledger    Ledger
	uploads   Uploads
	onPending func(models.PendingUploadRecord)
	logger    *slog.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(gate *Gate, catalog Catalog, ledger Ledger, uploads Uploads, opts Options) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		gate:      gate,
		catalog:   catalog,
		ledger:    ledger,
		uploads:   uploads,
		onPending: opts.OnPending,
		logger:    logger,
	}
}

// SaveDish waits for the draft's model upload within the gate budget, then
// creates the dish. A dish saved without its URL gets exactly one ledger
// entry so it can be reconciled later.
func (p *Publisher) SaveDish(ctx context.Context, draft Draft) (Result, error) {
	fields := draft.Fields
	var res Resolution

	if draft.Asset != nil {
		coord := p.uploads.StartUpload(*draft.Asset)
		res = p.gate.Await(ctx, coord)
		if res.Abandoned {
			return Result{Resolution: res}, fmt.Errorf("save dish: %w", ctx.Err())
		}
		status := res.Status
		fields.Model3DURL = res.URL
		fields.GenerationStatus = &status
	}

	dish, err := p.createWithRepair(ctx, fields)
	if err != nil {
		return Result{Resolution: res}, err
	}
	result := Result{Dish: dish, Resolution: res}

	if draft.Asset == nil || !res.Pending() {
		p.logger.Info("dish published", "dish_id", dish.ID, "model_url", res.URL != nil)
		return result, nil
	}

	rec := models.PendingUploadRecord{
		DishID:    dish.ID,
		LocalPath: draft.Asset.LocalPath,
		SessionID: draft.Asset.SessionID,
	}
	if err := p.ledger.Append(ctx, rec); err != nil {
		return result, fmt.Errorf("record pending upload: %w", err)
	}
	p.logger.Info("dish saved with pending model", "dish_id", dish.ID, "session_id", rec.SessionID,
		"timed_out", res.TimedOut, "upload_failed", res.UploadFailed)

	if p.onPending != nil {
		p.onPending(rec)
	}
	return result, nil
}

// createWithRepair creates the dish. When the catalog rejects it because the
// owner's profile row is missing, the profile is created once and the dish
// retried once; the retry's error is returned unmodified.
func (p *Publisher) createWithRepair(ctx context.Context, fields models.DishFields) (models.DishRecord, error) {
	dish, err := p.catalog.CreateDish(ctx, fields)
	if err == nil {
		return dish, nil
	}

	var conflict *remote.ConflictError
	if !errors.As(err, &conflict) || !conflict.MissingParent() {
		return models.DishRecord{}, err
	}

	p.logger.Warn("dish rejected for missing profile, repairing", "error", err)
	if err := p.catalog.CreateProfile(ctx); err != nil {
		return models.DishRecord{}, fmt.Errorf("repair profile: %w", err)
	}
	return p.catalog.CreateDish(ctx, fields)
}
