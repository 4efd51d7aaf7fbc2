// Package catalog is the client for the remote dish catalog (a PostgREST-style
// REST surface).
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/metrics"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/raphaelgruber/dishcapture/internal/remote"
)

const (
	dishesPath   = "/rest/v1/dishes"
	profilesPath = "/rest/v1/profiles"
)

// ErrEmptyResponse is returned when the catalog accepted a write but returned
// no representation.
var ErrEmptyResponse = errors.New("catalog returned no rows")

// Session is the subset of the auth session the catalog needs.
type Session interface {
	UserID() (string, error)
	Invalidate(reason string)
}

// Client creates and updates dish records.
type Client struct {
	remote  *remote.Client
	session Session
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewClient creates a catalog client over rc. collector may be nil.
func NewClient(rc *remote.Client, session Session, collector *metrics.Collector, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		remote:  rc,
		session: session,
		metrics: collector,
		logger:  logger,
	}
}

// CreateDish inserts a dish and returns the stored record. A referential
// integrity violation is returned as *remote.ConflictError.
func (c *Client) CreateDish(ctx context.Context, fields models.DishFields) (models.DishRecord, error) {
	var rows []models.DishRecord
	err := c.call(ctx, "create dish", http.MethodPost, dishesPath, nil, preferRepresentation(), fields, &rows)
	if err != nil {
		return models.DishRecord{}, err
	}
	if len(rows) == 0 {
		return models.DishRecord{}, fmt.Errorf("create dish: %w", ErrEmptyResponse)
	}

	c.logger.Info("dish created", "dish_id", rows[0].ID, "generation_status", statusAttr(rows[0].GenerationStatus))
	return rows[0], nil
}

// dishUpdate is the partial body for UpdateDish. model_3d_url is always sent
// so a nil URL clears the column.
type dishUpdate struct {
	Model3DURL       *string                 `json:"model_3d_url"`
	GenerationStatus models.GenerationStatus `json:"generation_status"`
}

// UpdateDish sets the model URL and generation status of an existing dish.
func (c *Client) UpdateDish(ctx context.Context, id string, modelURL *string, status models.GenerationStatus) error {
	query := url.Values{"id": {"eq." + id}}
	err := c.call(ctx, "update dish", http.MethodPatch, dishesPath, query, nil,
		dishUpdate{Model3DURL: modelURL, GenerationStatus: status}, nil)
	if err != nil {
		return err
	}

	c.logger.Info("dish updated", "dish_id", id, "generation_status", status)
	return nil
}

// GetDish fetches one dish by ID.
func (c *Client) GetDish(ctx context.Context, id string) (models.DishRecord, error) {
	var rows []models.DishRecord
	query := url.Values{"id": {"eq." + id}, "select": {"*"}}
	if err := c.call(ctx, "get dish", http.MethodGet, dishesPath, query, nil, nil, &rows); err != nil {
		return models.DishRecord{}, err
	}
	if len(rows) == 0 {
		return models.DishRecord{}, &remote.ServerError{StatusCode: http.StatusNotFound, Message: "dish " + id + " not found"}
	}
	return rows[0], nil
}

// ListDishes returns the most recent dishes, optionally filtered by restaurant.
func (c *Client) ListDishes(ctx context.Context, restaurantID string, limit int) ([]models.DishRecord, error) {
	query := url.Values{"select": {"*"}, "order": {"created_at.desc"}}
	if restaurantID != "" {
		query.Set("restaurant_id", "eq."+restaurantID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var rows []models.DishRecord
	if err := c.call(ctx, "list dishes", http.MethodGet, dishesPath, query, nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// CreateProfile inserts the parent profile row for the signed-in user.
func (c *Client) CreateProfile(ctx context.Context) error {
	userID, err := c.session.UserID()
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}

	header := http.Header{}
	header.Set("Prefer", "resolution=ignore-duplicates")
	body := map[string]string{"id": userID}
	if err := c.call(ctx, "create profile", http.MethodPost, profilesPath, nil, header, body, nil); err != nil {
		return err
	}

	c.logger.Info("profile created", "user_id", userID)
	return nil
}

func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, header http.Header, in, out any) error {
	start := time.Now()
	err := c.remote.DoJSON(ctx, op, method, path, query, header, in, out)
	if err != nil {
		c.metrics.RecordFailure(metrics.OpCatalogCall, time.Since(start))
		if remote.IsAuthExpired(err) && c.session != nil {
			c.session.Invalidate(op + ": " + err.Error())
		}
		return err
	}
	c.metrics.RecordTiming(metrics.OpCatalogCall, time.Since(start))
	return nil
}

func preferRepresentation() http.Header {
	h := http.Header{}
	h.Set("Prefer", "return=representation")
	return h
}

func statusAttr(s *models.GenerationStatus) string {
	if s == nil {
		return ""
	}
	return string(*s)
}
