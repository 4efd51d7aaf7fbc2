package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/models"
)

// DishUpdate records one Catalog.UpdateDish call.
type DishUpdate struct {
	ID       string
	ModelURL *string
	Status   models.GenerationStatus
}

// Catalog is an in-memory dish catalog. Queued errors are returned by the
// next calls of the matching operation, in order.
type Catalog struct {
	mu         sync.Mutex
	dishes     map[string]models.DishRecord
	created    []models.DishFields
	updates    []DishUpdate
	profiles   int
	createErrs []error
	updateErrs []error
	profileErr error
	seq        int
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{dishes: make(map[string]models.DishRecord)}
}

// FailCreate queues errors for CreateDish.
func (c *Catalog) FailCreate(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createErrs = append(c.createErrs, errs...)
}

// FailUpdate queues errors for UpdateDish.
func (c *Catalog) FailUpdate(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateErrs = append(c.updateErrs, errs...)
}

// FailProfile makes every CreateProfile call return err.
func (c *Catalog) FailProfile(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profileErr = err
}

func (c *Catalog) CreateDish(ctx context.Context, fields models.DishFields) (models.DishRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.created = append(c.created, fields)
	if len(c.createErrs) > 0 {
		err := c.createErrs[0]
		c.createErrs = c.createErrs[1:]
		if err != nil {
			return models.DishRecord{}, err
		}
	}

	c.seq++
	rec := models.DishRecord{ID: fmt.Sprintf("dish-%d", c.seq), DishFields: fields, CreatedAt: time.Now()}
	c.dishes[rec.ID] = rec
	return rec, nil
}

func (c *Catalog) UpdateDish(ctx context.Context, id string, modelURL *string, status models.GenerationStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.updates = append(c.updates, DishUpdate{ID: id, ModelURL: modelURL, Status: status})
	if len(c.updateErrs) > 0 {
		err := c.updateErrs[0]
		c.updateErrs = c.updateErrs[1:]
		if err != nil {
			return err
		}
	}

	rec, ok := c.dishes[id]
	if !ok {
		return fmt.Errorf("dish %s not found", id)
	}
	rec.Model3DURL = modelURL
	rec.GenerationStatus = &status
	c.dishes[id] = rec
	return nil
}

func (c *Catalog) CreateProfile(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles++
	return c.profileErr
}

// Dish returns the stored dish.
func (c *Catalog) Dish(id string) (models.DishRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.dishes[id]
	return rec, ok
}

// CreateCalls returns the fields of every CreateDish call, including failed ones.
func (c *Catalog) CreateCalls() []models.DishFields {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.DishFields(nil), c.created...)
}

// Updates returns the recorded UpdateDish calls.
func (c *Catalog) Updates() []DishUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DishUpdate(nil), c.updates...)
}

// ProfileCalls returns how many times CreateProfile was called.
func (c *Catalog) ProfileCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profiles
}
