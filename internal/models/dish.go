package models

import "time"

// DishStatus is the publication state of a catalog dish.
type DishStatus string

const (
	DishDraft     DishStatus = "draft"
	DishPublished DishStatus = "published"
)

// DishFields are the writable columns of the catalog dishes resource.
type DishFields struct {
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Price            float64           `json:"price"`
	Category         string            `json:"category,omitempty"`
	Model3DURL       *string           `json:"model_3d_url"`
	ImageURL         *string           `json:"image_url,omitempty"`
	GenerationStatus *GenerationStatus `json:"generation_status,omitempty"`
	Status           DishStatus        `json:"status,omitempty"`
	RestaurantID     string            `json:"restaurant_id,omitempty"`
}

// DishRecord is a dish row as returned by the catalog.
type DishRecord struct {
	ID string `json:"id"`
	DishFields
	CreatedAt time.Time `json:"created_at"`
}

// PendingUploadRecord is a dish that was saved before its model upload finished.
type PendingUploadRecord struct {
	DishID    string    `json:"dish_id" yaml:"dish_id"`
	LocalPath string    `json:"local_path" yaml:"local_path"`
	SessionID string    `json:"session_id" yaml:"session_id"`
	CreatedAt time.Time `json:"timestamp" yaml:"timestamp"`
}
