package models

import "time"

// GenerationStatus tracks how far a model asset has progressed towards publication.
// The catalog only ever stores pending_upload or completed.
type GenerationStatus string

const (
	GenerationPendingUpload GenerationStatus = "pending_upload"
	GenerationUploading     GenerationStatus = "uploading"
	GenerationCompleted     GenerationStatus = "completed"
	GenerationFailed        GenerationStatus = "failed"
)

// ModelAsset is a reconstructed model file plus its publication status.
// Status is completed if and only if RemoteURL is set.
type ModelAsset struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	LocalPath string           `json:"local_path"`
	RemoteURL *string          `json:"remote_url,omitempty"`
	Status    GenerationStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// UploadTask describes the transfer of one model asset to remote storage.
type UploadTask struct {
	AssetID    string `json:"asset_id"`
	LocalPath  string `json:"local_path"`
	Bucket     string `json:"bucket"`
	ObjectPath string `json:"object_path"`
	LastError  string `json:"last_error,omitempty"`
	Attempts   int    `json:"attempts"`
}
