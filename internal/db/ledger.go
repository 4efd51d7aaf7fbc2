package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/ledger"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

type pendingUploadRow struct {
	ID        surrealmodels.RecordID `json:"id"`
	DishID    string                 `json:"dish_id"`
	LocalPath string                 `json:"local_path"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
}

func (r pendingUploadRow) record() models.PendingUploadRecord {
	dishID := r.DishID
	if dishID == "" {
		// Rows are keyed by dish ID.
		if key, ok := r.ID.ID.(string); ok {
			dishID = key
		}
	}
	return models.PendingUploadRecord{
		DishID:    dishID,
		LocalPath: r.LocalPath,
		SessionID: r.SessionID,
		CreatedAt: r.Timestamp,
	}
}

// LedgerStore is a ledger.Store backed by the pending_upload table.
type LedgerStore struct {
	client *Client
}

// NewLedgerStore returns a store using client.
func NewLedgerStore(client *Client) *LedgerStore {
	return &LedgerStore{client: client}
}

func (s *LedgerStore) List(ctx context.Context) ([]models.PendingUploadRecord, error) {
	results, err := surrealdb.Query[[]pendingUploadRow](ctx, s.client.db, `
		SELECT * FROM pending_upload ORDER BY timestamp ASC
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("list pending uploads: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}

	rows := (*results)[0].Result
	recs := make([]models.PendingUploadRecord, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, r.record())
	}
	return recs, nil
}

// Append inserts rec. A row already present for the dish is left unchanged.
func (s *LedgerStore) Append(ctx context.Context, rec models.PendingUploadRecord) error {
	_, err := surrealdb.Query[any](ctx, s.client.db, `
		CREATE type::record("pending_upload", $dish_id) CONTENT {
			dish_id: $dish_id,
			local_path: $local_path,
			session_id: $session_id,
			timestamp: $timestamp
		}
	`, map[string]any{
		"dish_id":    rec.DishID,
		"local_path": rec.LocalPath,
		"session_id": rec.SessionID,
		"timestamp":  rec.CreatedAt.UTC(),
	})
	if err := wrapQueryError(err); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("append pending upload: %w", err)
	}
	return nil
}

func (s *LedgerStore) Remove(ctx context.Context, dishID string) error {
	_, err := surrealdb.Query[any](ctx, s.client.db, `
		DELETE type::record("pending_upload", $dish_id)
	`, map[string]any{"dish_id": dishID})
	if err != nil {
		return fmt.Errorf("remove pending upload: %w", wrapQueryError(err))
	}
	return nil
}

var _ ledger.Store = (*LedgerStore)(nil)
