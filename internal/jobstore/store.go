package jobstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"memecraft-jobsync/internal/models"
)

// OnChange receives the full snapshot of a collection after any mutation under it.
type OnChange func(models.Snapshot)

// Unsubscribe stops a subscription. It is idempotent and safe to call from inside OnChange.
type Unsubscribe func()

// Store is a remote keyed, multi-writer, push-subscribable collection store.
//
// All operations fail with jobserr.ErrStoreUnavailable on transient transport
// problems and jobserr.ErrPermissionDenied when the backend refuses access.
type Store interface {
	// Submit appends rec under path and returns the store-assigned key. It never overwrites.
	Submit(ctx context.Context, path string, rec models.JobRecord) (string, error)
	// Subscribe delivers the current snapshot and then one snapshot per mutation under path.
	Subscribe(ctx context.Context, path string, onChange OnChange) (Unsubscribe, error)
	// Get reads the collection once.
	Get(ctx context.Context, path string) (models.Snapshot, error)
	// Update merges patch into the record stored under key. Last write wins.
	Update(ctx context.Context, path, key string, patch models.Patch) error
}

// NewKey returns a store key. Keys sort lexicographically in creation order.
func NewKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func encodeRecord(rec models.JobRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

func decodeRecord(key string, data []byte) (models.JobRecord, error) {
	var rec models.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.JobRecord{}, fmt.Errorf("unmarshal record %s: %w", key, err)
	}
	rec.Key = key
	return rec, nil
}
