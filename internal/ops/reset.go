package ops

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hpungsan/memsync/internal/config"
	"github.com/hpungsan/memsync/internal/db"
	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/sync"
)

// ResetInput contains parameters for the Reset operation.
// Exactly one of CollectionID or Collection must be set.
type ResetInput struct {
	CollectionID string
	Collection   string // batch section; its library_id is reset
	BatchPath    string // defaults to cfg.BatchPath; used with Collection
}

// ResetOutput contains the result of the Reset operation.
type ResetOutput struct {
	CollectionID string `json:"collection_id"`
	Reset        bool   `json:"reset"`
}

// Reset deletes a collection's checkpoint so the next incremental run
// re-reads it from the beginning. Synced rows are kept.
func Reset(ctx context.Context, database *sql.DB, cfg *config.Config, input ResetInput) (*ResetOutput, error) {
	id := strings.TrimSpace(input.CollectionID)
	name := strings.TrimSpace(input.Collection)
	if id != "" && name != "" {
		return nil, errors.NewInvalidRequest("specify either collection_id or collection, not both")
	}
	if id == "" && name == "" {
		return nil, errors.NewInvalidRequest("must specify either collection_id or collection")
	}

	if name != "" {
		batch, err := loadBatch(input.BatchPath, cfg)
		if err != nil {
			return nil, err
		}
		kv := batch.Section(name)
		if kv == nil {
			return nil, errors.NewNotFound(fmt.Sprintf("collection %q in %s", name, batch.Path))
		}
		if id = strings.TrimSpace(kv[sync.KeyLibraryID]); id == "" {
			return nil, errors.NewMissingConfig(name, sync.KeyLibraryID)
		}
	}

	if err := db.DeleteCheckpoint(ctx, database, id); err != nil {
		return nil, err
	}
	return &ResetOutput{CollectionID: id, Reset: true}, nil
}
