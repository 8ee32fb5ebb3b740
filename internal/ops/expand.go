package ops

import (
	"context"
	"database/sql"
	"strings"

	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/schema"
)

// ExpandInput contains parameters for the Expand operation.
type ExpandInput struct {
	Table       string
	TypeColumns map[string]string // column -> field type
}

// Expand backfills the field columns of a synced table from stored raw
// payloads in one transaction.
func Expand(ctx context.Context, database *sql.DB, input ExpandInput) (*schema.ExpandResult, error) {
	table := strings.TrimSpace(input.Table)
	if table == "" {
		return nil, errors.NewInvalidRequest("table is required")
	}

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := schema.Expand(ctx, tx, table, input.TypeColumns)
	if err != nil {
		return nil, coded(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return res, nil
}
