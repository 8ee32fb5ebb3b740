package ops

import (
	"context"
	"database/sql"

	"github.com/hpungsan/memsync/internal/db"
)

// StatusInput contains parameters for the Status operation.
type StatusInput struct {
	Collection   string // filters runs by batch section name
	CollectionID string // filters checkpoints by remote collection id
	Limit        int    // runs returned; default 20, max 200
}

// StatusOutput contains the result of the Status operation.
type StatusOutput struct {
	Checkpoints []db.Checkpoint `json:"checkpoints"`
	Runs        []db.Run        `json:"runs"`
}

// Status reports stored checkpoints and recent runs, newest first.
func Status(ctx context.Context, database *sql.DB, input StatusInput) (*StatusOutput, error) {
	cps, err := db.ListCheckpoints(ctx, database)
	if err != nil {
		return nil, err
	}
	checkpoints := make([]db.Checkpoint, 0, len(cps))
	for _, cp := range cps {
		if input.CollectionID == "" || cp.CollectionID == input.CollectionID {
			checkpoints = append(checkpoints, cp)
		}
	}

	runs, err := db.ListRuns(ctx, database, input.Collection, runLimit(input.Limit))
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []db.Run{}
	}

	return &StatusOutput{Checkpoints: checkpoints, Runs: runs}, nil
}
