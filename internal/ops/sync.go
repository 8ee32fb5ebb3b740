package ops

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/hpungsan/memsync/internal/config"
	"github.com/hpungsan/memsync/internal/enrich"
	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/sync"
)

// SyncInput contains parameters for the Sync operation.
type SyncInput struct {
	BatchPath   string   // defaults to cfg.BatchPath
	Collections []string // batch sections to run; empty runs all, in file order
	Full        bool     // force sync=full for this invocation
}

// SyncOutput contains the result of the Sync operation.
type SyncOutput struct {
	BatchPath string          `json:"batch_path"`
	Inserted  int             `json:"inserted"`
	Results   []*sync.Result  `json:"results"`
	Failures  []*sync.Failure `json:"failures,omitempty"`
}

// Sync runs the collections of a batch file. A collection that fails is
// reported in Failures and the rest still run. Only cancellation, a bad batch
// file or a client that cannot be built fail the whole operation.
func Sync(ctx context.Context, database *sql.DB, cfg *config.Config, input SyncInput) (*SyncOutput, error) {
	batch, err := loadBatch(input.BatchPath, cfg)
	if err != nil {
		return nil, err
	}

	sections, order, err := selectSections(batch, input.Collections)
	if err != nil {
		return nil, err
	}
	if input.Full {
		for name, kv := range sections {
			full := make(map[string]string, len(kv)+1)
			for k, v := range kv {
				full[k] = v
			}
			full[sync.KeySync] = string(sync.ModeFull)
			sections[name] = full
		}
	}

	log := slog.Default().With(slog.String("batch", batch.Path))
	client, err := newClient(cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := enrich.NewStore(cfg.DecisionCacheURL, database)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close() //nolint:errcheck
	}

	engine := &sync.Engine{
		DB:        database,
		Client:    client,
		Store:     store,
		BatchPath: batch.Path,
		Logger:    log,
	}
	res, err := engine.RunBatch(ctx, sections, order)
	if err != nil {
		return nil, coded(err)
	}
	return &SyncOutput{
		BatchPath: batch.Path,
		Inserted:  res.Inserted,
		Results:   res.Results,
		Failures:  res.Failures,
	}, nil
}

// selectSections returns the requested sections (all when names is empty) and
// their run order.
func selectSections(batch *config.Batch, names []string) (map[string]map[string]string, []string, error) {
	if len(names) == 0 {
		out := make(map[string]map[string]string, len(batch.Sections))
		for name := range batch.Sections {
			out[name] = batch.Section(name)
		}
		return out, batch.Order, nil
	}

	out := make(map[string]map[string]string, len(names))
	order := make([]string, 0, len(names))
	for _, name := range names {
		kv := batch.Section(name)
		if kv == nil {
			return nil, nil, errors.NewNotFound(fmt.Sprintf("collection %q in %s", name, batch.Path))
		}
		if _, dup := out[name]; dup {
			continue
		}
		out[name] = kv
		order = append(order, name)
	}
	return out, order, nil
}
