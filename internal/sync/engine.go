package sync

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hpungsan/memsync/internal/config"
	"github.com/hpungsan/memsync/internal/db"
	"github.com/hpungsan/memsync/internal/enrich"
	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/paginate"
	"github.com/hpungsan/memsync/internal/reference"
)

// Remote is the part of remote.Client a run needs.
type Remote interface {
	paginate.Fetcher
	enrich.DetailFetcher
	Endpoint(segments ...string) string
}

// Engine syncs collections into DB. Fields are read-only during a run.
type Engine struct {
	DB     *sql.DB
	Client Remote
	// Store caches enrichment decisions. Nil uses the enrich_decisions table.
	Store enrich.DecisionStore
	// BatchPath, when set, receives decision write-back and anchors relative
	// reference paths.
	BatchPath string
	Logger    *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Result summarizes one collection run.
type Result struct {
	RunID            string                `json:"run_id"`
	Collection       string                `json:"collection"`
	CollectionID     string                `json:"collection_id"`
	Table            string                `json:"table"`
	Mode             Mode                  `json:"mode"`
	CheckpointBefore string                `json:"checkpoint_before,omitempty"`
	CheckpointAfter  string                `json:"checkpoint_after,omitempty"`
	Capabilities     paginate.Capabilities `json:"capabilities"`
	Strategy         paginate.Strategy     `json:"strategy"`
	Pages            int                   `json:"pages"`
	Fetched          int                   `json:"fetched"`
	Inserted         int                   `json:"inserted"`
	Updated          int                   `json:"updated"`
	SkippedInactive  int                   `json:"skipped_inactive"`
	SkippedOld       int                   `json:"skipped_old"`
	SkippedNoID      int                   `json:"skipped_no_id"`
	ColumnsAdded     []string              `json:"columns_added,omitempty"`
	Decision         *enrich.Decision      `json:"decision,omitempty"`
	Enrich           enrich.Stats          `json:"enrich"`
	Backfilled       int                   `json:"backfilled"`
	DurationMS       int64                 `json:"duration_ms"`
}

// Run syncs one collection. Pages committed before a failure stay committed,
// along with the checkpoint they advanced. Every run is recorded in sync_runs.
func (e *Engine) Run(ctx context.Context, c *Collection) (*Result, error) {
	started := time.Now()
	r := &run{
		engine:    e,
		c:         c,
		unchanged: map[string]bool{},
		res: &Result{
			RunID:        db.NewRunID(),
			Collection:   c.Name,
			CollectionID: c.LibraryID,
			Table:        c.Table,
			Mode:         c.Mode,
		},
	}
	r.logger = e.logger().With(
		slog.String("collection", c.Name),
		slog.String("run_id", r.res.RunID),
	)

	startedAt := db.Now()
	err := r.execute(ctx)
	r.res.DurationMS = time.Since(started).Milliseconds()

	rec := &db.Run{
		ID:               r.res.RunID,
		Collection:       c.Name,
		CollectionID:     c.LibraryID,
		Table:            c.Table,
		Mode:             string(c.Mode),
		Status:           db.RunOK,
		StartedAt:        startedAt,
		FinishedAt:       db.Now(),
		CheckpointBefore: r.res.CheckpointBefore,
		CheckpointAfter:  r.res.CheckpointAfter,
		Pages:            r.res.Pages,
		Fetched:          r.res.Fetched,
		Inserted:         r.res.Inserted,
		Updated:          r.res.Updated,
		SkippedInactive:  r.res.SkippedInactive,
		SkippedUnchanged: r.res.Enrich.SkippedUnchanged,
		Enriched:         r.res.Enrich.Enriched,
		EnrichFailed:     r.res.Enrich.Failed,
	}
	if err != nil {
		rec.Status = db.RunFailed
		rec.Error = err.Error()
	}
	// Record the run even when the caller's context is already done.
	if insErr := db.InsertRun(context.WithoutCancel(ctx), e.DB, rec); insErr != nil {
		r.logger.Warn("recording run failed", slog.String("error", insErr.Error()))
	}

	if err != nil {
		r.logger.Error("sync failed",
			slog.String("error", err.Error()),
			slog.Int("pages", r.res.Pages),
			slog.Int("inserted", r.res.Inserted),
			slog.String("checkpoint", r.res.CheckpointAfter),
		)
		return r.res, err
	}
	r.logger.Info("sync finished",
		slog.String("table", c.Table),
		slog.Int("pages", r.res.Pages),
		slog.Int("fetched", r.res.Fetched),
		slog.Int("inserted", r.res.Inserted),
		slog.Int("updated", r.res.Updated),
		slog.Int("skipped_inactive", r.res.SkippedInactive),
		slog.Int("skipped_unchanged", r.res.Enrich.SkippedUnchanged),
		slog.Int("enriched", r.res.Enrich.Enriched),
		slog.String("checkpoint", r.res.CheckpointAfter),
		slog.Duration("elapsed", time.Since(started)),
	)
	return r.res, nil
}

// loadReference reads the collection's reference export, if any.
func (e *Engine) loadReference(c *Collection) (*reference.Export, error) {
	if c.Reference == "" {
		return nil, nil
	}
	path := c.Reference
	if !filepath.IsAbs(path) && e.BatchPath != "" {
		path = filepath.Join(filepath.Dir(e.BatchPath), path)
	}
	exp, err := reference.Load(path, c.ReferenceIDColumn)
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	return exp, nil
}

// writeBack records a reference decision in the batch file.
func (e *Engine) writeBack(c *Collection) func(enrich.Decision) error {
	if e.BatchPath == "" || c.Name == "" {
		return nil
	}
	return func(d enrich.Decision) error {
		needed := "0"
		if d.Needed {
			needed = "1"
		}
		return config.UpdateBatchValues(e.BatchPath, c.Name, map[string]string{
			KeyEnrichDecision:  needed,
			KeyEnrichSignature: d.Signature,
		})
	}
}

// Failure is a collection that failed within a batch.
type Failure struct {
	Collection string `json:"collection"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// BatchResult summarizes RunBatch.
type BatchResult struct {
	// Inserted is the number of new rows across every collection.
	Inserted int        `json:"inserted"`
	Results  []*Result  `json:"results"`
	Failures []*Failure `json:"failures,omitempty"`
}

// RunBatch syncs every section of batch in order (sorted by name when order
// is empty). A failing collection is recorded and the batch continues; only
// context cancellation stops it early.
func (e *Engine) RunBatch(ctx context.Context, batch map[string]map[string]string, order []string) (*BatchResult, error) {
	out := &BatchResult{Results: []*Result{}}
	for _, name := range SectionNames(batch, order) {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		c, err := ParseCollection(name, batch[name])
		if err == nil {
			var res *Result
			res, err = e.Run(ctx, c)
			if res != nil {
				out.Results = append(out.Results, res)
				out.Inserted += res.Inserted
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			out.Failures = append(out.Failures, failureOf(name, err))
		}
	}
	e.logger().Info("batch finished",
		slog.Int("collections", len(out.Results)),
		slog.Int("failures", len(out.Failures)),
		slog.Int("inserted", out.Inserted),
	)
	return out, nil
}

func failureOf(name string, err error) *Failure {
	f := &Failure{Collection: name, Code: string(errors.ErrInternal), Message: err.Error()}
	if se, ok := errors.As(err); ok {
		f.Code = string(se.Code)
		f.Message = se.Message
	}
	return f
}
