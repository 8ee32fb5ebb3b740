package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/hpungsan/memsync/internal/db"
	"github.com/hpungsan/memsync/internal/enrich"
	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/paginate"
	"github.com/hpungsan/memsync/internal/record"
	"github.com/hpungsan/memsync/internal/schema"
)

// samplePages bounds the pages read for a reference comparison.
const samplePages = 2

var errSampleDone = stderrors.New("sample complete")

// run is the state of one collection pass: capabilities, watermark, the
// enrichment decision and running counts.
type run struct {
	engine *Engine
	c      *Collection
	logger *slog.Logger
	res    *Result

	table      *schema.Table
	recordsURL string
	caps       paginate.Capabilities
	// watermark is the checkpoint loaded at start; records older than it are
	// dropped client-side.
	watermark string
	// maxSeen is the newest modification time among all fetched records.
	maxSeen string
	// unchanged holds ids enrichment skipped because the stored row is
	// current. They are not rewritten.
	unchanged map[string]bool

	decider  *enrich.Decider
	enricher *enrich.Enricher
}

func (r *run) execute(ctx context.Context) error {
	e, c := r.engine, r.c
	if c.LibraryID == "" {
		return errors.NewMissingConfig(c.Name, KeyLibraryID)
	}

	ref, err := e.loadReference(c)
	if err != nil {
		return err
	}
	r.table = &schema.Table{
		Name:          c.Table,
		TimeColumn:    c.TimeColumn,
		RequireFields: c.RequireFields,
	}
	if ref != nil {
		r.table.Reference = ref.ValueColumns()
		r.logger.Debug("reference export loaded",
			slog.String("path", ref.Path),
			slog.Int("rows", ref.Len()),
			slog.String("signature", ref.Signature),
		)
	}
	added, err := r.table.Ensure(ctx, e.DB)
	if err != nil {
		return err
	}
	r.res.ColumnsAdded = append(r.res.ColumnsAdded, added...)

	if c.Mode == ModeIncremental {
		if r.watermark, err = db.GetCheckpoint(ctx, e.DB, c.LibraryID); err != nil {
			return err
		}
		r.res.CheckpointBefore = r.watermark
		r.res.CheckpointAfter = r.watermark
	}

	r.recordsURL = e.Client.Endpoint("collections", c.LibraryID, "records")
	r.caps = paginate.Probe(ctx, e.Client, r.recordsURL, r.logger)
	r.res.Capabilities = r.caps
	if err := ctx.Err(); err != nil {
		return err
	}

	params := r.baseParams()
	if r.watermark != "" && r.caps.FilterAccepted() {
		params.Set(r.caps.FilterParam, r.watermark)
	}
	r.logger.Info("sync started",
		slog.String("table", c.Table),
		slog.String("mode", string(c.Mode)),
		slog.String("checkpoint", r.watermark),
		slog.String("sort_key", r.caps.SortKey),
		slog.String("filter_param", r.caps.FilterParam),
	)

	store := e.Store
	if store == nil {
		store = &enrich.SQLStore{DB: e.DB}
	}
	r.decider = &enrich.Decider{
		Policy:       c.Enrich.Policy,
		CollectionID: c.LibraryID,
		Reference:    ref,
		Persisted:    c.Decision,
		Store:        store,
		Sample:       r.sample,
		WriteBack:    e.writeBack(c),
		Logger:       r.logger,
	}
	r.enricher = &enrich.Enricher{
		Fetcher:      e.Client,
		CollectionID: c.LibraryID,
		Options:      c.Enrich,
		Logger:       r.logger,
	}

	w := &paginate.Walker{
		Fetcher: e.Client,
		Caps:    r.caps,
		Limit:   c.Limit,
		Logger:  r.logger,
		Expand:  r.expand,
	}
	stats, err := w.Walk(ctx, r.recordsURL, params, func(p paginate.Page) error {
		return r.writePage(ctx, p)
	})
	r.res.Strategy = stats.Strategy
	if err != nil {
		return err
	}

	r.backfill(ctx)
	return nil
}

func (r *run) baseParams() url.Values {
	params := url.Values{}
	if r.caps.SortAccepted() {
		params.Set("sort", r.caps.SortKey)
	}
	return params
}

// keep reports whether a record is written: active, and not older than the
// loaded watermark. Records equal to the watermark are kept.
func (r *run) keep(rec record.Record) (ok bool, inactive bool) {
	if !rec.IsActive() {
		return false, true
	}
	if r.watermark != "" {
		if ts := rec.Timestamp(); ts != "" && record.CompareTime(ts, r.watermark) < 0 {
			return false, false
		}
	}
	return true, false
}

// expand runs before each page is written: decide, then fetch details for
// the records that will be written.
func (r *run) expand(ctx context.Context, page int, recs []record.Record) ([]record.Record, error) {
	var idx []int
	var cands []record.Record
	for i, rec := range recs {
		if ok, _ := r.keep(rec); ok {
			idx = append(idx, i)
			cands = append(cands, rec)
		}
	}
	if len(cands) == 0 {
		return recs, nil
	}

	dec, err := r.decider.Decide(ctx, cands)
	if err != nil {
		return nil, err
	}
	if r.res.Decision == nil || r.res.Decision.Needed != dec.Needed {
		r.logger.Debug("enrichment decision",
			slog.Int("page", page),
			slog.Bool("needed", dec.Needed),
			slog.String("source", dec.Source),
		)
	}
	r.res.Decision = &dec
	if !dec.Needed {
		return recs, nil
	}

	ids := make([]string, 0, len(cands))
	for _, rec := range cands {
		if rec.ID != "" {
			ids = append(ids, rec.ID)
		}
	}
	local, err := schema.LocalModified(ctx, r.engine.DB, r.c.Table, ids)
	if err != nil {
		return nil, err
	}

	picked, _ := enrich.SelectCandidates(cands, local)
	isCandidate := make(map[int]bool, len(picked))
	for _, j := range picked {
		isCandidate[j] = true
	}
	for j, rec := range cands {
		if _, stored := local[rec.ID]; stored && !isCandidate[j] {
			r.unchanged[rec.ID] = true
		}
	}

	enriched, stats, err := r.enricher.Enrich(ctx, cands, local)
	r.res.Enrich.Add(stats)
	if err != nil {
		return nil, err
	}

	out := make([]record.Record, len(recs))
	copy(out, recs)
	for j, i := range idx {
		out[i] = enriched[j]
	}
	return out, nil
}

// writePage commits one page: rows first, then the checkpoint, in a single
// transaction.
func (r *run) writePage(ctx context.Context, p paginate.Page) error {
	e, c := r.engine, r.c

	var write []record.Record
	inactive, old := 0, 0
	for _, rec := range p.Records {
		r.maxSeen = record.MaxTime(r.maxSeen, rec.Timestamp())
		ok, isInactive := r.keep(rec)
		switch {
		case ok && r.unchanged[rec.ID]:
		case ok:
			write = append(write, rec)
		case isInactive:
			inactive++
		default:
			old++
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := r.table.WritePage(ctx, tx, write)
	if err != nil {
		return fmt.Errorf("page %d: %w", p.Index, err)
	}

	checkpoint := r.res.CheckpointAfter
	if c.Mode == ModeIncremental && r.maxSeen != "" {
		if checkpoint, err = db.AdvanceCheckpoint(ctx, tx, c.LibraryID, r.maxSeen); err != nil {
			return err
		}
	}
	if err := db.AuditDML(ctx, tx, r.res.RunID, c.Table, p.Index, res.Inserted, res.Updated, checkpoint); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}

	r.res.Pages++
	r.res.Fetched += p.RawCount
	r.res.Inserted += res.Inserted
	r.res.Updated += res.Updated
	r.res.SkippedInactive += inactive
	r.res.SkippedOld += old
	r.res.SkippedNoID += res.SkippedNoID
	r.res.ColumnsAdded = append(r.res.ColumnsAdded, res.ColumnsAdded...)
	r.res.CheckpointAfter = checkpoint

	r.logger.Info("page written",
		slog.Int("page", p.Index),
		slog.String("strategy", p.Strategy.String()),
		slog.Int("raw", p.RawCount),
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
		slog.Int("skipped_inactive", inactive),
		slog.Int("skipped_old", old),
		slog.String("checkpoint", checkpoint),
		slog.Duration("elapsed", p.Elapsed),
	)
	return nil
}

// sample reads up to limit active list-view records from the first pages,
// unfiltered and without enrichment.
func (r *run) sample(ctx context.Context, limit int) ([]record.Record, error) {
	w := &paginate.Walker{
		Fetcher: r.engine.Client,
		Caps:    r.caps,
		Limit:   r.c.Limit,
		Logger:  r.logger,
	}
	var out []record.Record
	_, err := w.Walk(ctx, r.recordsURL, r.baseParams(), func(p paginate.Page) error {
		for _, rec := range p.Records {
			if rec.IsActive() && len(out) < limit {
				out = append(out, rec)
			}
		}
		if len(out) >= limit || p.Index+1 >= samplePages {
			return errSampleDone
		}
		return nil
	})
	if err != nil && !stderrors.Is(err, errSampleDone) {
		return nil, err
	}
	return out, nil
}

// backfill fills still-empty field columns from raw. Failures are logged.
func (r *run) backfill(ctx context.Context) {
	e := r.engine
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		r.logger.Warn("backfill skipped", slog.String("error", err.Error()))
		return
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := schema.Expand(ctx, tx, r.c.Table, r.c.TypeColumns)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		r.logger.Warn("backfill failed", slog.String("error", err.Error()))
		return
	}
	r.res.Backfilled = res.Filled
	r.res.ColumnsAdded = append(r.res.ColumnsAdded, res.ColumnsAdded...)
	if res.Filled > 0 {
		r.logger.Info("backfilled field columns", slog.Int("filled", res.Filled))
	}
}
