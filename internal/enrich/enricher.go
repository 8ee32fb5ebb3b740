package enrich

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/memsync/internal/record"
)

// DetailFetcher loads the detail view of one record. A missing record is
// (nil, nil).
type DetailFetcher interface {
	GetRecord(ctx context.Context, collectionID, recordID string) (*record.Record, error)
}

// Stats counts one Enrich call.
type Stats struct {
	Candidates       int  `json:"candidates"`
	SkippedUnchanged int  `json:"skipped_unchanged"`
	Fetched          int  `json:"fetched"`
	Enriched         int  `json:"enriched"`
	Failed           int  `json:"failed"`
	Capped           int  `json:"capped"`
	Aborted          bool `json:"aborted"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Candidates += o.Candidates
	s.SkippedUnchanged += o.SkippedUnchanged
	s.Fetched += o.Fetched
	s.Enriched += o.Enriched
	s.Failed += o.Failed
	s.Capped += o.Capped
	s.Aborted = s.Aborted || o.Aborted
}

// Enricher replaces list-view records with their detail view. It keeps
// per-run state: the probe runs once, and Options.Max is a budget for the
// whole run.
type Enricher struct {
	Fetcher      DetailFetcher
	CollectionID string
	Options      Options
	Logger       *slog.Logger

	probed  bool
	aborted bool
	used    int
}

// Aborted reports whether the probe found detail views no richer than lists.
func (e *Enricher) Aborted() bool { return e.aborted }

// SelectCandidates returns the indexes of records that are new (absent from
// local) or strictly newer than their stored modification time, plus the
// number skipped as unchanged. Records without an id cannot be fetched.
func SelectCandidates(recs []record.Record, local map[string]string) (idx []int, unchanged int) {
	for i, r := range recs {
		if r.ID == "" {
			continue
		}
		stored, ok := local[r.ID]
		if !ok {
			idx = append(idx, i)
			continue
		}
		remote := r.Timestamp()
		if remote != "" && (stored == "" || record.CompareTime(remote, stored) > 0) {
			idx = append(idx, i)
			continue
		}
		unchanged++
	}
	return idx, unchanged
}

type fetchResult struct {
	detail *record.Record
	err    error
}

// Enrich fetches details for the candidates among recs and returns a copy of
// recs with those records replaced. Per-record failures keep the list view and
// are counted; only context cancellation is returned as an error.
func (e *Enricher) Enrich(ctx context.Context, recs []record.Record, local map[string]string) ([]record.Record, Stats, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var stats Stats
	if e.aborted {
		stats.Aborted = true
		return recs, stats, nil
	}

	idx, unchanged := SelectCandidates(recs, local)
	stats.Candidates = len(idx)
	stats.SkippedUnchanged = unchanged
	if len(idx) == 0 {
		return recs, stats, nil
	}

	if budget := e.Options.Max; budget > 0 {
		remaining := budget - e.used
		if remaining <= 0 {
			stats.Capped = len(idx)
			return recs, stats, nil
		}
		if len(idx) > remaining {
			stats.Capped = len(idx) - remaining
			idx = idx[:remaining]
		}
	}

	results := make([]fetchResult, len(recs))
	fetch := func(ctx context.Context, i int) {
		d, err := e.Fetcher.GetRecord(ctx, e.CollectionID, recs[i].ID)
		results[i] = fetchResult{detail: d, err: err}
	}

	start := 0
	if !e.probed && e.Options.Probe > 0 {
		e.probed = true
		n := min(e.Options.Probe, len(idx))
		richer := 0
		for _, i := range idx[:n] {
			fetch(ctx, i)
			if ctx.Err() != nil {
				return nil, stats, ctx.Err()
			}
			if d := results[i].detail; d != nil && d.RicherThan(recs[i]) {
				richer++
			}
		}
		e.used += n
		stats.Fetched += n
		if richer == 0 {
			e.aborted = true
			stats.Aborted = true
			logger.Info("detail views are no richer than the list, skipping enrichment for this run",
				slog.Int("probed", n))
			return recs, stats, nil
		}
		logger.Debug("enrichment probe passed", slog.Int("probed", n), slog.Int("richer", richer))
		start = n
	}

	workers := e.Options.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	rest := idx[start:]
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, i := range rest {
		g.Go(func() error {
			fetch(gctx, i)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}
	e.used += len(rest)
	stats.Fetched += len(rest)

	out := make([]record.Record, len(recs))
	copy(out, recs)
	for _, i := range idx {
		res := results[i]
		switch {
		case res.err != nil:
			stats.Failed++
			logger.Warn("detail fetch failed, keeping list data",
				slog.String("id", recs[i].ID), slog.String("error", res.err.Error()))
		case res.detail == nil:
			stats.Failed++
			logger.Warn("detail not found, keeping list data", slog.String("id", recs[i].ID))
		case res.detail.FilledFieldCount() < recs[i].FilledFieldCount():
			logger.Debug("detail poorer than list, keeping list data", slog.String("id", recs[i].ID))
		default:
			out[i] = Merge(recs[i], *res.detail)
			stats.Enriched++
		}
	}
	return out, stats, nil
}

// Merge returns the detail record completed with any top-level keys only the
// list view had, so timestamps and status survive a sparse detail payload.
func Merge(list, detail record.Record) record.Record {
	raw := make(map[string]any, len(detail.Raw)+len(list.Raw))
	for k, v := range detail.Raw {
		raw[k] = v
	}
	for k, v := range list.Raw {
		if _, ok := raw[k]; !ok {
			raw[k] = v
		}
	}
	return record.Parse(raw)
}
