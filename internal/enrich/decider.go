package enrich

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hpungsan/memsync/internal/record"
	"github.com/hpungsan/memsync/internal/reference"
	"github.com/hpungsan/memsync/internal/schema"
)

// Decision sources.
const (
	SourcePolicy    = "policy"
	SourceHeuristic = "heuristic"
	SourceBatch     = "batch"
	SourceStore     = "store"
	SourceReference = "reference"
)

// Decision says whether detail fetches are needed and how that was decided.
type Decision struct {
	Needed     bool    `json:"needed"`
	Source     string  `json:"source"`
	Signature  string  `json:"signature,omitempty"`
	Sampled    int     `json:"sampled,omitempty"`
	Matched    int     `json:"matched,omitempty"`
	Coverage   float64 `json:"coverage,omitempty"`
	Mismatches int     `json:"mismatches,omitempty"`
}

// Persisted is a decision recorded in the batch file.
type Persisted struct {
	Needed    bool
	Signature string
}

// Sampler returns up to limit list-view records, without enrichment, for
// comparison against a reference export.
type Sampler func(ctx context.Context, limit int) ([]record.Record, error)

// Decider makes the enrichment decision for one collection run. With a
// reference export the decision is made once and cached; without one the fast
// heuristic runs on every page.
type Decider struct {
	Policy       Policy
	CollectionID string
	Reference    *reference.Export
	Persisted    *Persisted
	Store        DecisionStore
	// Sample supplies records for the reference comparison. When nil, the
	// first page passed to Decide is used.
	Sample     Sampler
	SampleSize int
	// WriteBack, when set, records a fresh reference decision in the batch file.
	WriteBack func(Decision) error
	Chain     schema.Chain
	Logger    *slog.Logger

	decided *Decision
}

func (d *Decider) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Decide returns the decision for a page of active list-view records.
func (d *Decider) Decide(ctx context.Context, page []record.Record) (Decision, error) {
	switch d.Policy {
	case PolicyOff:
		return Decision{Needed: false, Source: SourcePolicy}, nil
	case PolicyAuto:
	default:
		return Decision{Needed: true, Source: SourcePolicy}, nil
	}

	if d.Reference == nil {
		return Decision{Needed: NeedsEnrichment(page), Source: SourceHeuristic}, nil
	}
	if d.decided != nil {
		return *d.decided, nil
	}

	dec, err := d.decideByReference(ctx, page)
	if err != nil {
		return Decision{}, err
	}
	d.decided = &dec
	return dec, nil
}

func (d *Decider) decideByReference(ctx context.Context, page []record.Record) (Decision, error) {
	logger := d.logger()
	sig := d.Reference.Signature

	if p := d.Persisted; p != nil && p.Signature == sig {
		logger.Debug("enrichment decision from batch file", slog.Bool("needed", p.Needed))
		return Decision{Needed: p.Needed, Source: SourceBatch, Signature: sig}, nil
	}
	if d.Store != nil {
		needed, found, err := d.Store.Get(ctx, d.CollectionID, sig)
		if err != nil {
			logger.Warn("decision store lookup failed", slog.String("error", err.Error()))
		} else if found {
			logger.Debug("enrichment decision from store", slog.Bool("needed", needed))
			return Decision{Needed: needed, Source: SourceStore, Signature: sig}, nil
		}
	}

	size := d.SampleSize
	if size <= 0 {
		size = DefaultSampleSize
	}
	samples := page
	if d.Sample != nil {
		s, err := d.Sample(ctx, size)
		if err != nil {
			if ctx.Err() != nil {
				return Decision{}, ctx.Err()
			}
			logger.Warn("sampling for reference comparison failed, using first page", slog.String("error", err.Error()))
		} else {
			samples = s
		}
	}
	if len(samples) > size {
		samples = samples[:size]
	}

	cmp := Compare(d.Reference, samples, d.Chain)
	dec := Decision{
		Signature:  sig,
		Sampled:    cmp.Sampled,
		Matched:    cmp.Matched,
		Coverage:   cmp.Coverage(),
		Mismatches: cmp.Mismatches,
	}
	if cmp.Matched == 0 {
		// Nothing to compare against; fall back without persisting.
		dec.Needed = NeedsEnrichment(samples)
		dec.Source = SourceHeuristic
		logger.Info("no sampled record found in reference export, using heuristic",
			slog.Int("sampled", cmp.Sampled), slog.Bool("needed", dec.Needed))
		return dec, nil
	}

	dec.Needed = cmp.Mismatches > 0 || dec.Coverage < MinCoverage
	dec.Source = SourceReference
	logger.Info("enrichment decided from reference export",
		slog.Bool("needed", dec.Needed),
		slog.Int("matched", cmp.Matched),
		slog.Int("mismatches", cmp.Mismatches),
		slog.Float64("coverage", dec.Coverage),
	)

	if d.Store != nil {
		if err := d.Store.Put(ctx, d.CollectionID, sig, dec.Needed, SourceReference); err != nil {
			logger.Warn("decision store write failed", slog.String("error", err.Error()))
		}
	}
	if d.WriteBack != nil {
		if err := d.WriteBack(dec); err != nil {
			logger.Warn("decision write-back failed", slog.String("error", err.Error()))
		}
	}
	return dec, nil
}

// Comparison counts how well list-view records reproduce a reference export.
type Comparison struct {
	Sampled int
	// Matched counts sampled records whose id appears in the export.
	Matched int
	// Expected counts non-empty reference cells of matched records.
	Expected int
	// Covered counts expected cells the record resolved to a value.
	Covered    int
	Mismatches int
}

// Coverage is Covered/Expected, or 1 when nothing was expected.
func (c Comparison) Coverage() float64 {
	if c.Expected == 0 {
		return 1
	}
	return float64(c.Covered) / float64(c.Expected)
}

// Compare resolves every reference column for each sampled record and
// compares the values.
func Compare(ref *reference.Export, recs []record.Record, chain schema.Chain) Comparison {
	if chain == nil {
		chain = schema.DefaultChain()
	}
	cmp := Comparison{Sampled: len(recs)}
	cols := ref.ValueColumns()
	for _, r := range recs {
		if r.ID == "" {
			continue
		}
		row, ok := ref.Row(r.ID)
		if !ok {
			continue
		}
		cmp.Matched++
		for _, col := range cols {
			want := strings.TrimSpace(row[col])
			if want == "" {
				continue
			}
			cmp.Expected++
			v, _, ok := chain.Resolve(col, r)
			if !ok {
				continue
			}
			got, ok := record.FormatValue(v)
			if !ok {
				continue
			}
			cmp.Covered++
			if !SameValue(got, want) {
				cmp.Mismatches++
			}
		}
	}
	return cmp
}

// SameValue compares an API value with an exported cell, tolerating number
// and timestamp formatting differences.
func SameValue(got, want string) bool {
	got, want = strings.TrimSpace(got), strings.TrimSpace(want)
	if got == want {
		return true
	}
	if a, err := strconv.ParseFloat(got, 64); err == nil {
		if b, err := strconv.ParseFloat(want, 64); err == nil {
			return a == b
		}
	}
	if a, ok := record.ParseTime(got); ok {
		if b, ok := record.ParseTime(want); ok {
			return a.Equal(b)
		}
	}
	return false
}
