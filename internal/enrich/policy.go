// Package enrich decides whether list-view records need per-record detail
// fetches, and performs those fetches on a bounded worker pool.
package enrich

import (
	"fmt"
	"strings"

	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/record"
)

// Policy is a collection's enrichment setting.
type Policy string

const (
	PolicyOff    Policy = "off"
	PolicyAuto   Policy = "auto"
	PolicyAlways Policy = "always"
)

// Defaults for the per-collection enrichment knobs.
const (
	DefaultWorkers    = 8
	DefaultProbe      = 20
	DefaultSampleSize = 20

	// EmptyRatio is the share of field-less records at which the heuristic
	// asks for enrichment.
	EmptyRatio = 0.8
	// MinCoverage is the list-view coverage of reference cells below which
	// enrichment is required.
	MinCoverage = 0.9
)

// ParsePolicy accepts the spellings used in batch files. Empty means always.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "false", "no", "off":
		return PolicyOff, nil
	case "auto":
		return PolicyAuto, nil
	case "", "1", "true", "yes", "on", "always":
		return PolicyAlways, nil
	}
	return "", errors.NewInvalidRequest(fmt.Sprintf("invalid enrich_details value %q (want 0, auto or 1)", s))
}

// ParseBool reads a batch-file flag.
func ParseBool(s string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	}
	return false, false
}

// Options are the enrichment knobs of one collection.
type Options struct {
	Policy  Policy
	Workers int
	// Probe is the number of candidates fetched before committing to a batch.
	Probe int
	// Max caps detail fetches per run. 0 means unlimited.
	Max int
}

// DefaultOptions returns the settings used when a collection sets nothing.
func DefaultOptions() Options {
	return Options{Policy: PolicyAlways, Workers: DefaultWorkers, Probe: DefaultProbe}
}

// NeedsEnrichment is the fast heuristic: true when at least EmptyRatio of
// recs carry no field data.
func NeedsEnrichment(recs []record.Record) bool {
	if len(recs) == 0 {
		return false
	}
	empty := 0
	for _, r := range recs {
		if !r.HasFields() {
			empty++
		}
	}
	return float64(empty)/float64(len(recs)) >= EmptyRatio
}
