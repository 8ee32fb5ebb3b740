// Package sync runs full and incremental passes of remote collections into
// local tables, one page transaction at a time.
package sync

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hpungsan/memsync/internal/enrich"
	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/paginate"
	"github.com/hpungsan/memsync/internal/schema"
)

// Mode selects between checkpointed and from-scratch runs.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

// Batch-file keys read by ParseCollection.
const (
	KeyLibraryID         = "library_id"
	KeyTable             = "table"
	KeyTimeColumn        = "time_column"
	KeyTempoColumn       = "tempo_col"
	KeySync              = "sync"
	KeyLimit             = "limit"
	KeyEnrichDetails     = "enrich_details"
	KeyEnrichWorkers     = "enrich_workers"
	KeyEnrichProbe       = "enrich_probe"
	KeyEnrichMax         = "enrich_max"
	KeyReference         = "reference"
	KeyReferenceIDColumn = "reference_id_column"
	KeyRequireFields     = "require_fields"
	KeyEnrichDecision    = "enrich_decision"
	KeyEnrichSignature   = "enrich_signature"
	KeyTypeColumns       = "type_columns"
)

// Collection is the parsed configuration of one remote collection.
type Collection struct {
	Name       string `json:"name"`
	LibraryID  string `json:"library_id"`
	Table      string `json:"table"`
	TimeColumn string `json:"time_column"`
	Mode       Mode   `json:"mode"`
	Limit      int    `json:"limit"`

	Enrich enrich.Options `json:"-"`

	// Reference is the path of a CSV export; relative paths are resolved
	// against the batch file's directory.
	Reference         string `json:"reference,omitempty"`
	ReferenceIDColumn string `json:"reference_id_column,omitempty"`
	RequireFields     bool   `json:"require_fields,omitempty"`

	// Decision is the enrichment decision persisted in the batch file.
	Decision *enrich.Persisted `json:"-"`

	// TypeColumns maps extra columns to a field type for backfill.
	TypeColumns map[string]string `json:"type_columns,omitempty"`
}

// ParseCollection builds a Collection from one batch-file section. A missing
// library_id is not an error here; Engine.Run rejects it before any request.
func ParseCollection(name string, kv map[string]string) (*Collection, error) {
	get := func(key string) string { return strings.TrimSpace(kv[key]) }

	c := &Collection{
		Name:       name,
		LibraryID:  get(KeyLibraryID),
		Table:      get(KeyTable),
		TimeColumn: get(KeyTimeColumn),
		Mode:       ModeIncremental,
		Limit:      paginate.DefaultLimit,
		Enrich:     enrich.DefaultOptions(),
		Reference:  get(KeyReference),

		ReferenceIDColumn: get(KeyReferenceIDColumn),
	}
	if c.Table == "" {
		c.Table = name
	}
	if c.TimeColumn == "" {
		c.TimeColumn = get(KeyTempoColumn)
	}
	if c.TimeColumn == "" {
		c.TimeColumn = schema.DefaultTimeColumn
	}

	switch strings.ToLower(get(KeySync)) {
	case "", string(ModeIncremental):
	case string(ModeFull):
		c.Mode = ModeFull
	default:
		return nil, invalid(name, KeySync, kv[KeySync])
	}

	var err error
	if c.Limit, err = intValue(name, KeyLimit, get(KeyLimit), c.Limit, 1); err != nil {
		return nil, err
	}
	if c.Enrich.Policy, err = enrich.ParsePolicy(get(KeyEnrichDetails)); err != nil {
		return nil, err
	}
	if c.Enrich.Workers, err = intValue(name, KeyEnrichWorkers, get(KeyEnrichWorkers), c.Enrich.Workers, 1); err != nil {
		return nil, err
	}
	if c.Enrich.Probe, err = intValue(name, KeyEnrichProbe, get(KeyEnrichProbe), c.Enrich.Probe, 0); err != nil {
		return nil, err
	}
	if c.Enrich.Max, err = intValue(name, KeyEnrichMax, get(KeyEnrichMax), c.Enrich.Max, 0); err != nil {
		return nil, err
	}

	if v := get(KeyRequireFields); v != "" {
		b, ok := enrich.ParseBool(v)
		if !ok {
			return nil, invalid(name, KeyRequireFields, v)
		}
		c.RequireFields = b
	}

	if v := get(KeyEnrichDecision); v != "" {
		b, ok := enrich.ParseBool(v)
		if !ok {
			return nil, invalid(name, KeyEnrichDecision, v)
		}
		if sig := get(KeyEnrichSignature); sig != "" {
			c.Decision = &enrich.Persisted{Needed: b, Signature: sig}
		}
	}

	if c.TypeColumns, err = ParseTypeColumns(name, get(KeyTypeColumns)); err != nil {
		return nil, err
	}
	return c, nil
}

// Settings returns the knobs of c as a flat map, for status output.
func (c *Collection) Settings() map[string]string {
	out := map[string]string{
		KeyLibraryID:     c.LibraryID,
		KeyTable:         c.Table,
		KeyTimeColumn:    c.TimeColumn,
		KeySync:          string(c.Mode),
		KeyLimit:         strconv.Itoa(c.Limit),
		KeyEnrichDetails: string(c.Enrich.Policy),
		KeyEnrichWorkers: strconv.Itoa(c.Enrich.Workers),
		KeyEnrichProbe:   strconv.Itoa(c.Enrich.Probe),
		KeyEnrichMax:     strconv.Itoa(c.Enrich.Max),
	}
	if c.Reference != "" {
		out[KeyReference] = c.Reference
	}
	if c.RequireFields {
		out[KeyRequireFields] = "1"
	}
	return out
}

// ParseTypeColumns reads "column:type, column:type". section names the
// source in errors.
func ParseTypeColumns(section, s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		col, typ, ok := strings.Cut(part, ":")
		col, typ = strings.TrimSpace(col), strings.ToLower(strings.TrimSpace(typ))
		if !ok || col == "" || typ == "" {
			return nil, invalid(section, KeyTypeColumns, s)
		}
		out[col] = typ
	}
	return out, nil
}

func intValue(section, key, s string, def, lowest int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lowest {
		return 0, invalid(section, key, s)
	}
	return n, nil
}

func invalid(section, key, value string) error {
	return errors.NewInvalidRequest(fmt.Sprintf("[%s] invalid %s value %q", section, key, value))
}

// SectionNames returns batch section names in file order when order is given,
// sorted otherwise.
func SectionNames(batch map[string]map[string]string, order []string) []string {
	if len(order) > 0 {
		out := make([]string, 0, len(order))
		for _, name := range order {
			if _, ok := batch[name]; ok {
				out = append(out, name)
			}
		}
		return out
	}
	out := make([]string, 0, len(batch))
	for name := range batch {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
