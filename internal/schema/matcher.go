// Package schema maps heterogeneous records onto local tables, grows those
// tables additively and writes pages with insert-or-replace semantics.
package schema

import (
	"sort"

	"github.com/hpungsan/memsync/internal/record"
)

// Matcher resolves the value for one target column from a record.
type Matcher interface {
	Name() string
	Match(column string, r record.Record) (any, bool)
}

// Chain tries matchers in order; the first non-empty match wins.
type Chain []Matcher

// DefaultChain is exact label, then normalized key, then top-level attributes.
func DefaultChain() Chain {
	return Chain{ExactLabel{}, NormalizedKey{}, TopLevel{}}
}

// Resolve returns the value for column and the name of the matcher that found it.
func (c Chain) Resolve(column string, r record.Record) (value any, matcher string, ok bool) {
	for _, m := range c {
		if v, ok := m.Match(column, r); ok && !record.IsEmptyValue(v) {
			return v, m.Name(), true
		}
	}
	return nil, "", false
}

// ExactLabel matches a field whose name or id equals the column.
type ExactLabel struct{}

func (ExactLabel) Name() string { return "exact" }

func (ExactLabel) Match(column string, r record.Record) (any, bool) {
	if f, ok := r.Field(column); ok {
		return f.Value, true
	}
	return nil, false
}

// NormalizedKey matches a field ignoring case and punctuation.
type NormalizedKey struct{}

func (NormalizedKey) Name() string { return "normalized" }

func (NormalizedKey) Match(column string, r record.Record) (any, bool) {
	want := record.NormalizeKey(column)
	if want == "" {
		return nil, false
	}
	for _, f := range r.Fields {
		if record.NormalizeKey(f.Key) == want || (f.ID != "" && record.NormalizeKey(f.ID) == want) {
			return f.Value, true
		}
	}
	return nil, false
}

// TopLevel matches well-known record attributes, then any scalar top-level
// key of the raw payload with the same normalized name.
type TopLevel struct{}

func (TopLevel) Name() string { return "top-level" }

var wellKnown = map[string]func(record.Record) string{
	"id":           func(r record.Record) string { return r.ID },
	"extid":        func(r record.Record) string { return r.ID },
	"entryid":      func(r record.Record) string { return r.ID },
	"uuid":         func(r record.Record) string { return r.ID },
	"created":      func(r record.Record) string { return r.Created },
	"createdtime":  func(r record.Record) string { return r.Created },
	"createdat":    func(r record.Record) string { return r.Created },
	"modified":     func(r record.Record) string { return r.Modified },
	"modifiedtime": func(r record.Record) string { return r.Modified },
	"modifiedat":   func(r record.Record) string { return r.Modified },
	"updated":      func(r record.Record) string { return r.Modified },
	"updatedtime":  func(r record.Record) string { return r.Modified },
	"updatedat":    func(r record.Record) string { return r.Modified },
	"status":       func(r record.Record) string { return r.Status },
}

func (TopLevel) Match(column string, r record.Record) (any, bool) {
	key := record.NormalizeKey(column)
	if get, ok := wellKnown[key]; ok {
		if v := get(r); v != "" {
			return v, true
		}
	}
	keys := make([]string, 0, len(r.Raw))
	for k := range r.Raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if record.NormalizeKey(k) != key {
			continue
		}
		v := r.Raw[k]
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		return v, true
	}
	return nil, false
}
