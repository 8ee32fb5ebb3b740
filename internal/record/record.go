// Package record models remote records whose shape varies between list and
// detail views, and between endpoints of the same service.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// StatusActive is the only status that is persisted.
const StatusActive = "active"

// Field is a single entry of a record's field payload.
type Field struct {
	// Key is the lookup label: Name when present, otherwise ID.
	Key   string
	Name  string
	ID    string
	Type  string
	Value any
}

// Record is a remote entity. Raw always holds the complete decoded payload.
type Record struct {
	ID       string
	Created  string
	Modified string
	Status   string
	Fields   []Field
	Raw      map[string]any
}

// idKeys are tried in order to find the external id.
var idKeys = []string{"id", "entry_id", "entryId", "uuid", "ext_id"}

var createdKeys = []string{"createdTime", "created", "created_at", "createdAt"}

var modifiedKeys = []string{"modifiedTime", "updatedTime", "modified", "updated", "modified_at", "updated_at", "modifiedAt", "updatedAt"}

// fieldKeys are the payload keys that may carry field data.
var fieldKeys = []string{"fields", "values", "data"}

// Parse builds a Record from a decoded JSON object.
func Parse(raw map[string]any) Record {
	r := Record{Raw: raw}
	r.ID = firstString(raw, idKeys)
	r.Created = firstString(raw, createdKeys)
	r.Modified = firstString(raw, modifiedKeys)
	r.Status = firstString(raw, []string{"status"})
	for _, k := range fieldKeys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if fields, ok := parseFields(v); ok {
			r.Fields = fields
			break
		}
	}
	return r
}

// Decode parses a JSON object into a Record, preserving number precision.
func Decode(data []byte) (Record, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if raw == nil {
		return Record{}, fmt.Errorf("decode record: not an object")
	}
	return Parse(raw), nil
}

// parseFields accepts a list of {name|id, value} objects or a plain mapping.
func parseFields(v any) ([]Field, bool) {
	switch t := v.(type) {
	case []any:
		out := make([]Field, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			f := Field{
				Name:  stringOf(m["name"]),
				ID:    stringOf(m["id"]),
				Type:  stringOf(m["type"]),
				Value: m["value"],
			}
			f.Key = f.Name
			if f.Key == "" {
				f.Key = f.ID
			}
			if f.Key == "" {
				continue
			}
			out = append(out, f)
		}
		return out, true
	case map[string]any:
		keys := sortedKeys(t)
		out := make([]Field, 0, len(keys))
		for _, k := range keys {
			out = append(out, Field{Key: k, Name: k, Value: t[k]})
		}
		return out, true
	}
	return nil, false
}

// IsActive reports whether the record should be persisted.
// A missing status counts as active.
func (r Record) IsActive() bool {
	s := strings.TrimSpace(r.Status)
	return s == "" || strings.EqualFold(s, StatusActive)
}

// HasFields reports whether the record carries at least one non-empty field value.
func (r Record) HasFields() bool {
	for _, f := range r.Fields {
		if !IsEmptyValue(f.Value) {
			return true
		}
	}
	return false
}

// FilledFieldCount returns the number of fields with a non-empty value.
func (r Record) FilledFieldCount() int {
	n := 0
	for _, f := range r.Fields {
		if !IsEmptyValue(f.Value) {
			n++
		}
	}
	return n
}

// RicherThan reports whether r carries more field data than other.
func (r Record) RicherThan(other Record) bool {
	return r.FilledFieldCount() > other.FilledFieldCount()
}

// Timestamp returns the modification time, falling back to creation time.
func (r Record) Timestamp() string {
	if r.Modified != "" {
		return r.Modified
	}
	return r.Created
}

// Field returns the first field whose key equals name.
func (r Record) Field(name string) (Field, bool) {
	for _, f := range r.Fields {
		if f.Key == name || (f.ID != "" && f.ID == name) {
			return f, true
		}
	}
	return Field{}, false
}

// JSON returns the raw payload encoded as JSON.
func (r Record) JSON() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r.Raw); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// IsEmptyValue reports whether a decoded JSON value carries no data.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// FormatValue renders a decoded JSON value as column text.
// Returns ok=false for empty values.
func FormatValue(v any) (string, bool) {
	if IsEmptyValue(v) {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case float64:
		return json.Number(fmt.Sprint(t)).String(), true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v), true
	}
	return string(b), true
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s := stringOf(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64, int, int64, bool:
		return fmt.Sprint(t)
	}
	return ""
}
