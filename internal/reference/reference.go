// Package reference loads a bulk CSV export of a collection, used to check
// whether list-view records already carry the data the export has.
package reference

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hpungsan/memsync/internal/record"
)

// idColumns are tried in order when no id column is configured.
var idColumns = []string{"id", "ext_id", "entry_id", "entryid", "uuid"}

// Export is a parsed reference export.
type Export struct {
	Path      string
	Header    []string
	IDColumn  string
	Signature string
	rows      map[string]map[string]string
}

// Load reads a CSV export. idColumn may be empty to auto-detect.
func Load(path, idColumn string) (*Export, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	exp, err := Parse(bytes.NewReader(data), idColumn)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", path, err)
	}
	exp.Path = path
	return exp, nil
}

// Parse reads a CSV export from r. The delimiter (comma or semicolon) is
// guessed from the header line.
func Parse(r io.Reader, idColumn string) (*Export, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = guessDelimiter(data)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty export")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	idIdx := findIDColumn(header, idColumn)
	if idIdx < 0 {
		return nil, fmt.Errorf("no id column found in header %v", header)
	}

	exp := &Export{
		Header:    header,
		IDColumn:  header[idIdx],
		Signature: Signature(header),
		rows:      map[string]map[string]string{},
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if idIdx >= len(rec) {
			continue
		}
		id := strings.TrimSpace(rec[idIdx])
		if id == "" {
			continue
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		exp.rows[id] = row
	}
	return exp, nil
}

// Row returns the export row for an external id.
func (e *Export) Row(id string) (map[string]string, bool) {
	row, ok := e.rows[id]
	return row, ok
}

// Len returns the number of rows with an id.
func (e *Export) Len() int {
	return len(e.rows)
}

// ValueColumns returns the header minus the id column.
func (e *Export) ValueColumns() []string {
	out := make([]string, 0, len(e.Header))
	for _, c := range e.Header {
		if c != e.IDColumn {
			out = append(out, c)
		}
	}
	return out
}

// Signature fingerprints a header: SHA-256 over the normalized column names in
// order. Renaming, adding or reordering columns changes it; case and
// punctuation do not.
func Signature(header []string) string {
	norm := make([]string, len(header))
	for i, h := range header {
		norm[i] = record.NormalizeKey(h)
	}
	sum := sha256.Sum256([]byte(strings.Join(norm, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func findIDColumn(header []string, configured string) int {
	if configured != "" {
		want := record.NormalizeKey(configured)
		for i, h := range header {
			if h == configured || record.NormalizeKey(h) == want {
				return i
			}
		}
		return -1
	}
	for _, cand := range idColumns {
		for i, h := range header {
			if record.NormalizeKey(h) == record.NormalizeKey(cand) {
				return i
			}
		}
	}
	return -1
}

func guessDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}
