package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hpungsan/memsync/internal/db"
	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/record"
)

// textTypes are field types accepted when a column asks for "text".
var textTypes = []string{"text", "textarea", "note", "long_text", "multiline"}

// ExpandResult reports what a backfill pass changed.
type ExpandResult struct {
	Table        string         `json:"table"`
	Rows         int            `json:"rows"`
	Fields       []string       `json:"fields"`
	ColumnsAdded []string       `json:"columns_added"`
	Filled       int            `json:"filled"`
	ByColumn     map[string]int `json:"by_column,omitempty"`
}

type storedRow struct {
	rowid int64
	rec   record.Record
}

// Expand backfills field columns of table from each row's raw payload. A
// column is created for every field name found, and only NULL or empty cells
// are written. typeColumns maps an extra column to a field type; such a column
// takes the first non-empty field of that type ("text" also accepts the other
// text-like types). Run it inside a transaction.
func Expand(ctx context.Context, q db.Querier, table string, typeColumns map[string]string) (*ExpandResult, error) {
	ok, err := db.TableExists(ctx, q, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewNotFound(table)
	}
	cols, err := db.TableColumns(ctx, q, table)
	if err != nil {
		return nil, err
	}
	has := columnSet(cols)
	if !has[ColRaw] {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("table %q has no raw column", table))
	}

	rows, err := loadRows(ctx, q, table)
	if err != nil {
		return nil, err
	}
	res := &ExpandResult{Table: table, Rows: len(rows), ByColumn: map[string]int{}}

	recs := make([]record.Record, len(rows))
	for i, r := range rows {
		recs[i] = r.rec
	}
	for _, name := range discoverFields(recs) {
		if isReserved(name) {
			continue
		}
		res.Fields = append(res.Fields, name)
	}

	extra := sortedKeys(typeColumns)
	res.ColumnsAdded, err = addColumns(ctx, q, table, has, append(append([]string{}, res.Fields...), extra...))
	if err != nil {
		return nil, err
	}

	quotedTable := db.QuoteIdent(table)
	fill := func(col string, rowid int64, value string) error {
		qc := db.QuoteIdent(col)
		result, err := q.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET %s = ? WHERE rowid = ? AND (%s IS NULL OR %s = '')`, quotedTable, qc, qc, qc),
			value, rowid)
		if err != nil {
			return errors.NewInternal(fmt.Errorf("fill %s.%s: %w", table, col, err))
		}
		if n, _ := result.RowsAffected(); n > 0 {
			res.Filled += int(n)
			res.ByColumn[col] += int(n)
		}
		return nil
	}

	for _, row := range rows {
		done := map[string]bool{}
		for _, f := range row.rec.Fields {
			key := strings.TrimSpace(f.Key)
			if key == "" || isReserved(key) || done[strings.ToLower(key)] {
				continue
			}
			s, ok := record.FormatValue(f.Value)
			if !ok {
				continue
			}
			done[strings.ToLower(key)] = true
			if err := fill(key, row.rowid, s); err != nil {
				return nil, err
			}
		}
		for _, col := range extra {
			if done[strings.ToLower(col)] {
				continue
			}
			if s, ok := firstOfType(row.rec, typeColumns[col]); ok {
				if err := fill(col, row.rowid, s); err != nil {
					return nil, err
				}
			}
		}
	}
	return res, nil
}

// loadRows reads every row before any update runs on the same connection.
func loadRows(ctx context.Context, q db.Querier, table string) ([]storedRow, error) {
	rs, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT rowid, %s FROM %s`, db.QuoteIdent(ColRaw), db.QuoteIdent(table)))
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rs.Close()

	var out []storedRow
	for rs.Next() {
		var (
			rowid int64
			raw   *string
		)
		if err := rs.Scan(&rowid, &raw); err != nil {
			return nil, errors.NewInternal(err)
		}
		if raw == nil {
			continue
		}
		rec, err := record.Decode([]byte(*raw))
		if err != nil {
			continue
		}
		out = append(out, storedRow{rowid: rowid, rec: rec})
	}
	if err := rs.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

func firstOfType(r record.Record, want string) (string, bool) {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return "", false
	}
	for _, f := range r.Fields {
		if strings.EqualFold(f.Type, want) {
			if s, ok := record.FormatValue(f.Value); ok {
				return s, true
			}
		}
	}
	if want != "text" {
		return "", false
	}
	for _, f := range r.Fields {
		for _, t := range textTypes {
			if strings.EqualFold(f.Type, t) {
				if s, ok := record.FormatValue(f.Value); ok {
					return s, true
				}
			}
		}
	}
	return "", false
}

func isReserved(name string) bool {
	return strings.EqualFold(name, ColExtID) || strings.EqualFold(name, ColRaw)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
