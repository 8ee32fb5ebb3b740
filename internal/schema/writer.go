package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpungsan/memsync/internal/db"
	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/record"
)

// Fixed column names every synced table carries.
const (
	ColExtID = "ext_id"
	ColRaw   = "raw"
)

// DefaultTimeColumn is the time column used when a collection names none.
const DefaultTimeColumn = "tempo"

// lookupChunk bounds the number of ids bound into one IN (...) query.
const lookupChunk = 500

// Table describes the local table a collection is written into.
type Table struct {
	Name       string
	TimeColumn string
	// Reference holds column names taken from a reference export header.
	Reference []string
	// RequireFields rejects pages containing records without field data.
	RequireFields bool
	// Chain resolves column values. Nil means DefaultChain.
	Chain Chain
}

// PageResult counts the effect of one WritePage call.
type PageResult struct {
	Inserted     int
	Updated      int
	SkippedNoID  int
	ColumnsAdded []string
}

func (t *Table) timeColumn() string {
	if strings.TrimSpace(t.TimeColumn) == "" {
		return DefaultTimeColumn
	}
	return t.TimeColumn
}

func (t *Table) chain() Chain {
	if t.Chain == nil {
		return DefaultChain()
	}
	return t.Chain
}

// Ensure creates the table when it does not exist, or brings a table created
// elsewhere up to the minimal shape (ext_id with a unique index, time column,
// raw). Reference columns are added as well. It returns the columns added.
func (t *Table) Ensure(ctx context.Context, q db.Querier) ([]string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, errors.NewInvalidRequest("table name is required")
	}
	table := db.QuoteIdent(t.Name)
	timeCol := t.timeColumn()

	cols, err := db.TableColumns(ctx, q, t.Name)
	if err != nil {
		return nil, err
	}

	var added []string
	if len(cols) == 0 {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s TEXT PRIMARY KEY, %s TEXT, %s TEXT)`,
			table, db.QuoteIdent(ColExtID), db.QuoteIdent(timeCol), db.QuoteIdent(ColRaw))
		if _, err := q.ExecContext(ctx, ddl); err != nil {
			return nil, errors.NewInternal(fmt.Errorf("create table %s: %w", t.Name, err))
		}
		if err := db.AuditSchema(ctx, q, t.Name, "create_table", "", ddl); err != nil {
			return nil, err
		}
	} else {
		has := columnSet(cols)
		if !has[ColExtID] {
			more, err := addColumns(ctx, q, t.Name, has, []string{ColExtID})
			if err != nil {
				return nil, err
			}
			added = append(added, more...)
			idx := db.QuoteIdent("ux_" + t.Name + "_" + ColExtID)
			ddl := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)`, idx, table, db.QuoteIdent(ColExtID))
			if _, err := q.ExecContext(ctx, ddl); err != nil {
				return nil, errors.NewInternal(fmt.Errorf("index %s.ext_id: %w", t.Name, err))
			}
			if err := db.AuditSchema(ctx, q, t.Name, "add_index", ColExtID, ddl); err != nil {
				return nil, err
			}
		}
		more, err := addColumns(ctx, q, t.Name, has, []string{timeCol, ColRaw})
		if err != nil {
			return nil, err
		}
		added = append(added, more...)
	}

	idx := db.QuoteIdent("idx_" + t.Name + "_" + timeCol)
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
		idx, table, db.QuoteIdent(timeCol))); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("index %s.%s: %w", t.Name, timeCol, err))
	}

	if len(t.Reference) > 0 {
		more, err := t.addColumns(ctx, q, t.Reference)
		if err != nil {
			return nil, err
		}
		added = append(added, more...)
	}
	return added, nil
}

// WritePage upserts recs inside q, which should be the page transaction.
// Columns for newly seen field names are added first. Every row is replaced
// entirely, so fields dropped remotely do not survive locally.
func (t *Table) WritePage(ctx context.Context, q db.Querier, recs []record.Record) (*PageResult, error) {
	res := &PageResult{}
	if len(recs) == 0 {
		return res, nil
	}

	if t.RequireFields {
		var empty []string
		for _, r := range recs {
			if !r.HasFields() {
				empty = append(empty, r.ID)
			}
		}
		if len(empty) > 0 {
			return nil, errors.NewSchemaMismatch(t.Name, empty)
		}
	}

	added, err := t.addColumns(ctx, q, discoverFields(recs))
	if err != nil {
		return nil, err
	}
	res.ColumnsAdded = added

	cols, err := db.TableColumns(ctx, q, t.Name)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errors.NewInternal(fmt.Errorf("table %s does not exist", t.Name))
	}
	targets := writableColumns(cols)

	quoted := make([]string, len(targets))
	marks := make([]string, len(targets))
	for i, c := range targets {
		quoted[i] = db.QuoteIdent(c)
		marks[i] = "?"
	}
	table := db.QuoteIdent(t.Name)
	upsert := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		table, strings.Join(quoted, ", "), strings.Join(marks, ", "))
	exists := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ?`, table, db.QuoteIdent(ColExtID))

	for _, r := range recs {
		if r.ID == "" {
			res.SkippedNoID++
			continue
		}
		args, err := t.rowValues(targets, r)
		if err != nil {
			return nil, err
		}

		var n int
		if err := q.QueryRowContext(ctx, exists, r.ID).Scan(&n); err != nil {
			return nil, errors.NewInternal(err)
		}
		if _, err := q.ExecContext(ctx, upsert, args...); err != nil {
			return nil, errors.NewInternal(fmt.Errorf("upsert %s %s: %w", t.Name, r.ID, err))
		}
		if n > 0 {
			res.Updated++
		} else {
			res.Inserted++
		}
	}
	return res, nil
}

// rowValues builds the bound values for targets, in order.
func (t *Table) rowValues(targets []string, r record.Record) ([]any, error) {
	chain := t.chain()
	timeCol := t.timeColumn()
	args := make([]any, len(targets))
	for i, col := range targets {
		switch {
		case strings.EqualFold(col, ColExtID):
			args[i] = r.ID
		case strings.EqualFold(col, ColRaw):
			raw, err := r.JSON()
			if err != nil {
				return nil, errors.NewInternal(fmt.Errorf("encode record %s: %w", r.ID, err))
			}
			args[i] = raw
		case strings.EqualFold(col, timeCol):
			v, _, ok := chain.Resolve(col, r)
			s, filled := "", false
			if ok {
				s, filled = record.FormatValue(v)
			}
			if !filled {
				s = r.Timestamp()
			}
			args[i] = nullable(s)
		default:
			v, _, ok := chain.Resolve(col, r)
			if !ok {
				args[i] = nil
				continue
			}
			s, _ := record.FormatValue(v)
			args[i] = nullable(s)
		}
	}
	return args, nil
}

func (t *Table) addColumns(ctx context.Context, q db.Querier, names []string) ([]string, error) {
	cols, err := db.TableColumns(ctx, q, t.Name)
	if err != nil {
		return nil, err
	}
	return addColumns(ctx, q, t.Name, columnSet(cols), names)
}

// addColumns adds each missing name as a TEXT column and audits it.
// has is updated in place; lookups are case-insensitive like SQLite's.
func addColumns(ctx context.Context, q db.Querier, table string, has map[string]bool, names []string) ([]string, error) {
	var added []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		key := strings.ToLower(name)
		if name == "" || has[key] {
			continue
		}
		ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`, db.QuoteIdent(table), db.QuoteIdent(name))
		if _, err := q.ExecContext(ctx, ddl); err != nil {
			return nil, errors.NewInternal(fmt.Errorf("add column %s.%s: %w", table, name, err))
		}
		if err := db.AuditSchema(ctx, q, table, "add_column", name, ddl); err != nil {
			return nil, err
		}
		has[key] = true
		added = append(added, name)
	}
	return added, nil
}

func columnSet(cols []db.Column) map[string]bool {
	has := make(map[string]bool, len(cols))
	for _, c := range cols {
		has[strings.ToLower(c.Name)] = true
	}
	return has
}

// writableColumns drops integer primary keys, which SQLite assigns itself.
func writableColumns(cols []db.Column) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c.PK && strings.EqualFold(c.Type, "INTEGER") && !strings.EqualFold(c.Name, ColExtID) {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}

// discoverFields returns field keys in first-seen order.
func discoverFields(recs []record.Record) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range recs {
		for _, f := range r.Fields {
			k := strings.TrimSpace(f.Key)
			if k == "" || seen[strings.ToLower(k)] {
				continue
			}
			seen[strings.ToLower(k)] = true
			out = append(out, k)
		}
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// LocalModified returns the stored modification time (creation time when the
// payload has none) for each id that already has a row in table. A missing
// table yields an empty map.
func LocalModified(ctx context.Context, q db.Querier, table string, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ok, err := db.TableExists(ctx, q, table)
	if err != nil || !ok {
		return out, err
	}

	for start := 0; start < len(ids); start += lookupChunk {
		end := min(start+lookupChunk, len(ids))
		chunk := ids[start:end]
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s IN (%s)`,
			db.QuoteIdent(ColExtID), db.QuoteIdent(ColRaw), db.QuoteIdent(table), db.QuoteIdent(ColExtID), marks)
		if err := scanLocal(ctx, q, query, args, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanLocal(ctx context.Context, q db.Querier, query string, args []any, out map[string]string) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, raw *string
		if err := rows.Scan(&id, &raw); err != nil {
			return errors.NewInternal(err)
		}
		if id == nil {
			continue
		}
		modified := ""
		if raw != nil {
			if r, err := record.Decode([]byte(*raw)); err == nil {
				modified = r.Timestamp()
			}
		}
		out[*id] = modified
	}
	if err := rows.Err(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}
