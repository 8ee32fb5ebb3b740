package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/record"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so every query can run
// inside a page transaction or standalone.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TimeFormat is the layout for every timestamp memsync itself writes.
const TimeFormat = time.RFC3339

// Now returns the current UTC time formatted with TimeFormat.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// NewRunID returns a fresh ULID for a sync run.
func NewRunID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Checkpoint is one row of sync_state.
type Checkpoint struct {
	CollectionID       string `json:"collection_id"`
	LastModifiedRemote string `json:"last_modified_remote,omitempty"`
	LastRunUTC         string `json:"last_run_utc,omitempty"`
}

// GetCheckpoint returns the stored watermark, or "" when none exists.
func GetCheckpoint(ctx context.Context, q Querier, collectionID string) (string, error) {
	var v sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT last_modified_remote FROM sync_state WHERE collection_id = ?`,
		collectionID,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return v.String, nil
}

// AdvanceCheckpoint stores max(previous, candidate) and returns the stored value.
// The watermark never moves backwards; an empty candidate only touches last_run_utc.
func AdvanceCheckpoint(ctx context.Context, q Querier, collectionID, candidate string) (string, error) {
	prev, err := GetCheckpoint(ctx, q, collectionID)
	if err != nil {
		return "", err
	}
	next := record.MaxTime(prev, candidate)

	query := `
		INSERT INTO sync_state (collection_id, last_modified_remote, last_run_utc)
		VALUES (?, ?, ?)
		ON CONFLICT(collection_id) DO UPDATE SET
			last_modified_remote = excluded.last_modified_remote,
			last_run_utc = excluded.last_run_utc
	`
	if _, err := q.ExecContext(ctx, query, collectionID, toNullString(next), Now()); err != nil {
		return "", errors.NewInternal(err)
	}
	return next, nil
}

// DeleteCheckpoint removes a collection's watermark. Returns NOT_FOUND when absent.
func DeleteCheckpoint(ctx context.Context, q Querier, collectionID string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM sync_state WHERE collection_id = ?`, collectionID)
	if err != nil {
		return errors.NewInternal(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFound(collectionID)
	}
	return nil
}

// ListCheckpoints returns every stored checkpoint ordered by collection id.
func ListCheckpoints(ctx context.Context, q Querier) ([]Checkpoint, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT collection_id, last_modified_remote, last_run_utc FROM sync_state ORDER BY collection_id`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			c       Checkpoint
			lastMod sql.NullString
			lastRun sql.NullString
		)
		if err := rows.Scan(&c.CollectionID, &lastMod, &lastRun); err != nil {
			return nil, errors.NewInternal(err)
		}
		c.LastModifiedRemote = lastMod.String
		c.LastRunUTC = lastRun.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// GetDecision looks up a cached enrichment decision.
func GetDecision(ctx context.Context, q Querier, collectionID, signature string) (needed, found bool, err error) {
	var n int
	err = q.QueryRowContext(ctx,
		`SELECT needed FROM enrich_decisions WHERE collection_id = ? AND signature = ?`,
		collectionID, signature,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, errors.NewInternal(err)
	}
	return n != 0, true, nil
}

// PutDecision stores an enrichment decision, replacing any previous one for the
// same signature. Decisions under older signatures are dropped.
func PutDecision(ctx context.Context, q Querier, collectionID, signature string, needed bool, source string) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM enrich_decisions WHERE collection_id = ? AND signature <> ?`,
		collectionID, signature,
	); err != nil {
		return errors.NewInternal(err)
	}
	query := `
		INSERT INTO enrich_decisions (collection_id, signature, needed, source, decided_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection_id, signature) DO UPDATE SET
			needed = excluded.needed,
			source = excluded.source,
			decided_at = excluded.decided_at
	`
	if _, err := q.ExecContext(ctx, query, collectionID, signature, boolToInt(needed), source, Now()); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// Run is one row of sync_runs.
type Run struct {
	ID               string `json:"id"`
	Collection       string `json:"collection"`
	CollectionID     string `json:"collection_id"`
	Table            string `json:"table"`
	Mode             string `json:"mode"`
	Status           string `json:"status"`
	StartedAt        string `json:"started_at"`
	FinishedAt       string `json:"finished_at,omitempty"`
	CheckpointBefore string `json:"checkpoint_before,omitempty"`
	CheckpointAfter  string `json:"checkpoint_after,omitempty"`
	Pages            int    `json:"pages"`
	Fetched          int    `json:"fetched"`
	Inserted         int    `json:"inserted"`
	Updated          int    `json:"updated"`
	SkippedInactive  int    `json:"skipped_inactive"`
	SkippedUnchanged int    `json:"skipped_unchanged"`
	Enriched         int    `json:"enriched"`
	EnrichFailed     int    `json:"enrich_failed"`
	Error            string `json:"error,omitempty"`
}

// Run statuses.
const (
	RunOK     = "ok"
	RunFailed = "failed"
)

// InsertRun records a finished run.
func InsertRun(ctx context.Context, q Querier, r *Run) error {
	query := `
		INSERT INTO sync_runs (
			id, collection, collection_id, table_name, mode, status,
			started_at, finished_at, checkpoint_before, checkpoint_after,
			pages, fetched, inserted, updated, skipped_inactive, skipped_unchanged,
			enriched, enrich_failed, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		r.ID, r.Collection, r.CollectionID, r.Table, r.Mode, r.Status,
		r.StartedAt, toNullString(r.FinishedAt), toNullString(r.CheckpointBefore), toNullString(r.CheckpointAfter),
		r.Pages, r.Fetched, r.Inserted, r.Updated, r.SkippedInactive, r.SkippedUnchanged,
		r.Enriched, r.EnrichFailed, toNullString(r.Error),
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. An empty collection
// matches every collection; limit <= 0 means 20.
func ListRuns(ctx context.Context, q Querier, collection string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, collection, collection_id, table_name, mode, status,
			started_at, finished_at, checkpoint_before, checkpoint_after,
			pages, fetched, inserted, updated, skipped_inactive, skipped_unchanged,
			enriched, enrich_failed, error
		FROM sync_runs
		WHERE (? = '' OR collection = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`
	rows, err := q.QueryContext(ctx, query, collection, collection, limit)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                Run
			finished, before sql.NullString
			after, errText   sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.Collection, &r.CollectionID, &r.Table, &r.Mode, &r.Status,
			&r.StartedAt, &finished, &before, &after,
			&r.Pages, &r.Fetched, &r.Inserted, &r.Updated, &r.SkippedInactive, &r.SkippedUnchanged,
			&r.Enriched, &r.EnrichFailed, &errText,
		); err != nil {
			return nil, errors.NewInternal(err)
		}
		r.FinishedAt = finished.String
		r.CheckpointBefore = before.String
		r.CheckpointAfter = after.String
		r.Error = errText.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// AuditSchema records a structural change to a synced table.
func AuditSchema(ctx context.Context, q Querier, table, action, column, detail string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_schema (ts, table_name, action, column_name, detail) VALUES (?, ?, ?, ?, ?)`,
		Now(), table, action, toNullString(column), toNullString(detail),
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// AuditDML records one committed page write.
func AuditDML(ctx context.Context, q Querier, runID, table string, page, inserted, updated int, checkpoint string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_dml (ts, run_id, table_name, page, inserted, updated, checkpoint) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		Now(), toNullString(runID), table, page, inserted, updated, toNullString(checkpoint),
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// toNullString maps "" to NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
