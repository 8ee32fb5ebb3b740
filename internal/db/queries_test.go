package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/hpungsan/memsync/internal/errors"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// =============================================================================
// Checkpoints
// =============================================================================

func TestGetCheckpoint_Missing(t *testing.T) {
	db := openTestDB(t)

	got, err := GetCheckpoint(context.Background(), db, "lib1")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if got != "" {
		t.Errorf("GetCheckpoint = %q, want empty", got)
	}
}

func TestAdvanceCheckpoint_Monotonic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	steps := []struct {
		candidate string
		want      string
	}{
		{"2024-01-02T00:00:00+00:00", "2024-01-02T00:00:00+00:00"},
		{"2024-01-01T00:00:00+00:00", "2024-01-02T00:00:00+00:00"},
		{"", "2024-01-02T00:00:00+00:00"},
		{"2024-01-03T10:00:00Z", "2024-01-03T10:00:00Z"},
		// same instant expressed with a later-looking offset is not newer
		{"2024-01-03T11:00:00+01:00", "2024-01-03T10:00:00Z"},
	}
	for i, s := range steps {
		got, err := AdvanceCheckpoint(ctx, db, "lib1", s.candidate)
		if err != nil {
			t.Fatalf("step %d: AdvanceCheckpoint failed: %v", i, err)
		}
		if got != s.want {
			t.Errorf("step %d: AdvanceCheckpoint = %q, want %q", i, got, s.want)
		}
		stored, err := GetCheckpoint(ctx, db, "lib1")
		if err != nil {
			t.Fatalf("step %d: GetCheckpoint failed: %v", i, err)
		}
		if stored != s.want {
			t.Errorf("step %d: stored = %q, want %q", i, stored, s.want)
		}
	}
}

func TestAdvanceCheckpoint_RolledBackWithTx(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}
	if _, err := AdvanceCheckpoint(ctx, tx, "lib1", "2024-05-01T00:00:00Z"); err != nil {
		t.Fatalf("AdvanceCheckpoint failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	got, err := GetCheckpoint(ctx, db, "lib1")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if got != "" {
		t.Errorf("checkpoint = %q after rollback, want empty", got)
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := AdvanceCheckpoint(ctx, db, "lib1", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("AdvanceCheckpoint failed: %v", err)
	}
	if err := DeleteCheckpoint(ctx, db, "lib1"); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	err := DeleteCheckpoint(ctx, db, "lib1")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("second DeleteCheckpoint = %v, want NOT_FOUND", err)
	}
}

func TestListCheckpoints(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		if _, err := AdvanceCheckpoint(ctx, db, id, "2024-01-01T00:00:00Z"); err != nil {
			t.Fatalf("AdvanceCheckpoint failed: %v", err)
		}
	}

	got, err := ListCheckpoints(ctx, db)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(got) != 2 || got[0].CollectionID != "a" {
		t.Fatalf("ListCheckpoints = %+v, want a, b", got)
	}
	if got[0].LastRunUTC == "" {
		t.Error("LastRunUTC should be set")
	}
}

// =============================================================================
// Enrichment decisions
// =============================================================================

func TestDecisions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, found, err := GetDecision(ctx, db, "lib1", "sig1"); err != nil || found {
		t.Fatalf("GetDecision on empty = found %v, err %v", found, err)
	}

	if err := PutDecision(ctx, db, "lib1", "sig1", true, "reference"); err != nil {
		t.Fatalf("PutDecision failed: %v", err)
	}
	needed, found, err := GetDecision(ctx, db, "lib1", "sig1")
	if err != nil || !found || !needed {
		t.Fatalf("GetDecision = (%v, %v, %v), want (true, true, nil)", needed, found, err)
	}

	// Overwrite same signature
	if err := PutDecision(ctx, db, "lib1", "sig1", false, "reference"); err != nil {
		t.Fatalf("PutDecision failed: %v", err)
	}
	if needed, _, _ := GetDecision(ctx, db, "lib1", "sig1"); needed {
		t.Error("decision not overwritten")
	}

	// New signature invalidates the old one
	if err := PutDecision(ctx, db, "lib1", "sig2", true, "reference"); err != nil {
		t.Fatalf("PutDecision failed: %v", err)
	}
	if _, found, _ := GetDecision(ctx, db, "lib1", "sig1"); found {
		t.Error("old signature should be dropped")
	}
}

// =============================================================================
// Runs and audit
// =============================================================================

func TestRuns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := &Run{
		ID: NewRunID(), Collection: "mood", CollectionID: "lib1", Table: "mood",
		Mode: "incremental", Status: RunOK, StartedAt: "2024-01-01T00:00:00Z",
		Pages: 2, Fetched: 6, Inserted: 5, SkippedInactive: 1,
	}
	second := &Run{
		ID: NewRunID(), Collection: "mood", CollectionID: "lib1", Table: "mood",
		Mode: "incremental", Status: RunFailed, StartedAt: "2024-01-02T00:00:00Z",
		Error: "REMOTE_UNAVAILABLE: boom",
	}
	other := &Run{
		ID: NewRunID(), Collection: "expenses", CollectionID: "lib2", Table: "expenses",
		Mode: "full", Status: RunOK, StartedAt: "2024-01-03T00:00:00Z",
	}
	for _, r := range []*Run{first, second, other} {
		if err := InsertRun(ctx, db, r); err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
	}

	got, err := ListRuns(ctx, db, "mood", 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListRuns(mood) len = %d, want 2", len(got))
	}
	if got[0].ID != second.ID || got[0].Error == "" {
		t.Errorf("newest run = %+v, want failed run first", got[0])
	}
	if got[1].Inserted != 5 || got[1].SkippedInactive != 1 {
		t.Errorf("counters not round-tripped: %+v", got[1])
	}

	all, err := ListRuns(ctx, db, "", 1)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 1 || all[0].ID != other.ID {
		t.Errorf("ListRuns(all, 1) = %+v", all)
	}
}

func TestNewRunID_Unique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == b || len(a) != 26 {
		t.Errorf("NewRunID() = %q, %q", a, b)
	}
}

func TestAudit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := AuditSchema(ctx, db, "mood", "add_column", "Title", ""); err != nil {
		t.Fatalf("AuditSchema failed: %v", err)
	}
	if err := AuditDML(ctx, db, "run1", "mood", 1, 3, 0, "2024-01-02T00:00:00Z"); err != nil {
		t.Fatalf("AuditDML failed: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_schema WHERE column_name = 'Title'`).Scan(&n); err != nil || n != 1 {
		t.Errorf("audit_schema rows = %d (err %v), want 1", n, err)
	}
	if err := db.QueryRow(`SELECT inserted FROM audit_dml WHERE run_id = 'run1'`).Scan(&n); err != nil || n != 3 {
		t.Errorf("audit_dml inserted = %d (err %v), want 3", n, err)
	}
}

// =============================================================================
// Identifiers
// =============================================================================

func TestQuoteIdent(t *testing.T) {
	tests := map[string]string{
		"plain":      `"plain"`,
		"with space": `"with space"`,
		`a"b`:        `"a""b"`,
	}
	for in, want := range tests {
		if got := QuoteIdent(in); got != want {
			t.Errorf("QuoteIdent(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestTableColumns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	name := `odd "name"`
	if _, err := db.Exec(`CREATE TABLE ` + QuoteIdent(name) + ` (ext_id TEXT PRIMARY KEY, "Città" TEXT)`); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	exists, err := TableExists(ctx, db, name)
	if err != nil || !exists {
		t.Fatalf("TableExists = %v, %v", exists, err)
	}
	cols, err := TableColumns(ctx, db, name)
	if err != nil {
		t.Fatalf("TableColumns failed: %v", err)
	}
	if len(cols) != 2 || cols[0].Name != "ext_id" || !cols[0].PK || cols[1].Name != "Città" {
		t.Errorf("TableColumns = %+v", cols)
	}

	if exists, _ := TableExists(ctx, db, "missing"); exists {
		t.Error("TableExists(missing) = true")
	}
}
