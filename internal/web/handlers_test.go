package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hpungsan/memsync/internal/db"
	"github.com/hpungsan/memsync/internal/errors"
)

func setupTest(t *testing.T) *Handlers {
	t.Helper()
	tmpDir := t.TempDir()
	database, err := db.Init(tmpDir)
	if err != nil {
		t.Fatalf("db.Init: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		t.Fatalf("template sub-FS: %v", err)
	}

	return &Handlers{
		db:       database,
		renderer: NewRenderer(templateSub, "test"),
	}
}

// seedRun stores a finished run.
func seedRun(t *testing.T, database *sql.DB, collection, status, startedAt string, inserted int) {
	t.Helper()
	run := &db.Run{
		ID:           db.NewRunID(),
		Collection:   collection,
		CollectionID: collection + "-id",
		Table:        collection,
		Mode:         "incremental",
		Status:       status,
		StartedAt:    startedAt,
		FinishedAt:   startedAt,
		Inserted:     inserted,
	}
	if status == db.RunFailed {
		run.Error = "FORBIDDEN: access denied"
	}
	if err := db.InsertRun(context.Background(), database, run); err != nil {
		t.Fatalf("seed run %q: %v", collection, err)
	}
}

// --- HandleRuns ---

func TestHandleRuns_Default(t *testing.T) {
	h := setupTest(t)
	seedRun(t, h.db, "books", db.RunOK, "2024-03-01T08:00:00Z", 1234)
	seedRun(t, h.db, "films", db.RunFailed, "2024-03-02T08:00:00Z", 0)

	req := httptest.NewRequest("GET", "/runs", nil)
	rec := httptest.NewRecorder()
	h.HandleRuns(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"books", "films", "1,234", "2024-03-01 08:00", "status-failed", "access denied"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in response", want)
		}
	}
	if strings.Index(body, "films") > strings.Index(body, "<td>books</td>") {
		t.Error("expected newest run first")
	}
}

func TestHandleRuns_CollectionFilter(t *testing.T) {
	h := setupTest(t)
	seedRun(t, h.db, "books", db.RunOK, "2024-03-01T08:00:00Z", 1)
	seedRun(t, h.db, "films", db.RunOK, "2024-03-02T08:00:00Z", 1)

	req := httptest.NewRequest("GET", "/runs?collection=books", nil)
	rec := httptest.NewRecorder()
	h.HandleRuns(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "<td>books</td>") {
		t.Error("expected run of 'books' in filtered results")
	}
	if strings.Contains(body, "<td>films</td>") {
		t.Error("did not expect run of 'films' in filtered results")
	}
}

func TestHandleRuns_Empty(t *testing.T) {
	h := setupTest(t)

	req := httptest.NewRequest("GET", "/runs", nil)
	rec := httptest.NewRecorder()
	h.HandleRuns(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No runs recorded") {
		t.Error("expected empty-state message")
	}
}

func TestHandleRuns_JSON(t *testing.T) {
	h := setupTest(t)
	for _, ts := range []string{"2024-03-01T08:00:00Z", "2024-03-02T08:00:00Z", "2024-03-03T08:00:00Z"} {
		seedRun(t, h.db, "books", db.RunOK, ts, 1)
	}

	req := httptest.NewRequest("GET", "/runs?limit=2", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.HandleRuns(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	var resp struct {
		Runs []db.Run `json:"runs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(resp.Runs))
	}
	if resp.Runs[0].StartedAt != "2024-03-03T08:00:00Z" {
		t.Errorf("first run started_at = %s, want newest", resp.Runs[0].StartedAt)
	}
}

// --- HandleCheckpoints ---

func TestHandleCheckpoints(t *testing.T) {
	h := setupTest(t)
	ctx := context.Background()
	if _, err := db.AdvanceCheckpoint(ctx, h.db, "lib1", "2024-03-01T08:00:00Z"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := db.AdvanceCheckpoint(ctx, h.db, "lib2", ""); err != nil {
		t.Fatalf("advance: %v", err)
	}

	req := httptest.NewRequest("GET", "/checkpoints", nil)
	rec := httptest.NewRecorder()
	h.HandleCheckpoints(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"lib1", "lib2", "2024-03-01T08:00:00Z"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in response", want)
		}
	}
}

func TestHandleCheckpoints_JSONFilter(t *testing.T) {
	h := setupTest(t)
	ctx := context.Background()
	for _, id := range []string{"lib1", "lib2"} {
		if _, err := db.AdvanceCheckpoint(ctx, h.db, id, "2024-03-01T08:00:00Z"); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	req := httptest.NewRequest("GET", "/checkpoints?collection_id=lib2", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.HandleCheckpoints(rec, req)

	var resp struct {
		Checkpoints []db.Checkpoint `json:"checkpoints"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Checkpoints) != 1 || resp.Checkpoints[0].CollectionID != "lib2" {
		t.Errorf("checkpoints = %+v, want only lib2", resp.Checkpoints)
	}
}

// --- Errors ---

func TestHandleRuns_DatabaseClosed(t *testing.T) {
	h := setupTest(t)
	h.db.Close()

	req := httptest.NewRequest("GET", "/runs", nil)
	rec := httptest.NewRecorder()
	h.HandleRuns(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "an internal error occurred") {
		t.Error("expected generic internal message")
	}
	if strings.Contains(body, "closed") {
		t.Error("internal error detail leaked into page")
	}
}

func TestRenderError_JSON(t *testing.T) {
	h := setupTest(t)

	req := httptest.NewRequest("GET", "/runs", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.renderer.renderError(rec, req, errors.NewNotFound("lib9"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %s, want NOT_FOUND", resp.Error.Code)
	}
}

// --- Server ---

func TestNewServer_Routes(t *testing.T) {
	h := setupTest(t)
	srv, err := NewServer(h.db, "test", "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	tests := []struct {
		path   string
		status int
	}{
		{"/", http.StatusFound},
		{"/runs", http.StatusOK},
		{"/checkpoints", http.StatusOK},
		{"/static/style.css", http.StatusOK},
		{"/records", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))
			if rec.Code != tt.status {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.status)
			}
			if rec.Header().Get("X-Frame-Options") != "DENY" {
				t.Error("missing security headers")
			}
		})
	}
}

func TestNewServer_RejectsWrites(t *testing.T) {
	h := setupTest(t)
	srv, err := NewServer(h.db, "test", "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("POST", "/runs", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /runs = %d, want 405", rec.Code)
	}
}

func TestFormatTime(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "-"},
		{"2024-03-01T08:00:00Z", "2024-03-01 08:00"},
		{"2024-03-01T10:30:00.123+02:00", "2024-03-01 08:30"},
		{"yesterday", "yesterday"},
	}
	for _, tt := range tests {
		if got := formatTime(tt.in); got != tt.want {
			t.Errorf("formatTime(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-4200, "-4,200"},
	}
	for _, tt := range tests {
		if got := formatCount(tt.in); got != tt.want {
			t.Errorf("formatCount(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
