package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/memsync/internal/config"
	"github.com/hpungsan/memsync/internal/db"
	"github.com/hpungsan/memsync/internal/errors"
)

// testSetup creates a temporary database, a fake remote API and a batch file
// in the base directory. It returns the base directory.
func testSetup(t *testing.T) (*sql.DB, *config.Config, string) {
	t.Helper()

	baseDir := t.TempDir()
	database, err := db.Init(baseDir)
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		var body any
		switch r.URL.Path {
		case "/v1/collections":
			body = map[string]any{"collections": []map[string]any{{"id": "lib1", "name": "Books"}}}
		case "/v1/collections/lib1/records":
			body = map[string]any{"records": []map[string]any{
				{"id": "a", "modifiedTime": "2024-02-01T00:00:00Z", "fields": map[string]any{"Title": "Dune"}},
			}}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.APIURL = srv.URL
	cfg.Token = "tok"
	cfg.MaxAttempts = 1
	cfg.BatchPath = writeBatch(t, baseDir, "batch.ini")

	return database, cfg, baseDir
}

func writeBatch(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("[books]\nlibrary_id = lib1\nenrich_details = 0\n"), 0600); err != nil {
		t.Fatalf("failed to write batch file: %v", err)
	}
	return path
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

type handlerFunc func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

type handlerCase struct {
	name      string
	args      map[string]any
	errorCode string
}

func runCases(t *testing.T, handler handlerFunc, tests []handlerCase) {
	t.Helper()
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if tt.errorCode != "" {
				if !result.IsError {
					t.Fatalf("expected error result, got success")
				}
				assertErrorCode(t, result, tt.errorCode)
				return
			}
			if result.IsError {
				t.Errorf("expected success, got error: %v", extractErrorMessage(result))
			}
		})
	}
}

func TestHandleSyncRun(t *testing.T) {
	database, cfg, baseDir := testSetup(t)
	h := NewHandlers(database, cfg, baseDir)

	outside := writeBatch(t, t.TempDir(), "batch.ini")
	second := writeBatch(t, baseDir, "second.ini")

	runCases(t, h.HandleSyncRun, []handlerCase{
		{name: "configured batch path", args: map[string]any{}},
		{name: "explicit path in base dir", args: map[string]any{"batch_path": second, "full": true}},
		{name: "selected collection", args: map[string]any{"collections": []any{"books"}}},
		{name: "unknown collection", args: map[string]any{"collections": []any{"films"}}, errorCode: "NOT_FOUND"},
		{name: "path outside allowed dirs", args: map[string]any{"batch_path": outside}, errorCode: "INVALID_REQUEST"},
		{name: "traversal", args: map[string]any{"batch_path": baseDir + "/../x.ini"}, errorCode: "INVALID_REQUEST"},
		{name: "wrong extension", args: map[string]any{"batch_path": filepath.Join(baseDir, "b.json")}, errorCode: "INVALID_REQUEST"},
		{name: "bad argument type", args: map[string]any{"full": "yes"}, errorCode: "INVALID_REQUEST"},
	})
}

func TestHandleSyncRun_Output(t *testing.T) {
	database, cfg, baseDir := testSetup(t)
	h := NewHandlers(database, cfg, baseDir)

	result, err := h.HandleSyncRun(context.Background(), makeRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out := parseOutput(t, result)
	if out["inserted"] != float64(1) {
		t.Errorf("inserted = %v, want 1", out["inserted"])
	}
	results, _ := out["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	first := results[0].(map[string]any)
	if first["collection"] != "books" || first["table"] != "books" {
		t.Errorf("result = %v", first)
	}
}

func TestHandleSyncStatusAndReset(t *testing.T) {
	database, cfg, baseDir := testSetup(t)
	h := NewHandlers(database, cfg, baseDir)
	ctx := context.Background()

	if r, _ := h.HandleSyncRun(ctx, makeRequest(map[string]any{})); r.IsError {
		t.Fatalf("sync failed: %s", extractErrorMessage(r))
	}

	result, err := h.HandleSyncStatus(ctx, makeRequest(map[string]any{"collection": "books", "limit": 5}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out := parseOutput(t, result)
	if cps := out["checkpoints"].([]any); len(cps) != 1 {
		t.Errorf("checkpoints = %d, want 1", len(cps))
	}
	if runs := out["runs"].([]any); len(runs) != 1 {
		t.Errorf("runs = %d, want 1", len(runs))
	}

	runCases(t, h.HandleSyncStatus, []handlerCase{
		{name: "bad limit", args: map[string]any{"limit": "many"}, errorCode: "INVALID_REQUEST"},
	})

	runCases(t, h.HandleSyncReset, []handlerCase{
		{name: "no address", args: map[string]any{}, errorCode: "INVALID_REQUEST"},
		{name: "by section", args: map[string]any{"collection": "books"}},
		{name: "already reset", args: map[string]any{"collection_id": "lib1"}, errorCode: "NOT_FOUND"},
		{name: "section in disallowed file", args: map[string]any{
			"collection": "books",
			"batch_path": writeBatch(t, t.TempDir(), "other.ini"),
		}, errorCode: "INVALID_REQUEST"},
	})
}

func TestHandleRemoteTools(t *testing.T) {
	database, cfg, baseDir := testSetup(t)
	h := NewHandlers(database, cfg, baseDir)
	ctx := context.Background()

	result, err := h.HandleRemoteCollections(ctx, makeRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out := parseOutput(t, result)
	if out["count"] != float64(1) {
		t.Errorf("count = %v, want 1", out["count"])
	}

	result, err = h.HandleRemoteSample(ctx, makeRequest(map[string]any{"collection_id": "lib1"}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out = parseOutput(t, result)
	if out["record_id"] != "a" {
		t.Errorf("record_id = %v, want a", out["record_id"])
	}

	runCases(t, h.HandleRemoteSample, []handlerCase{
		{name: "missing collection_id", args: map[string]any{}, errorCode: "INVALID_REQUEST"},
		{name: "unknown collection", args: map[string]any{"collection_id": "nope"}, errorCode: "NOT_FOUND"},
	})

	cfg.Token = ""
	runCases(t, h.HandleRemoteCollections, []handlerCase{
		{name: "missing token", args: map[string]any{}, errorCode: "MISSING_CONFIG"},
	})
}

func TestHandleTableExpand(t *testing.T) {
	database, cfg, baseDir := testSetup(t)
	h := NewHandlers(database, cfg, baseDir)

	if r, _ := h.HandleSyncRun(context.Background(), makeRequest(map[string]any{})); r.IsError {
		t.Fatalf("sync failed: %s", extractErrorMessage(r))
	}

	runCases(t, h.HandleTableExpand, []handlerCase{
		{name: "synced table", args: map[string]any{"table": "books", "type_columns": "summary:text"}},
		{name: "missing table", args: map[string]any{}, errorCode: "INVALID_REQUEST"},
		{name: "unknown table", args: map[string]any{"table": "films"}, errorCode: "NOT_FOUND"},
		{name: "bad type_columns", args: map[string]any{"table": "books", "type_columns": "summary"}, errorCode: "INVALID_REQUEST"},
	})
}

func TestServerRegistration(t *testing.T) {
	database, cfg, baseDir := testSetup(t)

	s := NewServer(database, cfg, baseDir, "test")
	tools := s.ListTools()
	if tools == nil {
		t.Fatal("expected tools to be registered, got nil")
	}

	expectedTools := []string{
		"sync_run",
		"sync_status",
		"sync_reset",
		"remote_collections",
		"remote_sample",
		"table_expand",
	}

	if len(tools) != len(expectedTools) {
		t.Errorf("registered tool count = %d, want %d", len(tools), len(expectedTools))
	}
	for _, name := range expectedTools {
		if _, ok := tools[name]; !ok {
			t.Errorf("missing registered tool: %s", name)
		}
	}
}

func TestServerRegistration_WithDisabledTools(t *testing.T) {
	database, cfg, baseDir := testSetup(t)

	cfg.DisabledTools = []string{"sync_reset", "table_expand", "sync_reset"}
	tools := NewServer(database, cfg, baseDir, "test").ListTools()

	if len(tools) != 4 {
		t.Errorf("registered tool count = %d, want 4", len(tools))
	}
	for _, name := range []string{"sync_reset", "table_expand"} {
		if _, ok := tools[name]; ok {
			t.Errorf("disabled tool %q should not be registered", name)
		}
	}
}

func TestServerRegistration_AllToolsDisabled(t *testing.T) {
	database, cfg, baseDir := testSetup(t)

	cfg.DisabledTools = AllToolNames()
	tools := NewServer(database, cfg, baseDir, "test").ListTools()

	if len(tools) != 0 {
		t.Errorf("registered tool count = %d, want 0 (all disabled)", len(tools))
	}
}

func TestValidateDisabledTools(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantLen int
	}{
		{"all valid", []string{"sync_reset", "table_expand"}, 0},
		{"one unknown", []string{"sync_reset", "store_record"}, 1},
		{"all unknown", []string{"foo", "bar", "baz"}, 3},
		{"empty list", []string{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unknown := ValidateDisabledTools(tt.input)
			if len(unknown) != tt.wantLen {
				t.Errorf("ValidateDisabledTools() returned %d unknown, want %d", len(unknown), tt.wantLen)
			}
		})
	}
}

func TestAllToolNames(t *testing.T) {
	names := AllToolNames()
	if len(names) != len(toolRegistry) {
		t.Errorf("AllToolNames() returned %d names, want %d", len(names), len(toolRegistry))
	}
	if names[0] != "remote_collections" {
		t.Errorf("AllToolNames() not sorted: %v", names)
	}
	if unknown := ValidateDisabledTools(names); len(unknown) != 0 {
		t.Errorf("AllToolNames() returned invalid names: %v", unknown)
	}
}

func TestErrorResult_InternalDoesNotExposeDetails(t *testing.T) {
	r := errorResult(fmt.Errorf("page 2: %w", errors.NewInternal(fmt.Errorf("open /tmp/secret.db: permission denied"))))
	errObj := errorObject(t, r)

	if errObj["code"] != string(errors.ErrInternal) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrInternal)
	}
	if _, ok := errObj["details"]; ok {
		t.Fatal("expected INTERNAL errors to omit details")
	}
	if strings.Contains(errObj["message"].(string), "secret") {
		t.Errorf("message leaks internal error: %v", errObj["message"])
	}
}

func TestErrorResult_WrappedErrorPreservesContext(t *testing.T) {
	r := errorResult(fmt.Errorf("page 3: %w", errors.NewSchemaMismatch("books", []string{"a"})))
	errObj := errorObject(t, r)

	if errObj["code"] != string(errors.ErrSchemaMismatch) {
		t.Errorf("code=%v, want %v", errObj["code"], errors.ErrSchemaMismatch)
	}
	msg := errObj["message"].(string)
	if !strings.HasPrefix(msg, "page 3: table") {
		t.Errorf("message should keep wrapper context without the code, got: %s", msg)
	}
}

func TestErrorResult_NonInternalIncludesDetails(t *testing.T) {
	errObj := errorObject(t, errorResult(errors.NewNotFound("abc")))

	if errObj["code"] != string(errors.ErrNotFound) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrNotFound)
	}
	if _, ok := errObj["details"]; !ok {
		t.Fatal("expected non-INTERNAL errors to include details when present")
	}
}

func TestErrorResult_PlainError(t *testing.T) {
	errObj := errorObject(t, errorResult(fmt.Errorf("boom")))
	if errObj["code"] != string(errors.ErrInternal) || errObj["message"] != "an internal error occurred" {
		t.Errorf("plain errors should be generic INTERNAL, got %v", errObj)
	}
}

// Helper functions

func errorObject(t *testing.T, r *mcp.CallToolResult) map[string]any {
	t.Helper()
	if !r.IsError {
		t.Fatal("expected IsError=true")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(r.Content[0].(mcp.TextContent).Text), &payload); err != nil {
		t.Fatalf("failed to unmarshal error payload: %v", err)
	}
	return payload["error"].(map[string]any)
}

// parseOutput extracts and unmarshals the JSON output from an MCP result.
func parseOutput(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %v", extractErrorMessage(result))
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &output); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return output
}

func assertErrorCode(t *testing.T, result *mcp.CallToolResult, expectedCode string) {
	t.Helper()
	errorObj := errorObject(t, result)
	code, ok := errorObj["code"].(string)
	if !ok {
		t.Errorf("no code in error object")
		return
	}
	if code != expectedCode {
		t.Errorf("got error code %q, want %q", code, expectedCode)
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return "<no content>"
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return "<not text content>"
	}
	return text.Text
}
