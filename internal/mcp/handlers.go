package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/memsync/internal/config"
	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/ops"
	"github.com/hpungsan/memsync/internal/sync"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	db  *sql.DB
	cfg *config.Config
	// baseDir is always an allowed batch directory.
	baseDir string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(db *sql.DB, cfg *config.Config, baseDir string) *Handlers {
	return &Handlers{db: db, cfg: cfg, baseDir: baseDir}
}

// SyncRunRequest represents the arguments for sync_run.
type SyncRunRequest struct {
	BatchPath   string   `json:"batch_path,omitempty"`
	Collections []string `json:"collections,omitempty"`
	Full        bool     `json:"full,omitempty"`
}

// SyncStatusRequest represents the arguments for sync_status.
type SyncStatusRequest struct {
	Collection   string `json:"collection,omitempty"`
	CollectionID string `json:"collection_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// SyncResetRequest represents the arguments for sync_reset.
type SyncResetRequest struct {
	CollectionID string `json:"collection_id,omitempty"`
	Collection   string `json:"collection,omitempty"`
	BatchPath    string `json:"batch_path,omitempty"`
}

// RemoteCollectionsRequest represents the arguments for remote_collections.
type RemoteCollectionsRequest struct {
	IncludeRaw bool `json:"include_raw,omitempty"`
}

// RemoteSampleRequest represents the arguments for remote_sample.
type RemoteSampleRequest struct {
	CollectionID string `json:"collection_id"`
}

// TableExpandRequest represents the arguments for table_expand.
type TableExpandRequest struct {
	Table       string `json:"table"`
	TypeColumns string `json:"type_columns,omitempty"`
}

// HandleSyncRun handles the sync_run tool call.
func (h *Handlers) HandleSyncRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SyncRunRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if err := h.checkBatchPath(input.BatchPath); err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Sync(ctx, h.db, h.cfg, ops.SyncInput{
		BatchPath:   input.BatchPath,
		Collections: input.Collections,
		Full:        input.Full,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleSyncStatus handles the sync_status tool call.
func (h *Handlers) HandleSyncStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SyncStatusRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Status(ctx, h.db, ops.StatusInput{
		Collection:   input.Collection,
		CollectionID: input.CollectionID,
		Limit:        input.Limit,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleSyncReset handles the sync_reset tool call.
func (h *Handlers) HandleSyncReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SyncResetRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Collection != "" {
		if err := h.checkBatchPath(input.BatchPath); err != nil {
			return errorResult(err), nil
		}
	}

	result, err := ops.Reset(ctx, h.db, h.cfg, ops.ResetInput{
		CollectionID: input.CollectionID,
		Collection:   input.Collection,
		BatchPath:    input.BatchPath,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleRemoteCollections handles the remote_collections tool call.
func (h *Handlers) HandleRemoteCollections(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RemoteCollectionsRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Collections(ctx, h.cfg, ops.CollectionsInput{IncludeRaw: input.IncludeRaw})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleRemoteSample handles the remote_sample tool call.
func (h *Handlers) HandleRemoteSample(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RemoteSampleRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Sample(ctx, h.cfg, ops.SampleInput{CollectionID: input.CollectionID})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleTableExpand handles the table_expand tool call.
func (h *Handlers) HandleTableExpand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TableExpandRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	typeColumns, err := sync.ParseTypeColumns("table_expand", input.TypeColumns)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Expand(ctx, h.db, ops.ExpandInput{Table: input.Table, TypeColumns: typeColumns})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// checkBatchPath validates a caller-supplied batch path. An empty path falls
// back to the configured batch_path, which is trusted.
func (h *Handlers) checkBatchPath(path string) error {
	if path == "" {
		return nil
	}
	return ops.ValidateBatchPath(path, h.baseDir, h.cfg)
}

// decode unmarshals MCP request arguments into a typed struct.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var result T
	b, err := json.Marshal(req.GetArguments())
	if err != nil {
		return result, fmt.Errorf("marshal args: %w", err)
	}
	if err := json.Unmarshal(b, &result); err != nil {
		return result, fmt.Errorf("invalid arguments: %w", err)
	}
	return result, nil
}

// errorResult converts an error to an MCP error result.
func errorResult(err error) *mcp.CallToolResult {
	content, _ := json.Marshal(errors.Payload(err))
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates a successful MCP result with JSON content.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
