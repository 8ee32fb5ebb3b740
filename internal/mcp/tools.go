package mcp

import "github.com/mark3labs/mcp-go/mcp"

var syncRunToolDef = mcp.NewTool("sync_run",
	mcp.WithDescription("Sync collections from a batch file into local SQLite tables. "+
		"Incremental sections fetch only records modified since the stored checkpoint. "+
		"A failing collection is reported in failures and the rest still run."),
	mcp.WithString("batch_path",
		mcp.Description("Batch file (.ini or .yaml). Defaults to batch_path from config.")),
	mcp.WithArray("collections",
		mcp.Description("Batch sections to run. Omit to run every section in file order."),
		mcp.WithStringItems()),
	mcp.WithBoolean("full",
		mcp.Description("Run every selected section as sync=full, ignoring checkpoints.")),
	mcp.WithDestructiveHintAnnotation(false),
)

var syncStatusToolDef = mcp.NewTool("sync_status",
	mcp.WithDescription("Show stored checkpoints and recent sync runs, newest first."),
	mcp.WithString("collection",
		mcp.Description("Only runs of this batch section.")),
	mcp.WithString("collection_id",
		mcp.Description("Only the checkpoint of this remote collection id.")),
	mcp.WithNumber("limit",
		mcp.Description("Runs to return (default 20, max 200).")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var syncResetToolDef = mcp.NewTool("sync_reset",
	mcp.WithDescription("Delete a collection's checkpoint so the next incremental run starts over. "+
		"Synced rows are kept. Address by collection_id, or by collection (batch section)."),
	mcp.WithString("collection_id",
		mcp.Description("Remote collection id.")),
	mcp.WithString("collection",
		mcp.Description("Batch section whose library_id is reset.")),
	mcp.WithString("batch_path",
		mcp.Description("Batch file used with collection. Defaults to batch_path from config.")),
	mcp.WithDestructiveHintAnnotation(true),
)

var remoteCollectionsToolDef = mcp.NewTool("remote_collections",
	mcp.WithDescription("List the remote collections visible to the configured token."),
	mcp.WithBoolean("include_raw",
		mcp.Description("Include each collection's raw listing object.")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var remoteSampleToolDef = mcp.NewTool("remote_sample",
	mcp.WithDescription("Fetch one record of a remote collection to inspect its field names and types."),
	mcp.WithString("collection_id",
		mcp.Required(),
		mcp.Description("Remote collection id.")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var tableExpandToolDef = mcp.NewTool("table_expand",
	mcp.WithDescription("Backfill empty field columns of a synced table from the stored raw payloads."),
	mcp.WithString("table",
		mcp.Required(),
		mcp.Description("Local table name.")),
	mcp.WithString("type_columns",
		mcp.Description(`Extra columns filled by field type, as "column:type, column:type".`)),
)
