package main

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/memsync/internal/config"
	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/ops"
	"github.com/hpungsan/memsync/internal/sync"
	"github.com/hpungsan/memsync/internal/web"
)

// exitPartial is returned by sync when some collections failed.
const exitPartial = 2

// newCLIApp creates the CLI application with all commands.
func newCLIApp(db *sql.DB, cfg *config.Config) *cli.App {
	app := &cli.App{
		Name:    "memsync",
		Usage:   "Incremental sync of remote collections into local SQLite",
		Version: Version,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Usage: "Debug logging on stderr"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logLevel.Set(slog.LevelDebug)
			}
			return nil
		},
		Commands: []*cli.Command{
			syncCmd(db, cfg),
			statusCmd(db),
			resetCmd(db, cfg),
			collectionsCmd(cfg),
			sampleCmd(cfg),
			expandCmd(db),
			serveCmd(db),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// syncCmd creates the sync command.
func syncCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "Sync batch-file collections into local tables",
		ArgsUsage: "[section...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "batch", Aliases: []string{"b"}, Usage: "Batch file (.ini or .yaml); defaults to batch_path from config"},
			&cli.BoolFlag{Name: "full", Usage: "Ignore checkpoints and re-read every record"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Sync(c.Context, db, cfg, ops.SyncInput{
				BatchPath:   c.String("batch"),
				Collections: c.Args().Slice(),
				Full:        c.Bool("full"),
			})
			if err != nil {
				return outputError(err)
			}
			if err := outputJSON(c.App.Writer, output); err != nil {
				return err
			}
			if n := len(output.Failures); n > 0 {
				return cli.Exit(fmt.Sprintf("%d collection(s) failed", n), exitPartial)
			}
			return nil
		},
	}
}

// statusCmd creates the status command.
func statusCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show checkpoints and recent runs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "collection", Aliases: []string{"c"}, Usage: "Only runs of this batch section"},
			&cli.StringFlag{Name: "collection-id", Usage: "Only the checkpoint of this remote collection"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultRunLimit, Usage: "Runs to show (max 200)"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Status(c.Context, db, ops.StatusInput{
				Collection:   c.String("collection"),
				CollectionID: c.String("collection-id"),
				Limit:        c.Int("limit"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// resetCmd creates the reset command.
func resetCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "reset",
		Usage:     "Delete a checkpoint so the next run starts over",
		ArgsUsage: "[collection_id]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "collection", Aliases: []string{"c"}, Usage: "Batch section whose library_id is reset"},
			&cli.StringFlag{Name: "batch", Aliases: []string{"b"}, Usage: "Batch file used with --collection"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Reset(c.Context, db, cfg, ops.ResetInput{
				CollectionID: c.Args().First(),
				Collection:   c.String("collection"),
				BatchPath:    c.String("batch"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// collectionsCmd creates the collections command.
func collectionsCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "collections",
		Usage: "List remote collections",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "raw", Usage: "Include raw listing objects"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Collections(c.Context, cfg, ops.CollectionsInput{IncludeRaw: c.Bool("raw")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// sampleCmd creates the sample command.
func sampleCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "sample",
		Usage:     "Show one record of a remote collection",
		ArgsUsage: "<collection_id>",
		Action: func(c *cli.Context) error {
			output, err := ops.Sample(c.Context, cfg, ops.SampleInput{CollectionID: c.Args().First()})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// expandCmd creates the expand command.
func expandCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:      "expand",
		Usage:     "Backfill empty field columns of a table from stored raw payloads",
		ArgsUsage: "<table>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "type", Aliases: []string{"t"}, Usage: "Extra column filled by field type, as column:type (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			typeColumns, err := sync.ParseTypeColumns("--type", strings.Join(c.StringSlice("type"), ","))
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Expand(c.Context, db, ops.ExpandInput{
				Table:       c.Args().First(),
				TypeColumns: typeColumns,
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// serveCmd creates the serve command.
func serveCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a read-only dashboard of runs and checkpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 8788, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			if port := c.Int("port"); port < 1 || port > 65535 {
				return outputError(errors.NewInvalidRequest(fmt.Sprintf("port must be between 1 and 65535, got %d", port)))
			}
			srv, err := web.NewServer(db, Version, c.String("bind"), c.Int("port"))
			if err != nil {
				return outputError(err)
			}
			return web.Run(c.Context, srv, slog.Default())
		},
	}
}

// Helper functions

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError renders err as a JSON error object for stderr.
func outputError(err error) error {
	payload, _ := json.Marshal(errors.Payload(err))
	return cli.Exit(string(payload), 1)
}

// exitCode returns the exit code carried by err, or 1.
func exitCode(err error) int {
	var ec cli.ExitCoder
	if stderrors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}
