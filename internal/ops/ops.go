// Package ops implements the operations shared by the CLI and the MCP server.
// Each takes an Input struct and returns an Output struct or a coded error.
package ops

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/hpungsan/memsync/internal/config"
	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/remote"
)

// Run history limits for Status.
const (
	DefaultRunLimit = 20
	MaxRunLimit     = 200
)

// newClient builds the remote client for cfg. Every remote operation needs a
// token, so its absence is reported before any request is made.
func newClient(cfg *config.Config, logger *slog.Logger) (*remote.Client, error) {
	rc := remote.ConfigFrom(cfg)
	rc.Logger = logger
	client, err := remote.New(rc)
	if err != nil {
		return nil, err
	}
	if !client.HasToken() {
		return nil, errors.NewMissingConfig("", "token")
	}
	return client, nil
}

// loadBatch resolves the batch path (input first, then config) and parses it.
func loadBatch(path string, cfg *config.Config) (*config.Batch, error) {
	if path == "" && cfg != nil {
		path = cfg.BatchPath
	}
	if path == "" {
		return nil, errors.NewMissingConfig("", "batch_path")
	}
	batch, err := config.LoadBatch(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.NewNotFound(path)
		}
		return nil, errors.NewInvalidRequest(fmt.Sprintf("batch file: %v", err))
	}
	return batch, nil
}

func runLimit(n int) int {
	if n <= 0 {
		return DefaultRunLimit
	}
	return min(n, MaxRunLimit)
}

// coded passes SyncErrors through and wraps anything else as INTERNAL.
func coded(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.NewInternal(err)
}
