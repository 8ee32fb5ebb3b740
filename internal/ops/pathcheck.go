package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/memsync/internal/config"
	"github.com/hpungsan/memsync/internal/errors"
)

// ValidateBatchPath checks a batch file path supplied by an MCP caller.
// It checks:
// 1. Path traversal (.. sequences)
// 2. Extension (.ini, .cfg, .conf, .yaml or .yml)
// 3. Directory restrictions (file must be DIRECTLY in baseDir, the directory
// of the configured batch_path, or an allowed_paths entry)
// 4. Symlink safety (neither the file nor its parent may be a symlink)
//
// Sync writes enrichment decisions back into the batch file, so the same
// rules apply to reads and writes.
func ValidateBatchPath(path, baseDir string, cfg *config.Config) error {
	if path == "" {
		return errors.NewInvalidRequest("batch_path is required")
	}
	if containsTraversal(path) {
		return errors.NewInvalidRequest("batch_path must not contain directory traversal (..)")
	}

	cleaned := filepath.Clean(path)
	if _, err := config.DetectFormat(cleaned); err != nil {
		return errors.NewInvalidRequest(err.Error())
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid batch_path: %v", err))
	}

	if cfg == nil || !cfg.AllowUnsafePaths {
		allowedDirs, err := allowedBatchDirs(baseDir, cfg)
		if err != nil {
			return err
		}
		parentDir := filepath.Dir(absPath)
		if !isDirectlyIn(parentDir, allowedDirs) {
			return errors.NewInvalidRequest(
				fmt.Sprintf("batch file must be directly in an allowed directory (no subdirectories); allowed: %v",
					allowedDirs))
		}
		if info, err := os.Lstat(parentDir); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return errors.NewInvalidRequest("parent directory must not be a symlink")
		}
	}

	info, err := os.Lstat(absPath)
	if os.IsNotExist(err) {
		return errors.NewNotFound(path)
	}
	if err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid batch_path: %v", err))
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest("batch_path must not be a symlink")
	}
	if info.IsDir() {
		return errors.NewInvalidRequest("batch_path is a directory")
	}
	return nil
}

// allowedBatchDirs returns the allowed directories, absolute and cleaned.
// Existing symlinked entries are resolved to their targets.
func allowedBatchDirs(baseDir string, cfg *config.Config) ([]string, error) {
	var dirs []string
	if baseDir != "" {
		dirs = append(dirs, baseDir)
	}
	if cfg != nil {
		if cfg.BatchPath != "" {
			dirs = append(dirs, filepath.Dir(cfg.BatchPath))
		}
		for _, p := range cfg.AllowedPaths {
			if filepath.IsAbs(p) {
				dirs = append(dirs, p)
			}
		}
	}

	result := make([]string, 0, len(dirs))
	for _, d := range dirs {
		abs, err := filepath.Abs(filepath.Clean(d))
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid allowed path: %v", err))
		}
		if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(abs)
			if err != nil {
				return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot resolve symlink in allowed path: %v", err))
			}
			abs = resolved
		}
		result = append(result, abs)
	}
	return result, nil
}

// isDirectlyIn reports whether parentDir is exactly one of dirs.
func isDirectlyIn(parentDir string, dirs []string) bool {
	parentDir = filepath.Clean(parentDir)
	for _, dir := range dirs {
		if parentDir == filepath.Clean(dir) {
			return true
		}
	}
	return false
}

// containsTraversal checks if path contains ".." directory traversal.
func containsTraversal(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == ".." {
			return true
		}
	}
	if filepath.Separator != '/' {
		for _, part := range strings.Split(path, "/") {
			if part == ".." {
				return true
			}
		}
	}
	return false
}
