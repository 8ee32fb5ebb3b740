package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultAPIURL is the public endpoint of the remote service.
const DefaultAPIURL = "https://api.mementodatabase.com/v1"

// Config holds application configuration.
type Config struct {
	// APIURL is the remote service base URL. "/v1" is appended when missing.
	APIURL string `json:"api_url,omitempty"`

	// Token is the API credential, sent as the "token" query parameter.
	// Prefer MEMSYNC_TOKEN over storing it in config.json.
	Token string `json:"token,omitempty"`

	// TimeoutSeconds is the per-request timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// MaxAttempts bounds retries for 429, 5xx and network failures.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// BackoffBaseMS, BackoffMaxMS and JitterMS shape the retry schedule:
	// min(max, base*2^attempt) + U(0, jitter).
	BackoffBaseMS int `json:"backoff_base_ms,omitempty"`
	BackoffMaxMS  int `json:"backoff_max_ms,omitempty"`
	JitterMS      int `json:"jitter_ms,omitempty"`

	// RequestsPerSecond paces outgoing requests. 0 disables pacing.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`

	// DBPath overrides the database location (default baseDir/memsync.db).
	DBPath string `json:"db_path,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// BatchPath is the default INI/YAML batch file listing collections.
	BatchPath string `json:"batch_path,omitempty"`

	// DecisionCacheURL selects a Redis enrichment decision cache (redis://...).
	// Empty keeps decisions in the local database.
	DecisionCacheURL string `json:"decision_cache_url,omitempty"`

	// AllowedPaths are extra directories MCP callers may name batch files in.
	// Only absolute paths are honored.
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths lifts the directory restriction on batch paths passed
	// over MCP. Traversal and symlink checks still apply.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		APIURL:         DefaultAPIURL,
		TimeoutSeconds: 30,
		MaxAttempts:    8,
		BackoffBaseMS:  800,
		BackoffMaxMS:   20000,
		JitterMS:       400,
	}
}

// Timeout returns TimeoutSeconds as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveDBPath returns DBPath, or baseDir/memsync.db when unset.
func (c *Config) ResolveDBPath(baseDir string) string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(baseDir, "memsync.db")
}

// Load loads configuration from baseDir/config.json and applies env overrides.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.memsync.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	return Merge(cfg, FromEnv(os.Getenv)), nil
}

// FromEnv reads MEMSYNC_TOKEN, MEMSYNC_API_URL and MEMSYNC_TIMEOUT.
// Unset or malformed values stay zero so Merge keeps the file value.
func FromEnv(getenv func(string) string) *Config {
	cfg := &Config{
		Token:  strings.TrimSpace(getenv("MEMSYNC_TOKEN")),
		APIURL: strings.TrimSpace(getenv("MEMSYNC_API_URL")),
	}
	if v := strings.TrimSpace(getenv("MEMSYNC_TIMEOUT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TimeoutSeconds = n
		}
	}
	return cfg
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.APIURL = pickString(overlay.APIURL, base.APIURL)
	result.Token = pickString(overlay.Token, base.Token)
	result.DBPath = pickString(overlay.DBPath, base.DBPath)
	result.BatchPath = pickString(overlay.BatchPath, base.BatchPath)
	result.DecisionCacheURL = pickString(overlay.DecisionCacheURL, base.DecisionCacheURL)

	result.TimeoutSeconds = pickInt(overlay.TimeoutSeconds, base.TimeoutSeconds)
	result.MaxAttempts = pickInt(overlay.MaxAttempts, base.MaxAttempts)
	result.BackoffBaseMS = pickInt(overlay.BackoffBaseMS, base.BackoffBaseMS)
	result.BackoffMaxMS = pickInt(overlay.BackoffMaxMS, base.BackoffMaxMS)
	result.JitterMS = pickInt(overlay.JitterMS, base.JitterMS)
	result.DBMaxOpenConns = pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	result.AllowUnsafePaths = overlay.AllowUnsafePaths || base.AllowUnsafePaths

	result.RequestsPerSecond = overlay.RequestsPerSecond
	if result.RequestsPerSecond == 0 {
		result.RequestsPerSecond = base.RequestsPerSecond
	}

	// Arrays: merge and deduplicate
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func pickString(overlay, base string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
