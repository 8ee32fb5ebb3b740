// Package paginate discovers which query parameters a records endpoint honors
// and walks its pages across the pagination conventions seen in the wild.
package paginate

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/hpungsan/memsync/internal/remote"
)

// Fetcher is the subset of remote.Client the walker needs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, params url.Values) (*remote.Response, error)
	Resolve(ref string) (string, error)
}

// Candidate parameter names, tried in order.
var (
	SortKeys     = []string{"modifiedTime", "updatedTime", "createdTime"}
	FilterParams = []string{"updatedAfter", "modifiedAfter"}
	TokenParams  = []string{"pageToken", "cursor"}
)

// probeSince is the filter value used while probing.
const probeSince = "1970-01-01T00:00:00Z"

// Capabilities is what one records endpoint accepted during probing.
// It lives for a single run.
type Capabilities struct {
	// SortKey is the accepted value of the sort parameter, or "".
	SortKey string `json:"sort_key,omitempty"`
	// FilterParam is the accepted modified-since parameter name, or "".
	FilterParam string `json:"filter_param,omitempty"`
	// TokenParam is the accepted page-token parameter name, or "".
	TokenParam string `json:"token_param,omitempty"`
	// TokenProbed is true when a continuation token was available to probe with.
	// A probed endpoint with an empty TokenParam rejects tokens.
	TokenProbed bool `json:"token_probed"`
}

// SortAccepted reports whether a sort key was accepted.
func (c Capabilities) SortAccepted() bool { return c.SortKey != "" }

// FilterAccepted reports whether a modified-since filter was accepted.
func (c Capabilities) FilterAccepted() bool { return c.FilterParam != "" }

// TokensRejected reports whether token paging must be skipped.
func (c Capabilities) TokensRejected() bool { return c.TokenProbed && c.TokenParam == "" }

// tokenParamOrDefault returns the parameter used to send a continuation token.
func (c Capabilities) tokenParamOrDefault() string {
	if c.TokenParam != "" {
		return c.TokenParam
	}
	return TokenParams[0]
}

// Probe issues limit=1 requests against recordsURL to discover accepted
// parameters. Failures only mark a capability absent; Probe never errors.
func Probe(ctx context.Context, f Fetcher, recordsURL string, logger *slog.Logger) Capabilities {
	if logger == nil {
		logger = slog.Default()
	}
	var caps Capabilities
	var first map[string]any

	try := func(params url.Values) (map[string]any, bool) {
		params.Set("limit", "1")
		resp, err := f.Fetch(ctx, recordsURL, params)
		if err != nil || !resp.OK() {
			return nil, false
		}
		var body map[string]any
		if err := remote.DecodeJSON(resp, &body); err != nil {
			// A top-level array is still a successful response.
			return nil, true
		}
		return body, true
	}

	for _, key := range SortKeys {
		if body, ok := try(url.Values{"sort": {key}}); ok {
			caps.SortKey = key
			first = body
			break
		}
	}

	for _, param := range FilterParams {
		body, ok := try(url.Values{param: {probeSince}})
		if ok {
			caps.FilterParam = param
			if first == nil {
				first = body
			}
			break
		}
	}

	if first == nil {
		first, _ = try(url.Values{})
	}

	if tok, _ := findToken(first); tok != "" {
		caps.TokenProbed = true
		for _, param := range TokenParams {
			if _, ok := try(url.Values{param: {tok}}); ok {
				caps.TokenParam = param
				break
			}
		}
	}

	logger.Debug("probed capabilities",
		slog.String("url", remote.Redact(recordsURL)),
		slog.String("sort_key", caps.SortKey),
		slog.String("filter_param", caps.FilterParam),
		slog.String("token_param", caps.TokenParam),
		slog.Bool("token_probed", caps.TokenProbed),
	)
	return caps
}
