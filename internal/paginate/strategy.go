package paginate

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Strategy is the pagination convention used to reach the next page.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyNextLink
	StrategyToken
	StrategyOffset
	StrategyPage
)

func (s Strategy) String() string {
	switch s {
	case StrategyNextLink:
		return "next-link"
	case StrategyToken:
		return "token"
	case StrategyOffset:
		return "offset"
	case StrategyPage:
		return "page"
	}
	return "none"
}

// MarshalText lets strategies appear by name in JSON output.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// linkKeys always carry a link, relative or absolute.
var linkKeys = []string{"next_url", "nextUrl"}

var tokenKeys = []string{
	"nextPageToken", "next_page_token", "pageToken", "paginationToken",
	"cursor", "nextCursor", "next_cursor", "continuation", "continuationToken",
	"next",
}

// findNextLink returns a next-page link, if any. "next" is a link only when
// URL-shaped; otherwise it is read as a token.
func findNextLink(body map[string]any) string {
	if body == nil {
		return ""
	}
	if s, ok := body["next"].(string); ok && isURLShaped(s) {
		return strings.TrimSpace(s)
	}
	for _, k := range linkKeys {
		if s, ok := body[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	if links, ok := body["links"].(map[string]any); ok {
		switch v := links["next"].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		case map[string]any:
			if href, ok := v["href"].(string); ok && strings.TrimSpace(href) != "" {
				return strings.TrimSpace(href)
			}
		}
	}
	return ""
}

// findToken returns an opaque continuation token and the key it was found under.
// A URL-shaped "next" is a link, not a token.
func findToken(body map[string]any) (token, key string) {
	if body == nil {
		return "", ""
	}
	for _, k := range tokenKeys {
		v, ok := body[k]
		if !ok || v == nil {
			continue
		}
		s := scalarString(v)
		if s == "" || (k == "next" && isURLShaped(s)) {
			continue
		}
		return s, k
	}
	return "", ""
}

func isURLShaped(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "/") || strings.HasPrefix(s, "?")
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return ""
	}
	return ""
}

// intField reads an integer-valued key (number or numeric string).
func intField(body map[string]any, keys ...string) (int, bool) {
	if body == nil {
		return 0, false
	}
	for _, k := range keys {
		switch t := body[k].(type) {
		case json.Number:
			if n, err := t.Int64(); err == nil {
				return int(n), true
			}
			if f, err := t.Float64(); err == nil && f == math.Trunc(f) {
				return int(f), true
			}
		case float64:
			if t == math.Trunc(t) {
				return int(t), true
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
