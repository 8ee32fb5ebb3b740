package remote

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// secretParams are query parameters whose values never reach logs or errors.
var secretParams = []string{"token", "access_token", "api_key", "apikey", "key"}

// secretHeaders are header names redacted by RedactHeader.
var secretHeaders = []string{"Authorization", "Proxy-Authorization", "X-Api-Key"}

const redacted = "***"

// Redact masks credential query parameters and userinfo in a URL.
// Unparseable input is masked entirely.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	if u.User != nil {
		u.User = url.User(redacted)
	}
	q := u.Query()
	changed := false
	for k := range q {
		if isSecretParam(k) {
			q.Set(k, redacted)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactHeader returns a copy of h with credential headers masked.
func RedactHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range secretHeaders {
		if out.Get(name) != "" {
			out.Set(name, redacted)
		}
	}
	return out
}

func isSecretParam(k string) bool {
	for _, s := range secretParams {
		if strings.EqualFold(k, s) {
			return true
		}
	}
	return false
}

// scrubError rewrites *url.Error so the URL it embeds is redacted.
func scrubError(err error) error {
	var uErr *url.Error
	if stderrors.As(err, &uErr) {
		return fmt.Errorf("%s %s: %w", uErr.Op, Redact(uErr.URL), uErr.Err)
	}
	return err
}

// NormalizeBaseURL cleans a configured API URL: strips quotes and inline
// comments, removes a trailing slash and appends /v1 when no version segment
// is present.
func NormalizeBaseURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for _, marker := range []string{" ;", " #", "\t;", "\t#"} {
		if i := strings.Index(s, marker); i >= 0 {
			s = s[:i]
		}
	}
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if s == "" {
		return "", fmt.Errorf("api url is empty")
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("api url must be http or https, got %q", s)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api url has no host: %q", s)
	}
	u.RawQuery = ""
	u.Fragment = ""
	p := strings.TrimRight(u.Path, "/")
	if !hasVersionSegment(p) {
		p += "/v1"
	}
	u.Path = p
	u.RawPath = ""
	return u.String(), nil
}

func hasVersionSegment(p string) bool {
	i := strings.LastIndex(p, "/")
	last := p[i+1:]
	if len(last) < 2 || last[0] != 'v' {
		return false
	}
	for _, r := range last[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
