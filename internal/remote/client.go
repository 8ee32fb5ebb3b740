// Package remote is the HTTP client for the collection/record API: retries
// with backoff, optional request pacing and credential redaction.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hpungsan/memsync/internal/config"
	"github.com/hpungsan/memsync/internal/errors"
)

const (
	DefaultMaxAttempts = 8
	DefaultBaseDelay   = 800 * time.Millisecond
	DefaultMaxDelay    = 20 * time.Second
	DefaultJitter      = 400 * time.Millisecond
	DefaultTimeout     = 30 * time.Second

	// maxBodyBytes bounds how much of a response is read into memory.
	maxBodyBytes = 64 << 20
	// snippetBytes bounds the body excerpt carried in error details.
	snippetBytes = 300
	// retryAfterFactor caps a server-sent Retry-After at this multiple of MaxDelay.
	retryAfterFactor = 10
)

// Config configures a Client. Zero values take the defaults above.
type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            time.Duration
	RequestsPerSecond float64

	// Transport overrides the HTTP transport (tests, proxies).
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// ConfigFrom maps application configuration onto a client Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BaseURL:           cfg.APIURL,
		Token:             cfg.Token,
		Timeout:           cfg.Timeout(),
		MaxAttempts:       cfg.MaxAttempts,
		BaseDelay:         time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.BackoffMaxMS) * time.Millisecond,
		Jitter:            time.Duration(cfg.JitterMS) * time.Millisecond,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
}

// Response is a completed HTTP exchange with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the requested URL with credentials redacted.
	URL      string
	Attempts int
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client issues GET requests against the remote API. Safe for concurrent use.
type Client struct {
	base        *url.URL
	token       string
	http        *http.Client
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Client. The base URL is normalized with NormalizeBaseURL.
func New(cfg Config) (*Client, error) {
	normalized, err := NormalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	base, err := url.Parse(normalized)
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid api url: %v", err))
	}

	c := &Client{
		base:        base,
		token:       strings.TrimSpace(cfg.Token),
		timeout:     orDuration(cfg.Timeout, DefaultTimeout),
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   orDuration(cfg.BaseDelay, DefaultBaseDelay),
		maxDelay:    orDuration(cfg.MaxDelay, DefaultMaxDelay),
		jitter:      cfg.Jitter,
		logger:      cfg.Logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:       sleepContext,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.jitter < 0 {
		c.jitter = 0
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	c.http = &http.Client{Transport: transport}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// HasToken reports whether a credential is configured.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Endpoint joins escaped path segments onto the base URL.
func (c *Client) Endpoint(segments ...string) string {
	u := *c.base
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, u.Path)
	escaped := make([]string, 0, len(segments)+1)
	escaped = append(escaped, u.EscapedPath())
	for _, s := range segments {
		parts = append(parts, s)
		escaped = append(escaped, url.PathEscape(s))
	}
	u.Path = path.Join(parts...)
	u.RawPath = path.Join(escaped...)
	u.RawQuery = ""
	return u.String()
}

// Resolve turns a possibly relative link from a response into an absolute URL.
// Relative paths stay under the base path: "collections/x" against
// https://host/v1 is https://host/v1/collections/x.
func (c *Client) Resolve(ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return c.dirBase().ResolveReference(u).String(), nil
}

// dirBase is the base URL with a trailing slash on its path.
func (c *Client) dirBase() *url.URL {
	u := *c.base
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		if u.RawPath != "" {
			u.RawPath += "/"
		}
	}
	return &u
}

// Fetch issues a GET for rawURL merged with params. The token query parameter is
// always (re)attached. 429, 5xx and network failures are retried with backoff;
// any other status is returned as a Response for the caller to interpret.
func (c *Client) Fetch(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	target, err := c.buildURL(rawURL, params)
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid request url: %v", err))
	}
	redacted := Redact(target)

	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.do(ctx, target)
		var delay time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= c.maxAttempts {
				return nil, errors.NewRemoteUnavailable(errors.RemoteDetails{Method: http.MethodGet, URL: redacted}, attempt, scrubError(err))
			}
			delay = c.backoff(attempt - 1)
			c.logger.Debug("remote request failed, retrying",
				slog.String("url", redacted),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", scrubError(err).Error()),
			)

		case retryable(resp.StatusCode):
			resp.URL = redacted
			resp.Attempts = attempt
			if attempt >= c.maxAttempts {
				d := errors.RemoteDetails{Method: http.MethodGet, URL: redacted, Status: resp.StatusCode, Body: snippet(resp.Body)}
				if resp.StatusCode == http.StatusTooManyRequests {
					return nil, errors.NewRateLimited(d, attempt)
				}
				return nil, errors.NewRemoteUnavailable(d, attempt, nil)
			}
			delay = c.backoff(attempt - 1)
			if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				delay = ra
				if limit := c.maxDelay * retryAfterFactor; delay > limit {
					c.logger.Warn("Retry-After exceeds limit, capping",
						slog.String("url", redacted),
						slog.Duration("retry_after", delay),
						slog.Duration("limit", limit),
					)
					delay = limit
				}
			}
			c.logger.Debug("remote busy, retrying",
				slog.String("url", redacted),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)

		default:
			resp.URL = redacted
			resp.Attempts = attempt
			return resp, nil
		}

		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) do(ctx context.Context, target string) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) buildURL(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if !u.IsAbs() {
		u = c.dirBase().ResolveReference(u)
	}
	q := u.Query()
	for k, vs := range params {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if c.token != "" {
		q.Set("token", c.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// backoff returns min(maxDelay, baseDelay*2^n) plus jitter in [0, jitter).
func (c *Client) backoff(n int) time.Duration {
	d := c.maxDelay
	if n < 30 {
		if exp := c.baseDelay << uint(n); exp > 0 && exp < c.maxDelay {
			d = exp
		}
	}
	if c.jitter > 0 {
		c.mu.Lock()
		d += time.Duration(c.rng.Int63n(int64(c.jitter)))
		c.mu.Unlock()
	}
	return d
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// parseRetryAfter accepts delta-seconds or an HTTP-date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > snippetBytes {
		s = s[:snippetBytes] + "..."
	}
	return s
}
