package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/record"
)

// CheckStatus maps a terminal non-2xx response onto a coded error.
// Returns nil for 2xx.
func CheckStatus(resp *Response) error {
	if resp.OK() {
		return nil
	}
	d := errors.RemoteDetails{Method: http.MethodGet, URL: resp.URL, Status: resp.StatusCode, Body: snippet(resp.Body)}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return errors.NewUnauthorized(d)
	case http.StatusForbidden:
		return errors.NewForbidden(d)
	case http.StatusNotFound:
		return errors.NewRemoteNotFound(d)
	}
	return errors.NewRemoteRejected(d)
}

// DecodeJSON decodes a response body, keeping numbers as json.Number.
func DecodeJSON(resp *Response, out any) error {
	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return errors.NewRemoteRejected(errors.RemoteDetails{
			Method: http.MethodGet,
			URL:    resp.URL,
			Status: resp.StatusCode,
			Body:   "invalid JSON: " + snippet(resp.Body),
		})
	}
	return nil
}

// GetJSON fetches rawURL and decodes a 2xx JSON body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	resp, err := c.Fetch(ctx, rawURL, params)
	if err != nil {
		return err
	}
	if err := CheckStatus(resp); err != nil {
		return err
	}
	return DecodeJSON(resp, out)
}

// GetCollection returns the collection metadata document.
func (c *Client) GetCollection(ctx context.Context, collectionID string) (map[string]any, error) {
	var out map[string]any
	if err := c.GetJSON(ctx, c.Endpoint("collections", collectionID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRecord fetches one record's detail view. A 404 yields (nil, nil) so
// callers can keep the list-view data.
func (c *Client) GetRecord(ctx context.Context, collectionID, recordID string) (*record.Record, error) {
	resp, err := c.Fetch(ctx, c.Endpoint("collections", collectionID, "records", recordID), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := CheckStatus(resp); err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := DecodeJSON(resp, &raw); err != nil {
		return nil, err
	}
	// Some deployments wrap the detail in {"record": {...}}.
	if inner, ok := raw["record"].(map[string]any); ok {
		raw = inner
	}
	r := record.Parse(raw)
	return &r, nil
}

// Sample is one raw record plus where it came from.
type Sample struct {
	Record   record.Record  `json:"-"`
	Raw      map[string]any `json:"raw"`
	Source   string         `json:"source"`
	Detailed bool           `json:"detailed"`
}

// SampleRecord returns the first record of a collection. It tries the
// form-scoped records path, falls back to the plain records path on 404, and
// fetches the detail view when the list item has no field data.
func (c *Client) SampleRecord(ctx context.Context, collectionID string) (*Sample, error) {
	params := url.Values{"limit": {"1"}}
	paths := []string{
		c.Endpoint("collections", collectionID, "forms", "default", "records"),
		c.Endpoint("collections", collectionID, "records"),
	}

	var resp *Response
	for i, p := range paths {
		r, err := c.Fetch(ctx, p, params)
		if err != nil {
			return nil, err
		}
		if r.StatusCode == http.StatusNotFound && i < len(paths)-1 {
			c.logger.Debug("sample path not found, falling back", slog.String("url", r.URL))
			continue
		}
		if err := CheckStatus(r); err != nil {
			return nil, err
		}
		resp = r
		break
	}

	var payload any
	if err := DecodeJSON(resp, &payload); err != nil {
		return nil, err
	}
	items, _ := record.Items(payload)
	if len(items) == 0 {
		return nil, errors.NewNotFound(fmt.Sprintf("records in collection %s", collectionID))
	}

	s := &Sample{Record: record.Parse(items[0]), Source: Redact(resp.URL)}
	if !s.Record.HasFields() && s.Record.ID != "" {
		detail, err := c.GetRecord(ctx, collectionID, s.Record.ID)
		if err != nil {
			return nil, err
		}
		if detail != nil {
			s.Record = *detail
			s.Detailed = true
		}
	}
	s.Raw = s.Record.Raw
	return s, nil
}
