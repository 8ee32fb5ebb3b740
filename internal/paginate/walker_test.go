package paginate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/record"
	"github.com/hpungsan/memsync/internal/remote"
)

const recordsPath = "/v1/collections/lib/records"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeRecords(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{
			"id":           fmt.Sprintf("r%d", i),
			"modifiedTime": fmt.Sprintf("2024-01-01T00:00:%02dZ", i),
		}
	}
	return out
}

func window(recs []map[string]any, start, n int) []map[string]any {
	if start >= len(recs) {
		return []map[string]any{}
	}
	end := start + n
	if end > len(recs) {
		end = len(recs)
	}
	return recs[start:end]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func newClient(t *testing.T, srv *httptest.Server) *remote.Client {
	t.Helper()
	c, err := remote.New(remote.Config{BaseURL: srv.URL, Token: "tok", MaxAttempts: 1, Logger: quietLogger()})
	require.NoError(t, err)
	return c
}

// walkAll walks the fake endpoint and returns every record id in order.
func walkAll(t *testing.T, c *remote.Client, caps Capabilities, limit int) ([]string, Stats) {
	t.Helper()
	w := &Walker{Fetcher: c, Caps: caps, Limit: limit, Logger: quietLogger()}
	var ids []string
	stats, err := w.Walk(context.Background(), c.Endpoint("collections", "lib", "records"), nil, func(p Page) error {
		for _, r := range p.Records {
			ids = append(ids, r.ID)
		}
		return nil
	})
	require.NoError(t, err)
	return ids, stats
}

func expectedIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("r%d", i)
	}
	return out
}

func TestWalk_Conventions(t *testing.T) {
	const total, limit = 7, 3
	recs := fakeRecords(total)

	tests := []struct {
		name      string
		handler   func(w http.ResponseWriter, r *http.Request)
		wantPages int
		strategy  Strategy
	}{
		{
			name: "relative next link",
			handler: func(w http.ResponseWriter, r *http.Request) {
				p := queryInt(r, "p", 0)
				body := map[string]any{"records": window(recs, p*limit, limit)}
				if (p+1)*limit < total {
					body["next"] = fmt.Sprintf("%s?p=%d&limit=%d", recordsPath, p+1, limit)
				}
				writeJSON(w, body)
			},
			wantPages: 3,
			strategy:  StrategyNextLink,
		},
		{
			name: "links.next href",
			handler: func(w http.ResponseWriter, r *http.Request) {
				p := queryInt(r, "p", 0)
				body := map[string]any{"entries": window(recs, p*limit, limit)}
				if (p+1)*limit < total {
					body["links"] = map[string]any{"next": map[string]any{"href": fmt.Sprintf("%s?p=%d", recordsPath, p+1)}}
				}
				writeJSON(w, body)
			},
			wantPages: 3,
			strategy:  StrategyNextLink,
		},
		{
			name: "continuation token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				start := 0
				if tok := r.URL.Query().Get("pageToken"); tok != "" {
					start, _ = strconv.Atoi(tok[1:])
				}
				body := map[string]any{"items": window(recs, start, limit)}
				if start+limit < total {
					body["nextPageToken"] = fmt.Sprintf("t%d", start+limit)
				}
				writeJSON(w, body)
			},
			wantPages: 3,
			strategy:  StrategyToken,
		},
		{
			name: "non-url next is a token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				start := queryInt(r, "pageToken", 0)
				body := map[string]any{"data": window(recs, start, limit)}
				if start+limit < total {
					body["next"] = strconv.Itoa(start + limit)
				}
				writeJSON(w, body)
			},
			wantPages: 3,
			strategy:  StrategyToken,
		},
		{
			name: "offset and total",
			handler: func(w http.ResponseWriter, r *http.Request) {
				off := queryInt(r, "offset", 0)
				writeJSON(w, map[string]any{"records": window(recs, off, limit), "offset": off, "total": total})
			},
			wantPages: 3,
			strategy:  StrategyOffset,
		},
		{
			name: "one-based page and pages",
			handler: func(w http.ResponseWriter, r *http.Request) {
				p := queryInt(r, "page", 1)
				writeJSON(w, map[string]any{"results": window(recs, (p-1)*limit, limit), "page": p, "pages": 3})
			},
			wantPages: 3,
			strategy:  StrategyPage,
		},
		{
			name: "zero-based page and pages",
			handler: func(w http.ResponseWriter, r *http.Request) {
				p := queryInt(r, "page", 0)
				writeJSON(w, map[string]any{"records": window(recs, p*limit, limit), "page": p, "pages": 3})
			},
			wantPages: 3,
			strategy:  StrategyPage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				if r.URL.Path != recordsPath || r.URL.Query().Get("token") != "tok" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				tt.handler(w, r)
			}))
			defer srv.Close()

			ids, stats := walkAll(t, newClient(t, srv), Capabilities{}, limit)
			require.Equal(t, expectedIDs(total), ids)
			require.Equal(t, tt.wantPages, stats.Pages)
			require.EqualValues(t, tt.wantPages, atomic.LoadInt32(&calls))
			require.Equal(t, tt.strategy, stats.Strategy)
			require.Zero(t, stats.Duplicates)
		})
	}
}

func TestWalk_StaticOffsetStops(t *testing.T) {
	recs := fakeRecords(3)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		// Ignores offset entirely.
		writeJSON(w, map[string]any{"records": recs, "offset": 0, "total": 10})
	}))
	defer srv.Close()

	ids, stats := walkAll(t, newClient(t, srv), Capabilities{}, 3)
	require.Equal(t, expectedIDs(3), ids)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
	require.Equal(t, 3, stats.Duplicates)
	require.Equal(t, 6, stats.RawCount)
}

func TestWalk_OffsetWithCappedPageSize(t *testing.T) {
	const total, served = 6, 2
	recs := fakeRecords(total)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		off := queryInt(r, "offset", 0)
		// Ignores the requested limit and never echoes it.
		writeJSON(w, map[string]any{"records": window(recs, off, served), "offset": off, "total": total})
	}))
	defer srv.Close()

	ids, stats := walkAll(t, newClient(t, srv), Capabilities{}, 3)
	require.Equal(t, expectedIDs(total), ids)
	require.Equal(t, 3, stats.Pages)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
	require.Equal(t, StrategyOffset, stats.Strategy)
}

func TestWalk_OffsetUsesEchoedLimit(t *testing.T) {
	const total = 5
	recs := fakeRecords(total)
	var offsets []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		off := queryInt(r, "offset", 0)
		offsets = append(offsets, off)
		// Returns one overlapping record beyond the declared page size.
		writeJSON(w, map[string]any{"records": window(recs, off, 3), "offset": off, "limit": 2, "total": total})
	}))
	defer srv.Close()

	ids, stats := walkAll(t, newClient(t, srv), Capabilities{}, 10)
	require.Equal(t, expectedIDs(total), ids)
	require.Equal(t, []int{0, 2, 4}, offsets)
	require.Equal(t, 2, stats.Duplicates)
}

func TestWalk_RelativeNextURLKeepsBasePath(t *testing.T) {
	const total, limit = 5, 2
	recs := fakeRecords(total)
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path != recordsPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		p := queryInt(r, "p", 0)
		body := map[string]any{"records": window(recs, p*limit, limit)}
		if (p+1)*limit < total {
			body["next_url"] = fmt.Sprintf("collections/lib/records?p=%d", p+1)
		}
		writeJSON(w, body)
	}))
	defer srv.Close()

	ids, stats := walkAll(t, newClient(t, srv), Capabilities{}, limit)
	require.Equal(t, expectedIDs(total), ids)
	require.Equal(t, StrategyNextLink, stats.Strategy)
	require.Equal(t, []string{recordsPath, recordsPath, recordsPath}, paths)
}

func TestFindNextLink(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"absolute next", map[string]any{"next": "https://h/v1/x?p=2"}, "https://h/v1/x?p=2"},
		{"rooted next", map[string]any{"next": "/v1/x?p=2"}, "/v1/x?p=2"},
		{"opaque next is not a link", map[string]any{"next": "abc123"}, ""},
		{"relative next_url", map[string]any{"next_url": "collections/x/records?p=2"}, "collections/x/records?p=2"},
		{"relative nextUrl", map[string]any{"nextUrl": " records?p=3 "}, "records?p=3"},
		{"empty next_url", map[string]any{"next_url": ""}, ""},
		{"links.next string", map[string]any{"links": map[string]any{"next": "x?p=2"}}, "x?p=2"},
		{"nil body", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := findNextLink(tt.body); got != tt.want {
				t.Errorf("findNextLink() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWalk_StaticPageStops(t *testing.T) {
	recs := fakeRecords(2)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, map[string]any{"records": recs, "page": 1, "pages": 50})
	}))
	defer srv.Close()

	ids, _ := walkAll(t, newClient(t, srv), Capabilities{}, 2)
	require.Equal(t, expectedIDs(2), ids)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestWalk_RepeatedLinkStops(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		writeJSON(w, map[string]any{
			"records": []any{map[string]any{"id": fmt.Sprintf("r%d", n)}},
			"next":    recordsPath + "?p=same",
		})
	}))
	defer srv.Close()

	ids, _ := walkAll(t, newClient(t, srv), Capabilities{}, 1)
	require.Equal(t, []string{"r1", "r2"}, ids)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestWalk_TokensRejectedStopsAfterFirstPage(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, map[string]any{"records": fakeRecords(2), "cursor": "abc"})
	}))
	defer srv.Close()

	ids, _ := walkAll(t, newClient(t, srv), Capabilities{TokenProbed: true}, 2)
	require.Len(t, ids, 2)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestWalk_TopLevelArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, fakeRecords(4))
	}))
	defer srv.Close()

	ids, stats := walkAll(t, newClient(t, srv), Capabilities{}, 10)
	require.Equal(t, expectedIDs(4), ids)
	require.Equal(t, StrategyNone, stats.Strategy)
}

func TestWalk_ExpandRunsBeforeYield(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"records": fakeRecords(2)})
	}))
	defer srv.Close()
	c := newClient(t, srv)

	w := &Walker{
		Fetcher: c,
		Logger:  quietLogger(),
		Expand: func(ctx context.Context, page int, recs []record.Record) ([]record.Record, error) {
			for i := range recs {
				recs[i].Fields = []record.Field{{Key: "Title", Value: "expanded"}}
			}
			return recs, nil
		},
	}
	_, err := w.Walk(context.Background(), c.Endpoint("collections", "lib", "records"), nil, func(p Page) error {
		for _, r := range p.Records {
			require.True(t, r.HasFields())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestWalk_PropagatesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := newClient(t, srv)

	w := &Walker{Fetcher: c, Logger: quietLogger()}
	_, err := w.Walk(context.Background(), c.Endpoint("collections", "lib", "records"), nil, func(Page) error { return nil })
	require.True(t, errors.Is(err, errors.ErrUnauthorized), "got %v", err)
}

func TestWalk_SendsLimitAndParams(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		writeJSON(w, map[string]any{"records": []any{}})
	}))
	defer srv.Close()
	c := newClient(t, srv)

	w := &Walker{Fetcher: c, Limit: 25, Logger: quietLogger()}
	_, err := w.Walk(context.Background(), c.Endpoint("collections", "lib", "records"),
		url.Values{"sort": {"modifiedTime"}, "updatedAfter": {"2024-01-01T00:00:00+00:00"}},
		func(Page) error { return nil })
	require.NoError(t, err)
	require.Equal(t, "25", got.Get("limit"))
	require.Equal(t, "modifiedTime", got.Get("sort"))
	require.Equal(t, "2024-01-01T00:00:00+00:00", got.Get("updatedAfter"))
}
