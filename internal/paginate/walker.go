package paginate

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hpungsan/memsync/internal/record"
	"github.com/hpungsan/memsync/internal/remote"
)

// DefaultLimit is the page size requested when none is configured.
const DefaultLimit = 100

// Page is one fetched page after deduplication and expansion.
type Page struct {
	Index   int
	Records []record.Record
	// RawCount counts every item in the response, duplicates included.
	RawCount int
	// Strategy is the convention detected on this response.
	Strategy Strategy
	Elapsed  time.Duration
}

// ExpandFunc may replace a page's records before the page is yielded.
type ExpandFunc func(ctx context.Context, page int, recs []record.Record) ([]record.Record, error)

// Walker drives a records endpoint until no next-page signal remains.
type Walker struct {
	Fetcher Fetcher
	Caps    Capabilities
	Limit   int
	Logger  *slog.Logger
	// Expand runs before each page is yielded. Optional.
	Expand ExpandFunc
}

// Stats summarizes a finished walk.
type Stats struct {
	Pages      int      `json:"pages"`
	RawCount   int      `json:"raw_count"`
	Duplicates int      `json:"duplicates"`
	Strategy   Strategy `json:"strategy"`
}

type request struct {
	url    string
	params url.Values
}

func (r request) signature() string {
	keys := make([]string, 0, len(r.params))
	for k := range r.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(r.url)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + strings.Join(r.params[k], ","))
	}
	return b.String()
}

// pageCursor tracks numeric paging state across responses.
type pageCursor struct {
	offset    int
	page      int
	pageBase  int // -1 until detected
	requested bool
}

// Walk fetches startURL with params and every following page, calling fn for
// each one in order. Records are deduplicated by id across the whole walk. The
// walk ends when a response carries no next-page signal, when a request would
// repeat, or when offset/page numbering stops advancing.
func (w *Walker) Walk(ctx context.Context, startURL string, params url.Values, fn func(Page) error) (Stats, error) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := w.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	cur := request{url: startURL, params: cloneValues(params)}
	cur.params.Set("limit", strconv.Itoa(limit))

	var (
		stats    Stats
		seenIDs  = map[string]bool{}
		seenReqs = map[string]bool{}
		cursor   = pageCursor{pageBase: -1}
	)

	for idx := 0; ; idx++ {
		sig := cur.signature()
		if seenReqs[sig] {
			logger.Debug("pagination repeated a request, stopping", slog.Int("page", idx))
			break
		}
		seenReqs[sig] = true

		started := time.Now()
		resp, err := w.Fetcher.Fetch(ctx, cur.url, cur.params)
		if err != nil {
			return stats, err
		}
		if err := remote.CheckStatus(resp); err != nil {
			return stats, err
		}
		var payload any
		if err := remote.DecodeJSON(resp, &payload); err != nil {
			return stats, err
		}

		items, _ := record.Items(payload)
		recs := make([]record.Record, 0, len(items))
		for _, item := range items {
			r := record.Parse(item)
			if r.ID != "" {
				if seenIDs[r.ID] {
					stats.Duplicates++
					continue
				}
				seenIDs[r.ID] = true
			}
			recs = append(recs, r)
		}

		body, _ := payload.(map[string]any)
		next, nextStrategy := w.next(body, cur, &cursor, len(items), limit)

		if w.Expand != nil && len(recs) > 0 {
			recs, err = w.Expand(ctx, idx, recs)
			if err != nil {
				return stats, fmt.Errorf("page %d: %w", idx, err)
			}
		}

		if stats.Strategy == StrategyNone {
			stats.Strategy = nextStrategy
		}
		page := Page{
			Index:    idx,
			Records:  recs,
			RawCount: len(items),
			Strategy: nextStrategy,
			Elapsed:  time.Since(started),
		}
		stats.Pages++
		stats.RawCount += len(items)
		if err := fn(page); err != nil {
			return stats, err
		}

		if next == nil {
			break
		}
		cur = *next
	}
	return stats, nil
}

// next picks the follow-up request by strategy priority.
func (w *Walker) next(body map[string]any, cur request, cursor *pageCursor, itemCount, limit int) (*request, Strategy) {
	if body == nil {
		return nil, StrategyNone
	}

	if link := findNextLink(body); link != "" {
		if abs, err := w.Fetcher.Resolve(link); err == nil {
			return &request{url: abs, params: nil}, StrategyNextLink
		}
	}

	if !w.Caps.TokensRejected() {
		if tok, _ := findToken(body); tok != "" {
			params := cloneValues(cur.params)
			params.Set(w.Caps.tokenParamOrDefault(), tok)
			return &request{url: cur.url, params: params}, StrategyToken
		}
	}

	if itemCount == 0 {
		return nil, StrategyNone
	}

	if echoed, ok := intField(body, "offset"); ok {
		total, hasTotal := intField(body, "total", "count")
		if hasTotal {
			// The server ignored the offset we sent.
			if cursor.requested && echoed < cursor.offset {
				return nil, StrategyOffset
			}
			// Servers may cap the page size below the requested limit; step by
			// what was returned unless the declared page size is smaller.
			declared := limit
			if l, ok := intField(body, "limit"); ok && l > 0 {
				declared = l
			}
			step := itemCount
			if declared <= itemCount {
				step = declared
			}
			nextOffset := echoed + step
			if nextOffset <= echoed || nextOffset >= total {
				return nil, StrategyOffset
			}
			cursor.offset = nextOffset
			cursor.requested = true
			params := cloneValues(cur.params)
			params.Set("offset", strconv.Itoa(nextOffset))
			return &request{url: cur.url, params: params}, StrategyOffset
		}
	}

	if page, ok := intField(body, "page"); ok {
		if pages, ok := intField(body, "pages"); ok {
			if cursor.pageBase < 0 {
				cursor.pageBase = 1
				if page == 0 {
					cursor.pageBase = 0
				}
			}
			if cursor.requested && page < cursor.page {
				return nil, StrategyPage
			}
			nextPage := page + 1
			last := pages
			if cursor.pageBase == 0 {
				last = pages - 1
			}
			if nextPage > last {
				return nil, StrategyPage
			}
			cursor.page = nextPage
			cursor.requested = true
			params := cloneValues(cur.params)
			params.Set("page", strconv.Itoa(nextPage))
			return &request{url: cur.url, params: params}, StrategyPage
		}
	}

	return nil, StrategyNone
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
