package paginate

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/hpungsan/memsync/internal/record"
)

// Collection is one entry of the remote collection listing.
type Collection struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Raw  map[string]any `json:"raw,omitempty"`
}

var collectionNameKeys = []string{"name", "title", "label"}

// ListCollections walks the collection listing at endpoint and returns every
// collection once, in listing order.
func ListCollections(ctx context.Context, f Fetcher, endpoint string, logger *slog.Logger) ([]Collection, error) {
	w := &Walker{Fetcher: f, Logger: logger}
	var out []Collection
	_, err := w.Walk(ctx, endpoint, url.Values{}, func(p Page) error {
		for _, r := range p.Records {
			if r.ID == "" {
				continue
			}
			out = append(out, Collection{ID: r.ID, Name: collectionName(r), Raw: r.Raw})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func collectionName(r record.Record) string {
	for _, k := range collectionNameKeys {
		if s, ok := r.Raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
