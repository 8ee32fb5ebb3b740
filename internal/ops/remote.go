package ops

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hpungsan/memsync/internal/config"
	"github.com/hpungsan/memsync/internal/errors"
	"github.com/hpungsan/memsync/internal/paginate"
)

// CollectionsInput contains parameters for the Collections operation.
type CollectionsInput struct {
	IncludeRaw bool
}

// CollectionsOutput contains the result of the Collections operation.
type CollectionsOutput struct {
	Items []paginate.Collection `json:"items"`
	Count int                   `json:"count"`
}

// Collections lists the collections visible to the configured token.
func Collections(ctx context.Context, cfg *config.Config, input CollectionsInput) (*CollectionsOutput, error) {
	client, err := newClient(cfg, slog.Default())
	if err != nil {
		return nil, err
	}
	items, err := paginate.ListCollections(ctx, client, client.Endpoint("collections"), slog.Default())
	if err != nil {
		return nil, coded(err)
	}
	if items == nil {
		items = []paginate.Collection{}
	}
	if !input.IncludeRaw {
		for i := range items {
			items[i].Raw = nil
		}
	}
	return &CollectionsOutput{Items: items, Count: len(items)}, nil
}

// SampleInput contains parameters for the Sample operation.
type SampleInput struct {
	CollectionID string
}

// SampleField is one field of a sampled record.
type SampleField struct {
	Name  string `json:"name"`
	ID    string `json:"id,omitempty"`
	Type  string `json:"type,omitempty"`
	Value any    `json:"value"`
}

// SampleOutput contains the result of the Sample operation.
type SampleOutput struct {
	CollectionID string         `json:"collection_id"`
	RecordID     string         `json:"record_id"`
	Modified     string         `json:"modified,omitempty"`
	Source       string         `json:"source"`
	Detailed     bool           `json:"detailed"`
	Fields       []SampleField  `json:"fields"`
	Raw          map[string]any `json:"raw"`
}

// Sample fetches one record of a collection, for inspecting field names
// before writing a batch section.
func Sample(ctx context.Context, cfg *config.Config, input SampleInput) (*SampleOutput, error) {
	id := strings.TrimSpace(input.CollectionID)
	if id == "" {
		return nil, errors.NewInvalidRequest("collection_id is required")
	}
	client, err := newClient(cfg, slog.Default())
	if err != nil {
		return nil, err
	}
	s, err := client.SampleRecord(ctx, id)
	if err != nil {
		return nil, coded(err)
	}

	fields := make([]SampleField, 0, len(s.Record.Fields))
	for _, f := range s.Record.Fields {
		fields = append(fields, SampleField{Name: f.Key, ID: f.ID, Type: f.Type, Value: f.Value})
	}
	return &SampleOutput{
		CollectionID: id,
		RecordID:     s.Record.ID,
		Modified:     s.Record.Timestamp(),
		Source:       s.Source,
		Detailed:     s.Detailed,
		Fields:       fields,
		Raw:          s.Record.Raw,
	}, nil
}
