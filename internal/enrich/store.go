package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hpungsan/memsync/internal/db"
	"github.com/hpungsan/memsync/internal/errors"
)

// DecisionStore persists enrichment decisions keyed by collection and
// reference signature. A decision stored under another signature is stale
// and must not be returned.
type DecisionStore interface {
	Get(ctx context.Context, collectionID, signature string) (needed, found bool, err error)
	Put(ctx context.Context, collectionID, signature string, needed bool, source string) error
}

// SQLStore keeps decisions in the enrich_decisions table.
type SQLStore struct {
	DB db.Querier
}

func (s *SQLStore) Get(ctx context.Context, collectionID, signature string) (bool, bool, error) {
	return db.GetDecision(ctx, s.DB, collectionID, signature)
}

func (s *SQLStore) Put(ctx context.Context, collectionID, signature string, needed bool, source string) error {
	return db.PutDecision(ctx, s.DB, collectionID, signature, needed, source)
}

// DefaultRedisPrefix namespaces decision keys.
const DefaultRedisPrefix = "memsync:enrich:"

// RedisStore keeps one JSON value per collection, so a new signature
// overwrites the stale decision.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type redisDecision struct {
	Signature string `json:"signature"`
	Needed    bool   `json:"needed"`
	Source    string `json:"source"`
	DecidedAt string `json:"decided_at"`
}

// NewRedisStore connects lazily to the redis:// or rediss:// URL.
func NewRedisStore(rawURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.NewInvalidRequest("decision_cache_url is not a valid redis URL")
	}
	return &RedisStore{client: redis.NewClient(opts), prefix: DefaultRedisPrefix, ttl: ttl}, nil
}

func (s *RedisStore) key(collectionID string) string {
	return s.prefix + collectionID
}

func (s *RedisStore) Get(ctx context.Context, collectionID, signature string) (bool, bool, error) {
	val, err := s.client.Get(ctx, s.key(collectionID)).Bytes()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("get decision %s: %w", collectionID, err)
	}
	var d redisDecision
	if err := json.Unmarshal(val, &d); err != nil {
		return false, false, nil
	}
	if d.Signature != signature {
		return false, false, nil
	}
	return d.Needed, true, nil
}

func (s *RedisStore) Put(ctx context.Context, collectionID, signature string, needed bool, source string) error {
	val, err := json.Marshal(redisDecision{Signature: signature, Needed: needed, Source: source, DecidedAt: db.Now()})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(collectionID), val, s.ttl).Err(); err != nil {
		return fmt.Errorf("set decision %s: %w", collectionID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// NewStore picks the decision store for a configured cache URL: a RedisStore
// for redis:// URLs, the SQL table otherwise.
func NewStore(cacheURL string, q db.Querier) (DecisionStore, error) {
	u := strings.TrimSpace(cacheURL)
	if strings.HasPrefix(u, "redis://") || strings.HasPrefix(u, "rediss://") {
		s, err := NewRedisStore(u, 0)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	if u != "" {
		return nil, errors.NewInvalidRequest("decision_cache_url must be a redis:// or rediss:// URL")
	}
	return &SQLStore{DB: q}, nil
}
