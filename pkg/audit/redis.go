package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fathom-labs/appwarden/pkg/contracts"
)

// RedisSink appends records to a Redis list. RPUSH/LRANGE keeps the sink
// append-only; nothing in this package removes entries.
type RedisSink struct {
	client *redis.Client
	key    string
}

// NewRedisSink creates a sink writing to the given list key. An empty key
// defaults to "appwarden:audit".
func NewRedisSink(client *redis.Client, key string) *RedisSink {
	if key == "" {
		key = "appwarden:audit"
	}
	return &RedisSink{client: client, key: key}
}

// Append RPUSHes the JSON-encoded record.
func (s *RedisSink) Append(ctx context.Context, r contracts.AuditRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("audit: record marshal failed: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, b).Err(); err != nil {
		return fmt.Errorf("audit: redis rpush failed: %w", err)
	}
	return nil
}

// List returns every record in append order.
func (s *RedisSink) List(ctx context.Context) ([]contracts.AuditRecord, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("audit: redis lrange failed: %w", err)
	}
	out := make([]contracts.AuditRecord, 0, len(raw))
	for _, item := range raw {
		var r contracts.AuditRecord
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("audit: corrupt redis entry: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
