package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrKeyNotFound = errors.New("key not found")

// JSONStore keeps JSON documents under a key prefix with a TTL. It backs the
// pending-booking side channel.
type JSONStore struct {
	client *redis.Client
	prefix string
}

func NewJSONStore(client *redis.Client, prefix string) *JSONStore {
	return &JSONStore{client: client, prefix: prefix}
}

func (s *JSONStore) key(id string) string {
	return s.prefix + id
}

func (s *JSONStore) Save(ctx context.Context, id string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}
	if err := s.client.Set(ctx, s.key(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", id, err)
	}
	return nil
}

// Update overwrites the document but keeps the remaining TTL.
func (s *JSONStore) Update(ctx context.Context, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}
	ok, err := s.client.SetXX(ctx, s.key(id), data, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("redis set %s: %w", id, err)
	}
	if !ok {
		return ErrKeyNotFound
	}
	return nil
}

func (s *JSONStore) Load(ctx context.Context, id string, v any) error {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("redis get %s: %w", id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", id, err)
	}
	return nil
}

func (s *JSONStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", id, err)
	}
	return nil
}
