package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// conversationRecord is the durable value stored per key: the retained turn
// history plus its last update time.
type conversationRecord struct {
	Turns     []Turn    `json:"turns"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RedisStore implements Store with one JSON document per conversation key.
// SET replaces the whole document, which makes Save the atomic upsert the
// flush path relies on.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "conv:"}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "conv:"}
}

func (s *RedisStore) key(key Key) string {
	return s.prefix + key.String()
}

func (s *RedisStore) Load(ctx context.Context, key Key) ([]Turn, error) {
	jsonData, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", key, err)
	}

	var record conversationRecord
	if err := json.Unmarshal([]byte(jsonData), &record); err != nil {
		return nil, fmt.Errorf("unmarshal conversation %s: %w", key, err)
	}
	return record.Turns, nil
}

func (s *RedisStore) Save(ctx context.Context, key Key, turns []Turn) error {
	record := conversationRecord{Turns: turns, UpdatedAt: time.Now().UTC()}
	jsonData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("save conversation %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete conversation %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
