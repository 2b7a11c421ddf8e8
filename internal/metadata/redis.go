package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyWebhook      = "webhook:"
	keyDatabase     = "database:"
	keyUserWebhooks = "user:webhooks:"
)

// RedisConfig holds connection settings for the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix string
}

// RedisStore persists webhook and database documents as JSON values in
// Redis, with a per-user set indexing webhook ownership.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(parts ...string) string {
	result := s.keyPrefix
	for _, p := range parts {
		result += p
	}
	return result
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	data, err := s.client.Get(ctx, s.key(keyWebhook, id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook %s: %w", id, err)
	}

	var w Webhook
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal webhook %s: %w", id, err)
	}
	return &w, nil
}

func (s *RedisStore) ListWebhooksByUser(ctx context.Context, userID string) ([]Webhook, error) {
	ids, err := s.client.SMembers(ctx, s.key(keyUserWebhooks, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list webhooks for user %s: %w", userID, err)
	}

	webhooks := make([]Webhook, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWebhook(ctx, id)
		if err != nil {
			// Index entries may outlive their documents briefly; skip.
			continue
		}
		webhooks = append(webhooks, *w)
	}
	return webhooks, nil
}

func (s *RedisStore) PutWebhook(ctx context.Context, w *Webhook) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	w.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(keyWebhook, w.ID), data, 0)
	pipe.SAdd(ctx, s.key(keyUserWebhooks, w.UserID), w.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put webhook %s: %w", w.ID, err)
	}
	return nil
}

func (s *RedisStore) UpdateWebhook(ctx context.Context, id string, fn func(w *Webhook) error) error {
	w, err := s.GetWebhook(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		return err
	}
	return s.PutWebhook(ctx, w)
}

func (s *RedisStore) DeleteWebhook(ctx context.Context, id string) error {
	w, err := s.GetWebhook(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(keyWebhook, id))
	pipe.SRem(ctx, s.key(keyUserWebhooks, w.UserID), id)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete webhook %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) GetDatabase(ctx context.Context, id string) (*Database, error) {
	data, err := s.client.Get(ctx, s.key(keyDatabase, id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("database %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get database %s: %w", id, err)
	}

	var d Database
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal database %s: %w", id, err)
	}
	return &d, nil
}

func (s *RedisStore) PutDatabase(ctx context.Context, d *Database) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal database: %w", err)
	}
	if err := s.client.Set(ctx, s.key(keyDatabase, d.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("put database %s: %w", d.ID, err)
	}
	return nil
}
