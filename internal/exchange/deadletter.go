package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"channelsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// DeadLetter keeps a copy of items that will not be retried.
type DeadLetter interface {
	Push(ctx context.Context, item *models.QueueItem, reason string) error
}

// DeadLetterEntry is one record of the dead letter list.
type DeadLetterEntry struct {
	Item     *models.QueueItem `json:"item"`
	Reason   string            `json:"reason"`
	FailedAt time.Time         `json:"failed_at"`
}

// RedisDeadLetter stores entries in a redis list, newest first.
type RedisDeadLetter struct {
	client *redis.Client
	key    string
}

func NewRedisDeadLetter(client *redis.Client, key string) *RedisDeadLetter {
	return &RedisDeadLetter{client: client, key: key}
}

func (d *RedisDeadLetter) Push(ctx context.Context, item *models.QueueItem, reason string) error {
	if d.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(DeadLetterEntry{Item: item, Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return d.client.LPush(ctx, d.key, data).Err()
}

// List returns up to limit entries, newest first.
func (d *RedisDeadLetter) List(ctx context.Context, limit int64) ([]DeadLetterEntry, error) {
	if d.client == nil {
		return nil, errors.New("redis client is nil")
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := d.client.LRange(ctx, d.key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	entries := make([]DeadLetterEntry, 0, len(raw))
	for _, r := range raw {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
