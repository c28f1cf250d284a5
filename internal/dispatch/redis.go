package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"channelsync/internal/config"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// RedisQueue is a list used with LPUSH and BRPOP.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	if q.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode dispatch message: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push dispatch message: %w", err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context, wait time.Duration) (Message, bool, error) {
	if q.client == nil {
		return Message{}, false, fmt.Errorf("redis client is nil")
	}

	var res []string
	var err error
	if wait <= 0 {
		var val string
		val, err = q.client.RPop(ctx, q.key).Result()
		res = []string{q.key, val}
	} else {
		res, err = q.client.BRPop(ctx, wait, q.key).Result()
	}
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("failed to pop dispatch message: %w", err)
	}
	if len(res) != 2 {
		return Message{}, false, nil
	}

	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return Message{}, false, fmt.Errorf("decode dispatch message: %w", err)
	}
	return msg, true, nil
}

// Len is the number of waiting messages.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	if q.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	return q.client.LLen(ctx, q.key).Result()
}
