package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spider-stats-pusher/internal/types"
)

// RedisStorage keeps the newest reports in a capped list, newest at the head.
type RedisStorage struct {
	client  *redis.Client
	key     string
	history int64
}

func NewRedisStorage(addr string, history int) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     "",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if history < 1 {
		history = 1
	}
	return &RedisStorage{
		client:  client,
		key:     "spiderstats:reports",
		history: int64(history),
	}, nil
}

func (r *RedisStorage) Save(report *types.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, r.history-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}

	return nil
}

func (r *RedisStorage) Load() (*types.Report, error) {
	reports, err := r.History(1)
	if err != nil || len(reports) == 0 {
		return nil, err
	}
	return reports[0], nil
}

func (r *RedisStorage) History(limit int) ([]*types.Report, error) {
	if limit < 1 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	items, err := r.client.LRange(ctx, r.key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}

	reports := make([]*types.Report, 0, len(items))
	for _, item := range items {
		var report types.Report
		if err := json.Unmarshal([]byte(item), &report); err != nil {
			return nil, fmt.Errorf("unmarshal JSON: %w", err)
		}
		reports = append(reports, &report)
	}

	return reports, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
