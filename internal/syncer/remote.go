// Package syncer replicates session and rollup rows between devices through
// a shared Redis instance. It only runs on demand, never on the record path.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/theirongolddev/burnline/internal/model"

	"github.com/redis/go-redis/v9"
)

// Remote is the replica all devices push to and pull from.
type Remote interface {
	PushSessions(ctx context.Context, rows []model.Session) error
	PullSessions(ctx context.Context) ([]model.Session, error)
	PushDaily(ctx context.Context, rows []model.Aggregate) error
	PullDaily(ctx context.Context) ([]model.Aggregate, error)
	PushMonthly(ctx context.Context, rows []model.Aggregate) error
	PullMonthly(ctx context.Context) ([]model.Aggregate, error)
	Close() error
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the table hashes (default "burnline:").
	Prefix string
}

// RedisRemote stores one hash per table, keyed by row key, with JSON values.
type RedisRemote struct {
	client *redis.Client
	prefix string
}

// NewRedisRemote connects and pings the server.
func NewRedisRemote(ctx context.Context, cfg RedisConfig) (*RedisRemote, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisRemoteFromClient(client, cfg.Prefix), nil
}

// NewRedisRemoteFromClient wraps an existing client.
func NewRedisRemoteFromClient(client *redis.Client, prefix string) *RedisRemote {
	if prefix == "" {
		prefix = "burnline:"
	}
	return &RedisRemote{client: client, prefix: prefix}
}

// Close closes the client.
func (r *RedisRemote) Close() error {
	return r.client.Close()
}

func (r *RedisRemote) key(table string) string {
	return r.prefix + table
}

func pushRows[T any](ctx context.Context, r *RedisRemote, table string, rows []T, key func(T) string) error {
	if len(rows) == 0 {
		return nil
	}
	fields := make(map[string]any, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encoding %s row: %w", table, err)
		}
		fields[key(row)] = string(data)
	}
	if err := r.client.HSet(ctx, r.key(table), fields).Err(); err != nil {
		return fmt.Errorf("pushing %s: %w", table, err)
	}
	return nil
}

func pullRows[T any](ctx context.Context, r *RedisRemote, table string) ([]T, error) {
	all, err := r.client.HGetAll(ctx, r.key(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("pulling %s: %w", table, err)
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]T, 0, len(all))
	for _, k := range keys {
		var row T
		if err := json.Unmarshal([]byte(all[k]), &row); err != nil {
			return nil, fmt.Errorf("decoding %s row %q: %w", table, k, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func sessionKey(s model.Session) string     { return s.SessionID }
func aggregateKey(a model.Aggregate) string { return a.Key }

func (r *RedisRemote) PushSessions(ctx context.Context, rows []model.Session) error {
	return pushRows(ctx, r, "sessions", rows, sessionKey)
}

func (r *RedisRemote) PullSessions(ctx context.Context) ([]model.Session, error) {
	return pullRows[model.Session](ctx, r, "sessions")
}

func (r *RedisRemote) PushDaily(ctx context.Context, rows []model.Aggregate) error {
	return pushRows(ctx, r, "daily", rows, aggregateKey)
}

func (r *RedisRemote) PullDaily(ctx context.Context) ([]model.Aggregate, error) {
	return pullRows[model.Aggregate](ctx, r, "daily")
}

func (r *RedisRemote) PushMonthly(ctx context.Context, rows []model.Aggregate) error {
	return pushRows(ctx, r, "monthly", rows, aggregateKey)
}

func (r *RedisRemote) PullMonthly(ctx context.Context) ([]model.Aggregate, error) {
	return pullRows[model.Aggregate](ctx, r, "monthly")
}
