// Package redisstore keeps recently ended session records in Redis for fast lookup.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"aiminigames/sessionsync/internal/session"
)

// ErrNotFound reports a session id with no stored record. It matches session.ErrSessionNotFound.
var ErrNotFound = fmt.Errorf("redisstore: record not found: %w", session.ErrSessionNotFound)

const (
	defaultPrefix = "sessionsync"
	defaultTTL    = 24 * time.Hour
)

// Options configures the store.
type Options struct {
	Prefix string
	TTL    time.Duration
}

// Store writes each record under its own key with a TTL and indexes it in a sorted set by end time.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewClient builds a client and pings it with a short timeout.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// New wraps an existing client.
func New(client *redis.Client, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &Store{client: client, prefix: opts.Prefix, ttl: opts.TTL}
}

func (s *Store) recordKey(sessionID string) string {
	return s.prefix + ":record:" + sessionID
}

func (s *Store) indexKey() string {
	return s.prefix + ":records:ended"
}

// Persist implements session.RecordSink.
func (s *Store) Persist(ctx context.Context, record session.Record) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	//1.- Write the record and its index entry atomically.
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(record.ID), body, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(record.EndedAt.UnixMilli()), Member: record.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

// Get loads the record for sessionID while its TTL has not elapsed.
func (s *Store) Get(ctx context.Context, sessionID string) (session.Record, error) {
	body, err := s.client.Get(ctx, s.recordKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Record{}, ErrNotFound
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("load record: %w", err)
	}
	var record session.Record
	if err := json.Unmarshal(body, &record); err != nil {
		return session.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

// Recent returns up to limit live records, newest first. Index entries whose record
// expired are pruned on the way.
func (s *Store) Recent(ctx context.Context, limit int) ([]session.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	records := make([]session.Record, 0, len(values))
	var expired []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var record session.Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", ids[i], err)
		}
		records = append(records, record)
	}
	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), expired...).Err(); err != nil {
			return records, fmt.Errorf("prune index: %w", err)
		}
	}
	return records, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ session.RecordSink = (*Store)(nil)
