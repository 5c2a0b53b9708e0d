package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier is the hot tier: a low-latency volatile buffer of recent turns.
// Keys carry a TTL so idle sessions age out of Redis on their own; the tier
// keeps at most maxTurns turns per session.
type RedisTier struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	maxTurns int
	mu       sync.RWMutex
	closed   bool
}

// RedisConfig holds Redis connection configuration for the hot tier.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "hostagent:session:").
	Prefix string
	// SessionTTL is the key expiry duration (0 = never expire).
	SessionTTL time.Duration
	// MaxTurns bounds the per-session turn buffer (default: DefaultBufferTurns).
	MaxTurns int
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisTier creates a hot tier backed by Redis and verifies the connection.
func NewRedisTier(cfg RedisConfig) (*RedisTier, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisTierFromClient(client, cfg.Prefix, cfg.SessionTTL, cfg.MaxTurns), nil
}

// NewRedisTierFromClient creates a hot tier from an existing client.
// This is useful for testing with miniredis.
func NewRedisTierFromClient(client *redis.Client, prefix string, ttl time.Duration, maxTurns int) *RedisTier {
	if prefix == "" {
		prefix = "hostagent:session:"
	}
	if maxTurns <= 0 {
		maxTurns = DefaultBufferTurns
	}
	return &RedisTier{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		maxTurns: maxTurns,
	}
}

// Name identifies the tier.
func (t *RedisTier) Name() string { return "redis" }

// Key helpers
func (t *RedisTier) metaKey(sessionID string) string {
	return t.prefix + "meta:" + sessionID
}

func (t *RedisTier) turnsKey(sessionID string) string {
	return t.prefix + "turns:" + sessionID
}

func (t *RedisTier) indexKey() string {
	return t.prefix + "index"
}

func (t *RedisTier) checkOpen() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrTierClosed
	}
	return nil
}

// SaveSession creates or updates session metadata.
func (t *RedisTier) SaveSession(ctx context.Context, meta *SessionMetadata) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	pipe := t.client.Pipeline()
	pipe.Set(ctx, t.metaKey(meta.ID), data, t.ttl)
	pipe.SAdd(ctx, t.indexKey(), meta.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession retrieves session metadata by ID.
func (t *RedisTier) LoadSession(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	data, err := t.client.Get(ctx, t.metaKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var meta SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// DeleteSession removes a session, its turn buffer, and its index entry.
func (t *RedisTier) DeleteSession(ctx context.Context, sessionID string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	pipe := t.client.Pipeline()
	pipe.Del(ctx, t.metaKey(sessionID))
	pipe.Del(ctx, t.turnsKey(sessionID))
	pipe.SRem(ctx, t.indexKey(), sessionID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions returns metadata for every session this tier still holds.
// Index entries whose keys have expired are cleaned up as they are found.
func (t *RedisTier) ListSessions(ctx context.Context) ([]*SessionMetadata, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := t.client.SMembers(ctx, t.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*SessionMetadata, 0, len(ids))
	for _, id := range ids {
		meta, err := t.LoadSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Key expired under the index entry.
				t.client.SRem(ctx, t.indexKey(), id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, meta)
	}
	return sessions, nil
}

// AppendTurn pushes a turn onto the session's buffer and trims it to the
// configured bound. The TTL is refreshed on every append.
func (t *RedisTier) AppendTurn(ctx context.Context, sessionID string, turn *Turn) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	pipe := t.client.Pipeline()
	pipe.RPush(ctx, t.turnsKey(sessionID), data)
	pipe.LTrim(ctx, t.turnsKey(sessionID), int64(-t.maxTurns), -1)
	if t.ttl > 0 {
		pipe.Expire(ctx, t.turnsKey(sessionID), t.ttl)
		pipe.Expire(ctx, t.metaKey(sessionID), t.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// LoadTurns retrieves the buffered turns for a session in seq order.
func (t *RedisTier) LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	data, err := t.client.LRange(ctx, t.turnsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	turns := make([]*Turn, 0, len(data))
	for _, d := range data {
		var turn Turn
		if err := json.Unmarshal([]byte(d), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, &turn)
	}
	return turns, nil
}

// Close releases the connection pool.
func (t *RedisTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}

// Ping checks if the Redis connection is alive.
func (t *RedisTier) Ping(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.client.Ping(ctx).Err()
}
