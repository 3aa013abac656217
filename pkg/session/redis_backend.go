package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis.
// It provides distributed session storage suitable for multi-node deployments.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "conductor:session:").
	Prefix string
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a Redis session store and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "conductor:session:"
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

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.SessionTTL,
	}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "conductor:session:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (s *RedisStore) sessionKey(workflow, sessionID string) string {
	return s.prefix + "data:" + workflow + ":" + sessionID
}

func (s *RedisStore) workflowIndexKey(workflow string) string {
	return s.prefix + "workflow:" + workflow
}

// Load retrieves a session by workflow and ID.
func (s *RedisStore) Load(ctx context.Context, workflow, sessionID string) (*SessionData, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.sessionKey(workflow, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session %s/%s: %w", workflow, sessionID, err)
	}

	var sess SessionData
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s/%s: %w", workflow, sessionID, err)
	}

	return &sess, nil
}

// Save creates or updates a session and maintains the workflow index.
func (s *RedisStore) Save(ctx context.Context, data *SessionData) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session %s/%s: %w", data.Workflow, data.ID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.sessionKey(data.Workflow, data.ID), raw, s.ttl)
	pipe.SAdd(ctx, s.workflowIndexKey(data.Workflow), data.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session %s/%s: %w", data.Workflow, data.ID, err)
	}

	return nil
}

// List returns sessions for a workflow ordered by most recent update.
func (s *RedisStore) List(ctx context.Context, workflow string, opts ListOptions) ([]*SessionData, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	sessionIDs, err := s.client.SMembers(ctx, s.workflowIndexKey(workflow)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", workflow, err)
	}

	sessions := make([]*SessionData, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		sess, err := s.Load(ctx, workflow, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Session expired or was deleted, clean up the index.
				s.client.SRem(ctx, s.workflowIndexKey(workflow), id)
				continue
			}
			return nil, err
		}
		if opts.UserID != "" && sess.UserID != opts.UserID {
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	if opts.Limit > 0 && opts.Limit < len(sessions) {
		sessions = sessions[:opts.Limit]
	}

	return sessions, nil
}

// Delete removes a session and its index entry.
func (s *RedisStore) Delete(ctx context.Context, workflow, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.sessionKey(workflow, sessionID))
	pipe.SRem(ctx, s.workflowIndexKey(workflow), sessionID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session %s/%s: %w", workflow, sessionID, err)
	}

	return nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.client.Close()
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}
