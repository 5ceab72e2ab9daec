// Package cache keeps recent run sessions in Redis.
package cache

// File: internal/cache/sessions.go
// Purpose: Redis session store; entries expire a fixed time after the run started.

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"simdash/internal/models"
)

const (
	// KeyPrefix namespaces session keys.
	KeyPrefix = "simdash:session:"
	// DefaultTTL is how long a session stays listed after it started.
	DefaultTTL = 24 * time.Hour

	scanCount = 100
)

// SessionStore stores one JSON document per session.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionStore parses redisURL, connects and pings.
func NewSessionStore(redisURL string, ttl time.Duration) (*SessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewSessionStoreFromClient(client, ttl), nil
}

// NewSessionStoreFromClient wraps an existing client.
func NewSessionStoreFromClient(client *redis.Client, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SessionStore{client: client, ttl: ttl, now: time.Now}
}

// Close closes the Redis connection.
func (s *SessionStore) Close() error {
	return s.client.Close()
}

// Health pings Redis.
func (s *SessionStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save writes the session. Sessions older than the TTL are not stored.
func (s *SessionStore) Save(ctx context.Context, session models.Session) error {
	left := s.remaining(session)
	if left <= 0 {
		return s.Remove(ctx, session.ID)
	}
	body, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, KeyPrefix+session.ID, body, left).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// Get returns a session, or nil when it is missing or expired.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, KeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if s.remaining(session) <= 0 {
		_ = s.Remove(ctx, id)
		return nil, nil
	}
	return &session, nil
}

// List returns all live sessions, newest first. Undecodable entries are skipped.
func (s *SessionStore) List(ctx context.Context) ([]models.Session, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}

	sessions := []models.Session{}
	if len(keys) == 0 {
		return sessions, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var session models.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			continue
		}
		if s.remaining(session) > 0 {
			sessions = append(sessions, session)
		}
	}
	sortNewestFirst(sessions)
	return sessions, nil
}

// Remove deletes a session.
func (s *SessionStore) Remove(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, KeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("remove session %s: %w", id, err)
	}
	return nil
}

func (s *SessionStore) remaining(session models.Session) time.Duration {
	started := time.UnixMilli(session.Timestamp)
	return s.ttl - s.now().Sub(started)
}

func sortNewestFirst(sessions []models.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].Timestamp != sessions[j].Timestamp {
			return sessions[i].Timestamp > sessions[j].Timestamp
		}
		return strings.Compare(sessions[i].ID, sessions[j].ID) < 0
	})
}
