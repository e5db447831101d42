// Package session keeps chat sessions alive between HTTP requests and
// process restarts.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dealdesk/internal/chatbot"
)

var ErrNotFound = errors.New("session: not found")

// Store persists controller snapshots.
type Store interface {
	Load(ctx context.Context, id string) (chatbot.State, error)
	Save(ctx context.Context, st chatbot.State) error
	Delete(ctx context.Context, id string) error
}

// ─── Memory ───────────────────────────────────────────────────────────────────

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryStore keeps JSON snapshots in process with a sliding TTL.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Load(_ context.Context, id string) (chatbot.State, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok && s.ttl > 0 && s.now().After(e.expires) {
		delete(s.entries, id)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return chatbot.State{}, ErrNotFound
	}
	return decode(e.data)
}

func (s *MemoryStore) Save(_ context.Context, st chatbot.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", st.SessionID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[st.SessionID] = memoryEntry{data: data, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// ─── Redis ────────────────────────────────────────────────────────────────────

const redisKeyPrefix = "dealdesk:session:"

// RedisStore keeps JSON snapshots under dealdesk:session:<id>.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Connect builds a client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (chatbot.State, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return chatbot.State{}, ErrNotFound
	}
	if err != nil {
		return chatbot.State{}, fmt.Errorf("session: redis get %s: %w", id, err)
	}
	return decode(data)
}

func (s *RedisStore) Save(ctx context.Context, st chatbot.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", st.SessionID, err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+st.SessionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set %s: %w", st.SessionID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, redisKeyPrefix+id).Err()
}

func decode(data []byte) (chatbot.State, error) {
	var st chatbot.State
	if err := json.Unmarshal(data, &st); err != nil {
		return chatbot.State{}, fmt.Errorf("session: decode snapshot: %w", err)
	}
	return st, nil
}
