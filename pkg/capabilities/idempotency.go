package capabilities

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore records which action keys have already been performed so
// resumed or retried executions never repeat a side effect.
type IdempotencyStore interface {
	// MarkOnce returns true if the key was newly recorded, false if the action
	// already ran.
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisIdempotencyStore backs idempotency keys with Redis SET NX, sharing
// dedupe state across worker processes.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

func NewRedisIdempotencyStore(redisURL string) (*RedisIdempotencyStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	return &RedisIdempotencyStore{
		client: redis.NewClient(opts),
		prefix: "careflow:idem:",
	}, nil
}

func (s *RedisIdempotencyStore) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark idempotency key: %w", err)
	}

	return ok, nil
}

func (s *RedisIdempotencyStore) Close() error {
	return s.client.Close()
}

// MemoryIdempotencyStore is the in-process store for tests and single-node
// deployments.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{seen: make(map[string]time.Time)}
}

func (s *MemoryIdempotencyStore) MarkOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if expiry, ok := s.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}

	s.seen[key] = now.Add(ttl)

	return true, nil
}

// IdempotentMessenger short-circuits sends whose idempotency key was already
// marked, reporting a deduped result instead of calling the downstream.
type IdempotentMessenger struct {
	next  Messenger
	store IdempotencyStore
	ttl   time.Duration
}

func NewIdempotentMessenger(next Messenger, store IdempotencyStore, ttl time.Duration) *IdempotentMessenger {
	return &IdempotentMessenger{next: next, store: store, ttl: ttl}
}

func (m *IdempotentMessenger) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResult, error) {
	if req.IdempotencyKey != "" {
		fresh, err := m.store.MarkOnce(ctx, req.IdempotencyKey, m.ttl)
		if err != nil {
			return nil, NewExternalActionError("messenger", err)
		}

		if !fresh {
			return &SendMessageResult{Deduped: true, SentAt: time.Now().UTC()}, nil
		}
	}

	return m.next.SendMessage(ctx, req)
}

// IdempotentAppointments applies the same dedupe discipline to hold creation.
type IdempotentAppointments struct {
	next  Appointments
	store IdempotencyStore
	ttl   time.Duration
}

func NewIdempotentAppointments(next Appointments, store IdempotencyStore, ttl time.Duration) *IdempotentAppointments {
	return &IdempotentAppointments{next: next, store: store, ttl: ttl}
}

func (a *IdempotentAppointments) CreateHold(ctx context.Context, req CreateHoldRequest) (*CreateHoldResult, error) {
	if req.IdempotencyKey != "" {
		fresh, err := a.store.MarkOnce(ctx, req.IdempotencyKey, a.ttl)
		if err != nil {
			return nil, NewExternalActionError("appointments", err)
		}

		if !fresh {
			return &CreateHoldResult{Deduped: true}, nil
		}
	}

	return a.next.CreateHold(ctx, req)
}
