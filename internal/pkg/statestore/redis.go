package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/craftloghq/connect/internal/pkg/autherr"
)

const (
	stateKeyPrefix    = "connect:oauth:state:"
	verifierKeyPrefix = "connect:oauth:verifier:"
)

// RedisStateStore implements StateStore backed by Redis. Expiry is enforced
// twice: by the key TTL and by an issued-at check on consume, so a clock
// hiccup on the cache server cannot stretch the window.
type RedisStateStore struct {
	client *redis.Client
}

var _ StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Put(ctx context.Context, state AuthState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, stateKeyPrefix+state.Nonce, payload, StateTTL).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, nonce string) (*AuthState, error) {
	raw, err := s.client.GetDel(ctx, stateKeyPrefix+nonce).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, autherr.ErrInvalidState
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	var state AuthState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, autherr.ErrInvalidState
	}
	if time.Since(state.IssuedAt) > StateTTL {
		return nil, autherr.ErrInvalidState
	}
	return &state, nil
}

// RedisVerifierStore implements VerifierStore with the same single-use
// GetDel discipline as the state store.
type RedisVerifierStore struct {
	client *redis.Client
}

var _ VerifierStore = (*RedisVerifierStore)(nil)

// NewRedisVerifierStore constructs a Redis-backed verifier store.
func NewRedisVerifierStore(client *redis.Client) *RedisVerifierStore {
	return &RedisVerifierStore{client: client}
}

func (s *RedisVerifierStore) Put(ctx context.Context, nonce, verifier string) error {
	if err := s.client.Set(ctx, verifierKeyPrefix+nonce, verifier, StateTTL).Err(); err != nil {
		return fmt.Errorf("persist verifier: %w", err)
	}
	return nil
}

func (s *RedisVerifierStore) Consume(ctx context.Context, nonce string) (string, error) {
	verifier, err := s.client.GetDel(ctx, verifierKeyPrefix+nonce).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", autherr.ErrInvalidState
		}
		return "", fmt.Errorf("load verifier: %w", err)
	}
	return verifier, nil
}
