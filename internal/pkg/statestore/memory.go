package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/craftloghq/connect/internal/pkg/autherr"
)

// MemoryStore is the in-process fallback used in development when no cache
// server is configured, and by tests. It implements both StateStore and
// VerifierStore. Unlike Redis it has no native key TTL, so a sweeper ticker
// removes expired entries.
type MemoryStore struct {
	mu        sync.Mutex
	states    map[string]AuthState
	verifiers map[string]verifierEntry

	sweepTicker *time.Ticker
	stopCh      chan struct{}
	stopOnce    sync.Once
}

type verifierEntry struct {
	verifier string
	issuedAt time.Time
}

var (
	_ StateStore    = (*MemoryStore)(nil)
	_ VerifierStore = memVerifiers{}
)

// memVerifiers adapts MemoryStore to the VerifierStore interface.
type memVerifiers struct {
	s *MemoryStore
}

func (m memVerifiers) Put(ctx context.Context, nonce, verifier string) error {
	return m.s.PutVerifier(ctx, nonce, verifier)
}

func (m memVerifiers) Consume(ctx context.Context, nonce string) (string, error) {
	return m.s.ConsumeVerifier(ctx, nonce)
}

// Verifiers returns the store's VerifierStore view.
func (s *MemoryStore) Verifiers() VerifierStore {
	return memVerifiers{s: s}
}

// NewMemoryStore creates the store and starts its background sweep.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		states:      make(map[string]AuthState),
		verifiers:   make(map[string]verifierEntry),
		sweepTicker: time.NewTicker(sweepInterval),
		stopCh:      make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Stop terminates the background sweep. Safe to call more than once.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() {
		s.sweepTicker.Stop()
		close(s.stopCh)
	})
}

func (s *MemoryStore) Put(ctx context.Context, state AuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Nonce] = state
	return nil
}

func (s *MemoryStore) Consume(ctx context.Context, nonce string) (*AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[nonce]
	if !ok {
		return nil, autherr.ErrInvalidState
	}
	delete(s.states, nonce)
	if time.Since(state.IssuedAt) > StateTTL {
		return nil, autherr.ErrInvalidState
	}
	return &state, nil
}

// PutVerifier stores a PKCE verifier under the state nonce.
func (s *MemoryStore) PutVerifier(ctx context.Context, nonce, verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifiers[nonce] = verifierEntry{verifier: verifier, issuedAt: time.Now()}
	return nil
}

// ConsumeVerifier removes and returns the verifier for the nonce.
func (s *MemoryStore) ConsumeVerifier(ctx context.Context, nonce string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.verifiers[nonce]
	if !ok {
		return "", autherr.ErrInvalidState
	}
	delete(s.verifiers, nonce)
	if time.Since(entry.issuedAt) > StateTTL {
		return "", autherr.ErrInvalidState
	}
	return entry.verifier, nil
}

func (s *MemoryStore) sweepLoop() {
	for {
		select {
		case <-s.sweepTicker.C:
			s.sweep(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nonce, state := range s.states {
		if now.Sub(state.IssuedAt) > StateTTL {
			delete(s.states, nonce)
		}
	}
	for nonce, entry := range s.verifiers {
		if now.Sub(entry.issuedAt) > StateTTL {
			delete(s.verifiers, nonce)
		}
	}
}
