package statestore

import (
	"context"
	"time"
)

// AuthState is the anti-forgery record behind one outstanding authorization
// redirect. The nonce is the state query parameter; everything else stays
// server-side.
type AuthState struct {
	Nonce    string    `json:"nonce"`
	UserID   uint      `json:"user_id"`
	Provider string    `json:"provider,omitempty"`
	Group    string    `json:"group,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
	// FlowID correlates the redirect and callback log lines of one
	// authorization attempt.
	FlowID string `json:"flow_id"`
}

// StateTTL bounds how long an authorization redirect may stay outstanding.
const StateTTL = 10 * time.Minute

// StateStore persists outstanding authorization states. Consume is strictly
// single-use: a missing, already-consumed or expired nonce all come back as
// the same invalid-state failure, so no partial trust is ever extended.
type StateStore interface {
	Put(ctx context.Context, state AuthState) error
	Consume(ctx context.Context, nonce string) (*AuthState, error)
}

// VerifierStore keeps PKCE code verifiers keyed by state nonce. The verifier
// never leaves the server; only the derived challenge goes into the redirect.
// Entries die with the token exchange that consumes them or with the TTL.
type VerifierStore interface {
	Put(ctx context.Context, nonce, verifier string) error
	Consume(ctx context.Context, nonce string) (string, error)
}
