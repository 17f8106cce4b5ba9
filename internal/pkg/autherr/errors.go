package autherr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the token lifecycle core. Callers branch on these with
// errors.Is; the concrete message wrapped around them stays internal and is
// never shown to end users.
var (
	// ErrReauthorizationRequired means the provider permanently rejected the
	// refresh token. The only way forward is a new authorization flow.
	ErrReauthorizationRequired = errors.New("reauthorization required: reconnect this tool")

	// ErrTransientFailure covers network errors, 5xx and 429 responses after
	// the internal retry budget is exhausted. Callers may try again later.
	ErrTransientFailure = errors.New("temporary provider failure, try again later")

	// ErrInvalidState is returned for a missing, expired or reused OAuth
	// state nonce. The user has to restart the authorization flow.
	ErrInvalidState = errors.New("invalid or expired authorization state, restart the connection flow")

	// ErrLockContention means another process holds the refresh lock and the
	// re-read fallback did not observe a fresh token in time. Transient.
	ErrLockContention = errors.New("refresh in progress elsewhere, try again shortly")

	// ErrNotConnected means no active integration exists for the pair.
	ErrNotConnected = errors.New("provider is not connected")
)

// ConfigError is a fatal startup misconfiguration (missing vault key or
// provider credentials). It is never recovered from at runtime.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Key, e.Reason)
}

// NewConfigError builds a ConfigError for the given setting.
func NewConfigError(key, reason string) *ConfigError {
	return &ConfigError{Key: key, Reason: reason}
}

// IsTransient reports whether err belongs to the retry-later class.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFailure) || errors.Is(err, ErrLockContention)
}
