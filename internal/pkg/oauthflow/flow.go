package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/craftloghq/connect/app/models"
	"github.com/craftloghq/connect/app/repository"
	"github.com/craftloghq/connect/internal/pkg/providers"
	"github.com/craftloghq/connect/internal/pkg/statestore"
	"github.com/craftloghq/connect/internal/pkg/vault"
)

// Manager drives the authorization-code side of the token lifecycle: it
// issues authorization URLs with anti-forgery state (and PKCE where the
// provider supports it) and turns callbacks into persisted integrations.
type Manager struct {
	repo        repository.IntegrationRepository
	vault       *vault.Vault
	states      statestore.StateStore
	verifiers   statestore.VerifierStore
	redirectURL string

	lookup      func(string) (providers.Config, error)
	groupLookup func(group, redirectURL string) (*oauth2.Config, []providers.Config, error)
	httpClient  *http.Client
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithProviderLookup overrides provider resolution (tests point endpoints at
// local fakes through this).
func WithProviderLookup(lookup func(string) (providers.Config, error)) Option {
	return func(m *Manager) {
		if lookup != nil {
			m.lookup = lookup
		}
	}
}

// WithGroupLookup overrides group resolution.
func WithGroupLookup(lookup func(group, redirectURL string) (*oauth2.Config, []providers.Config, error)) Option {
	return func(m *Manager) {
		if lookup != nil {
			m.groupLookup = lookup
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates an authorization flow manager. redirectURL is the
// absolute callback endpoint shared by all providers.
func NewManager(repo repository.IntegrationRepository, v *vault.Vault, states statestore.StateStore, verifiers statestore.VerifierStore, redirectURL string, opts ...Option) *Manager {
	m := &Manager{
		repo:        repo,
		vault:       v,
		states:      states,
		verifiers:   verifiers,
		redirectURL: redirectURL,
		lookup:      providers.ByName,
		groupLookup: providers.GroupOAuthConfig,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// newStateNonce returns 32 bytes of CSPRNG output, base64url-encoded. The
// nonce is the only thing the client ever sees of the authorization state.
func newStateNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// BuildAuthorizationURL starts a connection flow for a single provider.
func (m *Manager) BuildAuthorizationURL(ctx context.Context, userID uint, provider string) (string, error) {
	cfg, err := m.lookup(provider)
	if err != nil {
		return "", err
	}
	oc, err := cfg.OAuthConfig(m.redirectURL)
	if err != nil {
		return "", err
	}
	return m.buildURL(ctx, oc, cfg, statestore.AuthState{UserID: userID, Provider: provider})
}

// BuildGroupAuthorizationURL starts a connection flow covering every member
// of a provider group behind a single consent screen.
func (m *Manager) BuildGroupAuthorizationURL(ctx context.Context, userID uint, group string) (string, error) {
	oc, members, err := m.groupLookup(group, m.redirectURL)
	if err != nil {
		return "", err
	}
	return m.buildURL(ctx, oc, members[0], statestore.AuthState{UserID: userID, Group: group})
}

func (m *Manager) buildURL(ctx context.Context, oc *oauth2.Config, cfg providers.Config, state statestore.AuthState) (string, error) {
	nonce, err := newStateNonce()
	if err != nil {
		return "", err
	}
	state.Nonce = nonce
	state.IssuedAt = m.now()
	state.FlowID = uuid.NewString()
	if err := m.states.Put(ctx, state); err != nil {
		return "", err
	}

	var opts []oauth2.AuthCodeOption
	for k, v := range cfg.ExtraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if cfg.UsesPKCE {
		verifier := oauth2.GenerateVerifier()
		if err := m.verifiers.Put(ctx, nonce, verifier); err != nil {
			return "", err
		}
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	log.Infof("[oauth] issued authorization url flow=%s user=%d provider=%s group=%s pkce=%t",
		state.FlowID, state.UserID, state.Provider, state.Group, cfg.UsesPKCE)
	return oc.AuthCodeURL(nonce, opts...), nil
}

// HandleCallback validates the state, exchanges the code once and persists
// the resulting integration(s). An authorization code is single-use, so
// exchange failures are terminal for this attempt — the user restarts.
func (m *Manager) HandleCallback(ctx context.Context, code, state string) ([]models.Integration, error) {
	st, err := m.states.Consume(ctx, state)
	if err != nil {
		return nil, err
	}

	var (
		oc      *oauth2.Config
		members []providers.Config
	)
	if st.Group != "" {
		oc, members, err = m.groupLookup(st.Group, m.redirectURL)
		if err != nil {
			return nil, err
		}
	} else {
		cfg, lerr := m.lookup(st.Provider)
		if lerr != nil {
			return nil, lerr
		}
		oc, err = cfg.OAuthConfig(m.redirectURL)
		if err != nil {
			return nil, err
		}
		members = []providers.Config{cfg}
	}

	var exchangeOpts []oauth2.AuthCodeOption
	if members[0].UsesPKCE {
		verifier, verr := m.verifiers.Consume(ctx, st.Nonce)
		if verr != nil {
			return nil, verr
		}
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(verifier))
	}

	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	tok, err := oc.Exchange(ctx, code, exchangeOpts...)
	if err != nil {
		log.Warnf("[oauth] code exchange failed flow=%s user=%d provider=%s group=%s: %v", st.FlowID, st.UserID, st.Provider, st.Group, err)
		return nil, fmt.Errorf("authorization code exchange failed: %w", err)
	}

	encAccess, err := m.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	encRefresh := ""
	if tok.RefreshToken != "" {
		encRefresh, err = m.vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return nil, err
		}
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		t := tok.Expiry
		expiresAt = &t
	}

	created := make([]models.Integration, 0, len(members))
	for _, member := range members {
		integration := models.Integration{
			UserID:       st.UserID,
			Provider:     member.Name,
			AccessToken:  encAccess,
			RefreshToken: encRefresh,
			ExpiresAt:    expiresAt,
			Scope:        strings.Join(member.Scopes, " "),
			Active:       true,
			ConnectedAt:  m.now(),
		}
		if err := m.repo.Upsert(ctx, &integration); err != nil {
			return nil, err
		}
		created = append(created, integration)
	}

	log.Infof("[oauth] connected flow=%s user=%d providers=%d group=%s", st.FlowID, st.UserID, len(created), st.Group)
	return created, nil
}
