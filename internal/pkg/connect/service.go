package connect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/craftloghq/connect/app/models"
	"github.com/craftloghq/connect/app/repository"
	"github.com/craftloghq/connect/internal/pkg/autherr"
	"github.com/craftloghq/connect/internal/pkg/cache"
	"github.com/craftloghq/connect/internal/pkg/database"
	"github.com/craftloghq/connect/internal/pkg/env"
	"github.com/craftloghq/connect/internal/pkg/metrics/counter"
	"github.com/craftloghq/connect/internal/pkg/oauthflow"
	"github.com/craftloghq/connect/internal/pkg/refresher"
	"github.com/craftloghq/connect/internal/pkg/revocation"
	"github.com/craftloghq/connect/internal/pkg/statestore"
	"github.com/craftloghq/connect/internal/pkg/vault"
)

// Service is the single entry point the rest of the application uses for
// third-party tool connections. It is constructed once at process start and
// injected into callers; all concurrency safety lives inside.
type Service struct {
	flow      *oauthflow.Manager
	refresher *refresher.Coordinator
	revoker   *revocation.Revoker
	repo      repository.IntegrationRepository
	vault     *vault.Vault
}

// New assembles a Service from explicitly built components (tests use this).
func New(flow *oauthflow.Manager, coordinator *refresher.Coordinator, revoker *revocation.Revoker, repo repository.IntegrationRepository, v *vault.Vault) *Service {
	return &Service{
		flow:      flow,
		refresher: coordinator,
		revoker:   revoker,
		repo:      repo,
		vault:     v,
	}
}

// NewFromEnv wires the production service: vault key and callback base from
// the environment, MySQL-backed integrations and advisory locks, Redis-backed
// state stores. A missing vault key is fatal here, before any request runs.
func NewFromEnv() (*Service, error) {
	v, err := vault.New(env.GetEnv("TOKEN_VAULT_KEY", ""))
	if err != nil {
		return nil, err
	}

	base := env.GetEnv("PUBLIC_DOMAIN", "")
	if base == "" {
		base = "http://localhost:" + env.GetEnv("APP_PORT", "4000")
	}
	redirectURL := base + "/connect/callback"

	repo := repository.NewDefaultFactory().Integrations()

	var states statestore.StateStore
	var verifiers statestore.VerifierStore
	if env.GetEnv("CACHE_HOST", "") == "" && env.IsDev() {
		// Dev fallback without a cache server; single-process only.
		mem := statestore.NewMemoryStore(time.Minute)
		states = mem
		verifiers = mem.Verifiers()
	} else {
		client := cache.GetClient()
		states = statestore.NewRedisStateStore(client)
		verifiers = statestore.NewRedisVerifierStore(client)
	}

	// The advisory lock is the multi-process story; local mode exists for
	// single-process development runs.
	var locker database.Locker
	if env.GetEnv("CONNECT_LOCK_MODE", "mysql") == "local" {
		locker = database.NewLocalLocker()
	} else {
		locker = database.NewMySQLLocker(database.GetDB())
	}

	coordinator := refresher.NewCoordinator(repo, v, locker, refresher.DefaultTunables(),
		refresher.WithMetrics(func(outcome, provider string) {
			var err error
			switch outcome {
			case refresher.OutcomeSuccess:
				err = counter.AddRefreshSuccess(provider)
			case refresher.OutcomeTransient:
				err = counter.AddRefreshTransient(provider)
			case refresher.OutcomePermanent:
				err = counter.AddRefreshPermanent(provider)
			}
			_ = err // counters are best-effort
		}),
	)

	flow := oauthflow.NewManager(repo, v, states, verifiers, redirectURL)
	revoker := revocation.NewRevoker(repo, v, nil)

	return New(flow, coordinator, revoker, repo, v), nil
}

// BuildAuthorizationURL starts a connection flow for one provider.
func (s *Service) BuildAuthorizationURL(ctx context.Context, userID uint, provider string) (string, error) {
	return s.flow.BuildAuthorizationURL(ctx, userID, provider)
}

// BuildGroupAuthorizationURL starts a connection flow for a provider group.
func (s *Service) BuildGroupAuthorizationURL(ctx context.Context, userID uint, group string) (string, error) {
	return s.flow.BuildGroupAuthorizationURL(ctx, userID, group)
}

// HandleCallback completes an authorization flow.
func (s *Service) HandleCallback(ctx context.Context, code, state string) ([]models.Integration, error) {
	return s.flow.HandleCallback(ctx, code, state)
}

// GetAccessToken returns a usable access token, refreshing when needed.
func (s *Service) GetAccessToken(ctx context.Context, userID uint, provider string) (string, error) {
	return s.refresher.GetAccessToken(ctx, userID, provider)
}

// ForceRefresh refreshes even a still-valid token (diagnostics).
func (s *Service) ForceRefresh(ctx context.Context, userID uint, provider string) (string, error) {
	return s.refresher.ForceRefresh(ctx, userID, provider)
}

// Disconnect revokes best-effort and deactivates the integration.
func (s *Service) Disconnect(ctx context.Context, userID uint, provider string) error {
	return s.revoker.Disconnect(ctx, userID, provider)
}

// ValidateAll checks every connection of the user.
func (s *Service) ValidateAll(ctx context.Context, userID uint) ([]refresher.Status, error) {
	return s.refresher.ValidateAll(ctx, userID)
}

// ConnectionInfo is the secret-free view of one integration.
type ConnectionInfo struct {
	Provider        string     `json:"provider"`
	Scope           string     `json:"scope"`
	ConnectedAt     time.Time  `json:"connected_at"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	ExpiresIn       string     `json:"expires_in,omitempty"`
	HasRefreshToken bool       `json:"has_refresh_token"`
}

// Connections lists the user's active integrations without token material.
func (s *Service) Connections(ctx context.Context, userID uint) ([]ConnectionInfo, error) {
	integrations, err := s.repo.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	infos := make([]ConnectionInfo, 0, len(integrations))
	for _, integration := range integrations {
		infos = append(infos, connectionInfo(&integration))
	}
	return infos, nil
}

// Inspect returns the secret-free view of one integration.
func (s *Service) Inspect(ctx context.Context, userID uint, provider string) (*ConnectionInfo, error) {
	integration, err := s.repo.GetActive(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, autherr.ErrNotConnected
		}
		return nil, err
	}
	info := connectionInfo(integration)
	return &info, nil
}

func connectionInfo(integration *models.Integration) ConnectionInfo {
	info := ConnectionInfo{
		Provider:        integration.Provider,
		Scope:           integration.Scope,
		ConnectedAt:     integration.ConnectedAt,
		LastRefreshedAt: integration.LastRefreshedAt,
		ExpiresAt:       integration.ExpiresAt,
		HasRefreshToken: integration.HasRefreshToken(),
	}
	if integration.ExpiresAt != nil {
		remaining := time.Until(*integration.ExpiresAt).Round(time.Second)
		if remaining < 0 {
			info.ExpiresIn = "expired"
		} else {
			info.ExpiresIn = remaining.String()
		}
	}
	return info
}

// SimulationResult reports what the fault-injection run observed.
type SimulationResult struct {
	Provider     string `json:"provider"`
	RefreshError string `json:"refresh_error"`
	Permanent    bool   `json:"permanent"`
	Restored     bool   `json:"restored"`
}

// SimulateRefreshFailure corrupts the stored refresh token, forces a real
// provider round-trip to observe the permanent-failure path, then restores
// the original token material. Diagnostics only.
func (s *Service) SimulateRefreshFailure(ctx context.Context, userID uint, provider string) (*SimulationResult, error) {
	integration, err := s.repo.GetActive(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, autherr.ErrNotConnected
		}
		return nil, err
	}
	if !integration.HasRefreshToken() {
		return nil, fmt.Errorf("provider %s issued no refresh token, nothing to simulate", provider)
	}

	broken, err := s.vault.Encrypt("corrupted-refresh-token")
	if err != nil {
		return nil, err
	}
	originalRefreshedAt := time.Now()
	if integration.LastRefreshedAt != nil {
		originalRefreshedAt = *integration.LastRefreshedAt
	}
	if err := s.repo.UpdateTokens(ctx, integration.ID, integration.AccessToken, broken, integration.ExpiresAt, originalRefreshedAt); err != nil {
		return nil, err
	}

	result := &SimulationResult{Provider: provider}
	_, refreshErr := s.refresher.ForceRefresh(ctx, userID, provider)
	if refreshErr != nil {
		result.RefreshError = refreshErr.Error()
		result.Permanent = errors.Is(refreshErr, autherr.ErrReauthorizationRequired)
	}

	// Restore the original material whatever the round-trip did.
	if err := s.repo.UpdateTokens(ctx, integration.ID, integration.AccessToken, integration.RefreshToken, integration.ExpiresAt, originalRefreshedAt); err != nil {
		return result, fmt.Errorf("restore after simulation failed: %w", err)
	}
	result.Restored = true
	return result, nil
}
