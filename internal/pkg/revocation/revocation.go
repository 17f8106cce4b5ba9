package revocation

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/craftloghq/connect/app/repository"
	"github.com/craftloghq/connect/internal/pkg/autherr"
	"github.com/craftloghq/connect/internal/pkg/providers"
	"github.com/craftloghq/connect/internal/pkg/vault"
)

const revokeTimeout = 10 * time.Second

// Revoker handles disconnects: a best-effort revocation call at the
// provider, then soft-deactivation of the stored integration. The row is
// never deleted; it is the audit trail of when the connection existed.
type Revoker struct {
	repo   repository.IntegrationRepository
	vault  *vault.Vault
	lookup func(string) (providers.Config, error)
	client *http.Client
}

// NewRevoker wires a Revoker. client may be nil for the default.
func NewRevoker(repo repository.IntegrationRepository, v *vault.Vault, client *http.Client) *Revoker {
	if client == nil {
		client = &http.Client{Timeout: revokeTimeout}
	}
	return &Revoker{
		repo:   repo,
		vault:  v,
		lookup: providers.ByName,
		client: client,
	}
}

// SetProviderLookup overrides provider resolution (tests).
func (r *Revoker) SetProviderLookup(lookup func(string) (providers.Config, error)) {
	if lookup != nil {
		r.lookup = lookup
	}
}

// Disconnect revokes the provider grant if the provider supports it and then
// deactivates the integration. Revocation failure is logged and swallowed:
// the local disconnect always goes through.
func (r *Revoker) Disconnect(ctx context.Context, userID uint, provider string) error {
	integration, err := r.repo.GetActive(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return autherr.ErrNotConnected
		}
		return err
	}

	if revoked, rerr := r.tryRevoke(ctx, provider, integration.AccessToken); rerr != nil {
		log.Warnf("[revoke] best-effort revocation failed user=%d provider=%s: %v", userID, provider, rerr)
	} else if revoked {
		log.Infof("[revoke] token revoked at provider user=%d provider=%s", userID, provider)
	}

	return r.repo.Deactivate(ctx, userID, provider)
}

// tryRevoke returns (false, nil) when the provider has no revocation
// endpoint, (true, nil) on success, and an error otherwise.
func (r *Revoker) tryRevoke(ctx context.Context, provider, encryptedToken string) (bool, error) {
	cfg, err := r.lookup(provider)
	if err != nil {
		return false, err
	}
	if cfg.RevokeURL == "" {
		log.Infof("[revoke] provider %s has no revocation endpoint, local disconnect only", provider)
		return false, nil
	}

	accessToken, err := r.vault.Decrypt(encryptedToken)
	if err != nil {
		return false, err
	}

	form := url.Values{"token": {accessToken}}
	if id, secret, cerr := cfg.ClientCredentials(); cerr == nil {
		form.Set("client_id", id)
		form.Set("client_secret", secret)
	}

	rctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return false, errors.New("revocation endpoint returned " + resp.Status)
	}
	return true, nil
}
