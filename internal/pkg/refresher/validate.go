package refresher

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/craftloghq/connect/internal/pkg/autherr"
)

// Connection health values reported by ValidateAll.
const (
	StatusOK          = "ok"
	StatusReauthorize = "reauthorize"
	StatusTemporary   = "temporary_error"
)

// Status is one provider's validation outcome for a user. It never carries
// token material.
type Status struct {
	Provider  string     `json:"provider"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

// ValidateAll checks every active integration of the user by obtaining a
// usable access token for each. Provider calls run concurrently but capped,
// so a user with many connected tools does not fan out unboundedly.
func (c *Coordinator) ValidateAll(ctx context.Context, userID uint) ([]Status, error) {
	integrations, err := c.repo.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, len(integrations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ValidateParallel)
	for i, integration := range integrations {
		i, integration := i, integration
		g.Go(func() error {
			status := Status{Provider: integration.Provider, ExpiresAt: integration.ExpiresAt}
			_, err := c.GetAccessToken(gctx, userID, integration.Provider)
			switch {
			case err == nil:
				status.Status = StatusOK
				// A validation that refreshed the token changed its expiry;
				// report the current one, not the pre-check snapshot.
				if current, rerr := c.repo.GetActive(gctx, userID, integration.Provider); rerr == nil {
					status.ExpiresAt = current.ExpiresAt
				}
			case errors.Is(err, autherr.ErrReauthorizationRequired):
				status.Status = StatusReauthorize
				status.Detail = "reconnect this tool"
			default:
				status.Status = StatusTemporary
				status.Detail = "temporary failure, will retry"
			}
			statuses[i] = status
			return nil
		})
	}
	// Tasks never return errors; Wait only propagates context cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, nil
}
