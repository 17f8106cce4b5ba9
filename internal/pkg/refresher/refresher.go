package refresher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/craftloghq/connect/app/models"
	"github.com/craftloghq/connect/app/repository"
	"github.com/craftloghq/connect/internal/pkg/autherr"
	"github.com/craftloghq/connect/internal/pkg/database"
	"github.com/craftloghq/connect/internal/pkg/providers"
	"github.com/craftloghq/connect/internal/pkg/vault"
)

// Tunables are the coordinator's timing and concurrency knobs. Zero values
// are replaced by the defaults below.
type Tunables struct {
	// RefreshMargin is how far before expiry a token is refreshed
	// proactively, so no caller races against imminent expiry mid-request.
	RefreshMargin time.Duration
	// MaxAttempts bounds refresh HTTP calls per operation.
	MaxAttempts int
	// BaseBackoff is the first retry delay before jitter.
	BaseBackoff time.Duration
	// MaxRetryAfter caps a provider-supplied Retry-After.
	MaxRetryAfter time.Duration
	// LockRetryWait is how long to wait before re-reading the record when
	// another process holds the refresh lock. Tunable rather than
	// hard-coded; sustained contention surfaces as ErrLockContention
	// instead of spinning.
	LockRetryWait time.Duration
	// HTTPTimeout bounds each individual provider call.
	HTTPTimeout time.Duration
	// ProviderParallel caps in-flight refresh calls per provider so a herd
	// of simultaneously expiring tokens does not hammer one host.
	ProviderParallel int64
	// ValidateParallel caps concurrent provider calls in ValidateAll.
	ValidateParallel int
}

// DefaultTunables returns the production defaults.
func DefaultTunables() Tunables {
	return Tunables{
		RefreshMargin:    5 * time.Minute,
		MaxAttempts:      3,
		BaseBackoff:      500 * time.Millisecond,
		MaxRetryAfter:    60 * time.Second,
		LockRetryWait:    2 * time.Second,
		HTTPTimeout:      15 * time.Second,
		ProviderParallel: 10,
		ValidateParallel: 3,
	}
}

func (t Tunables) withDefaults() Tunables {
	def := DefaultTunables()
	if t.RefreshMargin == 0 {
		t.RefreshMargin = def.RefreshMargin
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = def.MaxAttempts
	}
	if t.BaseBackoff == 0 {
		t.BaseBackoff = def.BaseBackoff
	}
	if t.MaxRetryAfter == 0 {
		t.MaxRetryAfter = def.MaxRetryAfter
	}
	if t.LockRetryWait == 0 {
		t.LockRetryWait = def.LockRetryWait
	}
	if t.HTTPTimeout == 0 {
		t.HTTPTimeout = def.HTTPTimeout
	}
	if t.ProviderParallel == 0 {
		t.ProviderParallel = def.ProviderParallel
	}
	if t.ValidateParallel == 0 {
		t.ValidateParallel = def.ValidateParallel
	}
	return t
}

// Coordinator guarantees at most one in-flight refresh per (user, provider)
// across the whole system: a singleflight group dedupes goroutines inside
// this process, the advisory lock covers other processes.
type Coordinator struct {
	repo   repository.IntegrationRepository
	vault  *vault.Vault
	locker database.Locker
	cfg    Tunables

	flight singleflight.Group

	throttleMu sync.Mutex
	throttles  map[string]*semaphore.Weighted

	lookup     func(string) (providers.Config, error)
	httpClient *http.Client
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	record     func(outcome, provider string)
}

// Refresh outcome labels passed to the metrics hook.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient sets the client used for provider token calls.
func WithHTTPClient(c *http.Client) Option {
	return func(co *Coordinator) {
		if c != nil {
			co.httpClient = c
		}
	}
}

// WithProviderLookup overrides provider resolution for tests.
func WithProviderLookup(lookup func(string) (providers.Config, error)) Option {
	return func(co *Coordinator) {
		if lookup != nil {
			co.lookup = lookup
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(co *Coordinator) {
		if now != nil {
			co.now = now
		}
	}
}

// WithSleep overrides the backoff sleeper (tests record delays instead of
// waiting them out).
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(co *Coordinator) {
		if sleep != nil {
			co.sleep = sleep
		}
	}
}

// WithMetrics sets the refresh outcome hook (provider-keyed counters).
func WithMetrics(record func(outcome, provider string)) Option {
	return func(co *Coordinator) {
		if record != nil {
			co.record = record
		}
	}
}

// NewCoordinator wires the refresh coordinator.
func NewCoordinator(repo repository.IntegrationRepository, v *vault.Vault, locker database.Locker, cfg Tunables, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:      repo,
		vault:     v,
		locker:    locker,
		cfg:       cfg.withDefaults(),
		throttles: make(map[string]*semaphore.Weighted),
		lookup:    providers.ByName,
		now:       time.Now,
		sleep:     sleepContext,
		record:    func(string, string) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetAccessToken returns a usable access token for the pair, refreshing it
// first when it is inside the expiry margin. Concurrent callers for the same
// pair share one refresh.
func (c *Coordinator) GetAccessToken(ctx context.Context, userID uint, provider string) (string, error) {
	integration, err := c.repo.GetActive(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", autherr.ErrNotConnected
		}
		return "", err
	}

	// Cheap common path: token comfortably inside its lifetime.
	if integration.FreshUntil(c.now(), c.cfg.RefreshMargin) {
		return c.vault.Decrypt(integration.AccessToken)
	}

	return c.refreshShared(ctx, userID, provider, false)
}

// ForceRefresh refreshes regardless of remaining lifetime. Used by the
// diagnostic surface to exercise the refresh path on demand.
func (c *Coordinator) ForceRefresh(ctx context.Context, userID uint, provider string) (string, error) {
	return c.refreshShared(ctx, userID, provider, true)
}

// refreshShared collapses concurrent refreshes of one pair onto a single
// in-flight call; late arrivals wait on its result instead of issuing their
// own HTTP call. The flight entry is always forgotten when the call ends.
func (c *Coordinator) refreshShared(ctx context.Context, userID uint, provider string, force bool) (string, error) {
	key := fmt.Sprintf("%d:%s", userID, provider)
	token, err, _ := c.flight.Do(key, func() (interface{}, error) {
		return c.refresh(ctx, userID, provider, force)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (c *Coordinator) refresh(ctx context.Context, userID uint, provider string, force bool) (string, error) {
	// Re-read under the lease: a refresh that finished while this caller
	// queued up makes the HTTP call unnecessary.
	integration, err := c.repo.GetActive(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", autherr.ErrNotConnected
		}
		return "", err
	}
	if !force && integration.FreshUntil(c.now(), c.cfg.RefreshMargin) {
		return c.vault.Decrypt(integration.AccessToken)
	}
	if !integration.HasRefreshToken() {
		return "", fmt.Errorf("no refresh token on record: %w", autherr.ErrReauthorizationRequired)
	}

	var accessToken string
	acquired, err := c.locker.WithLock(ctx, database.LockName(userID, provider), func() error {
		// Re-read inside the critical section: another process may have
		// finished its refresh between our read and the lock grant, and a
		// redundant grant call here would clobber its rotated refresh token.
		current, rerr := c.repo.GetActive(ctx, userID, provider)
		if rerr != nil {
			if errors.Is(rerr, gorm.ErrRecordNotFound) {
				return autherr.ErrNotConnected
			}
			return rerr
		}
		if !force && current.FreshUntil(c.now(), c.cfg.RefreshMargin) {
			accessToken, rerr = c.vault.Decrypt(current.AccessToken)
			return rerr
		}
		if !current.HasRefreshToken() {
			return fmt.Errorf("no refresh token on record: %w", autherr.ErrReauthorizationRequired)
		}
		accessToken, rerr = c.doRefresh(ctx, current)
		return rerr
	})
	if err != nil {
		return "", err
	}
	if acquired {
		return accessToken, nil
	}

	// Another process holds the lock. Wait a bounded interval, then decide
	// from the record rather than blocking on the lock.
	log.Infof("[refresh] lock contention user=%d provider=%s, waiting %s", userID, provider, c.cfg.LockRetryWait)
	if err := c.sleep(ctx, c.cfg.LockRetryWait); err != nil {
		return "", err
	}
	integration, err = c.repo.GetActive(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	if integration.FreshUntil(c.now(), c.cfg.RefreshMargin) {
		// The other process succeeded; its token is ours too.
		return c.vault.Decrypt(integration.AccessToken)
	}
	return "", autherr.ErrLockContention
}

// doRefresh performs the provider HTTP call with retry, holding the
// per-provider throttle for the duration of the operation.
func (c *Coordinator) doRefresh(ctx context.Context, integration *models.Integration) (string, error) {
	cfg, err := c.lookup(integration.Provider)
	if err != nil {
		return "", err
	}
	oc, err := cfg.OAuthConfig("")
	if err != nil {
		return "", err
	}
	refreshToken, err := c.vault.Decrypt(integration.RefreshToken)
	if err != nil {
		return "", err
	}

	sem := c.throttle(integration.Provider)
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer sem.Release(1)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		tok, err := c.attempt(ctx, oc, refreshToken)
		if err == nil {
			return c.persist(ctx, integration, tok)
		}

		retryable, retryAfter := classify(err)
		if !retryable {
			log.Warnf("[refresh] permanent failure user=%d provider=%s: refresh token rejected", integration.UserID, integration.Provider)
			c.record(OutcomePermanent, integration.Provider)
			return "", fmt.Errorf("provider rejected the refresh token: %w", autherr.ErrReauthorizationRequired)
		}
		lastErr = err
		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.backoff(attempt)
		if retryAfter > 0 {
			if retryAfter > c.cfg.MaxRetryAfter {
				retryAfter = c.cfg.MaxRetryAfter
			}
			delay = retryAfter
		}
		log.Warnf("[refresh] transient failure user=%d provider=%s attempt=%d/%d, retrying in %s",
			integration.UserID, integration.Provider, attempt, c.cfg.MaxAttempts, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	log.Errorf("[refresh] retry budget exhausted user=%d provider=%s: %v", integration.UserID, integration.Provider, lastErr)
	c.record(OutcomeTransient, integration.Provider)
	return "", fmt.Errorf("refresh failed after %d attempts: %w", c.cfg.MaxAttempts, autherr.ErrTransientFailure)
}

// attempt performs exactly one refresh grant call.
func (c *Coordinator) attempt(ctx context.Context, oc *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
	defer cancel()
	if c.httpClient != nil {
		actx = context.WithValue(actx, oauth2.HTTPClient, c.httpClient)
	}
	return oc.TokenSource(actx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// classify sorts a refresh error into retryable/permanent and extracts a
// Retry-After hint when the provider sent one. 400/401 mean the grant is
// dead ("invalid_grant" family); everything else is worth retrying.
func classify(err error) (retryable bool, retryAfter time.Duration) {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) || rerr.Response == nil {
		// Transport-level failure.
		return true, 0
	}
	code := rerr.Response.StatusCode
	if code == http.StatusBadRequest || code == http.StatusUnauthorized {
		return false, 0
	}
	if ra := rerr.Response.Header.Get("Retry-After"); ra != "" {
		if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		} else if t, perr := http.ParseTime(ra); perr == nil {
			if d := time.Until(t); d > 0 {
				retryAfter = d
			}
		}
	}
	return true, retryAfter
}

// backoff computes the attempt's exponential delay with 0.5x-1.5x jitter so
// many users expiring together do not retry in lockstep. The base quadruples
// per attempt: with this jitter range a doubling base would let consecutive
// delays overlap, and successive delays must keep growing.
func (c *Coordinator) backoff(attempt int) time.Duration {
	base := c.cfg.BaseBackoff << (2 * (attempt - 1))
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(base) * jitter)
}

func (c *Coordinator) persist(ctx context.Context, integration *models.Integration, tok *oauth2.Token) (string, error) {
	encAccess, err := c.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return "", err
	}
	// Providers that rotate refresh tokens send a new one; otherwise the
	// stored one stays valid.
	encRefresh := integration.RefreshToken
	if tok.RefreshToken != "" {
		encRefresh, err = c.vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return "", err
		}
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		t := tok.Expiry
		expiresAt = &t
	}
	if err := c.repo.UpdateTokens(ctx, integration.ID, encAccess, encRefresh, expiresAt, c.now()); err != nil {
		return "", err
	}
	log.Infof("[refresh] refreshed user=%d provider=%s", integration.UserID, integration.Provider)
	c.record(OutcomeSuccess, integration.Provider)
	return tok.AccessToken, nil
}

func (c *Coordinator) throttle(provider string) *semaphore.Weighted {
	c.throttleMu.Lock()
	defer c.throttleMu.Unlock()
	sem, ok := c.throttles[provider]
	if !ok {
		sem = semaphore.NewWeighted(c.cfg.ProviderParallel)
		c.throttles[provider] = sem
	}
	return sem
}
