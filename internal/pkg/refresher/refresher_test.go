package refresher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftloghq/connect/app/models"
	"github.com/craftloghq/connect/app/repository"
	"github.com/craftloghq/connect/internal/pkg/autherr"
	"github.com/craftloghq/connect/internal/pkg/database"
	"github.com/craftloghq/connect/internal/pkg/providers"
	"github.com/craftloghq/connect/internal/pkg/vault"
)

// providerStep scripts one response of the fake token endpoint.
type providerStep struct {
	Status         int
	RetryAfter     string
	OmitRefresh    bool
	AccessToken    string
	ExpiresSeconds int
}

func okStep() providerStep {
	return providerStep{Status: http.StatusOK, AccessToken: "new-access", ExpiresSeconds: 3600}
}

// scriptedProvider is an httptest token endpoint that walks a fixed response
// script and counts calls. Running past the script fails the test.
type scriptedProvider struct {
	t     *testing.T
	mu    sync.Mutex
	steps []providerStep
	forms []url.Values
	srv   *httptest.Server
}

func newScriptedProvider(t *testing.T, steps ...providerStep) *scriptedProvider {
	t.Helper()
	p := &scriptedProvider{t: t, steps: steps}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *scriptedProvider) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(p.t, r.ParseForm())
	p.forms = append(p.forms, r.Form)
	require.LessOrEqual(p.t, len(p.forms), len(p.steps), "provider called more often than scripted")
	step := p.steps[len(p.forms)-1]

	if step.Status != http.StatusOK {
		if step.RetryAfter != "" {
			w.Header().Set("Retry-After", step.RetryAfter)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(step.Status)
		json.NewEncoder(w).Encode(map[string]string{"error": "temporarily_unavailable"})
		return
	}

	body := map[string]interface{}{
		"access_token": step.AccessToken,
		"token_type":   "bearer",
		"expires_in":   step.ExpiresSeconds,
	}
	if !step.OmitRefresh {
		body["refresh_token"] = "rotated-refresh"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.forms)
}

type refreshFixture struct {
	repo     *repository.MemoryIntegrationRepository
	vault    *vault.Vault
	provider *scriptedProvider
	delays   []time.Duration
	delayMu  sync.Mutex
}

func newRefreshFixture(t *testing.T, steps ...providerStep) *refreshFixture {
	t.Helper()
	t.Setenv("TESTPROV_CLIENT_ID", "client-id")
	t.Setenv("TESTPROV_CLIENT_SECRET", "client-secret")

	v, err := vault.New("refresher-test-key")
	require.NoError(t, err)
	return &refreshFixture{
		repo:     repository.NewMemoryIntegrationRepository(),
		vault:    v,
		provider: newScriptedProvider(t, steps...),
	}
}

func (f *refreshFixture) lookup(name string) (providers.Config, error) {
	return providers.Config{
		Name:             name,
		AuthURL:          f.provider.srv.URL + "/authorize",
		TokenURL:         f.provider.srv.URL + "/token",
		CredentialPrefix: "TESTPROV",
	}, nil
}

func (f *refreshFixture) recordSleep(_ context.Context, d time.Duration) error {
	f.delayMu.Lock()
	defer f.delayMu.Unlock()
	f.delays = append(f.delays, d)
	return nil
}

func (f *refreshFixture) coordinator(t *testing.T, cfg Tunables, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{
		WithProviderLookup(f.lookup),
		WithSleep(f.recordSleep),
	}
	return NewCoordinator(f.repo, f.vault, database.NewLocalLocker(), cfg, append(base, opts...)...)
}

// seed stores an active integration with encrypted tokens and the given
// remaining lifetime.
func (f *refreshFixture) seed(t *testing.T, userID uint, provider string, expiresIn time.Duration, withRefresh bool) *models.Integration {
	t.Helper()
	encAccess, err := f.vault.Encrypt("old-access")
	require.NoError(t, err)
	encRefresh := ""
	if withRefresh {
		encRefresh, err = f.vault.Encrypt("old-refresh")
		require.NoError(t, err)
	}
	expiry := time.Now().Add(expiresIn)
	integration := &models.Integration{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		ExpiresAt:    &expiry,
		Active:       true,
		ConnectedAt:  time.Now(),
	}
	require.NoError(t, f.repo.Upsert(context.Background(), integration))
	return integration
}

func TestGetAccessTokenFreshSkipsProvider(t *testing.T) {
	f := newRefreshFixture(t)
	f.seed(t, 1, "github", 10*time.Minute, true)

	token, err := f.coordinator(t, Tunables{}).GetAccessToken(context.Background(), 1, "github")
	require.NoError(t, err)
	assert.Equal(t, "old-access", token)
	assert.Zero(t, f.provider.calls(), "a token outside the margin must not hit the provider")
}

func TestGetAccessTokenInsideMarginRefreshes(t *testing.T) {
	f := newRefreshFixture(t, okStep())
	f.seed(t, 1, "github", 3*time.Minute, true)

	token, err := f.coordinator(t, Tunables{}).GetAccessToken(context.Background(), 1, "github")
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
	assert.Equal(t, 1, f.provider.calls())

	// The refresh grant carried the stored refresh token.
	require.Len(t, f.provider.forms, 1)
	assert.Equal(t, "refresh_token", f.provider.forms[0].Get("grant_type"))
	assert.Equal(t, "old-refresh", f.provider.forms[0].Get("refresh_token"))
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	f := newRefreshFixture(t, okStep())
	f.seed(t, 1, "github", -time.Minute, true)
	coord := f.coordinator(t, Tunables{})

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = coord.GetAccessToken(context.Background(), 1, "github")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-access", tokens[i])
	}
	assert.Equal(t, 1, f.provider.calls(), "concurrent callers must share a single provider call")
}

func TestRefreshPersistsRotatedTokens(t *testing.T) {
	f := newRefreshFixture(t, okStep())
	seeded := f.seed(t, 1, "github", -time.Minute, true)

	_, err := f.coordinator(t, Tunables{}).GetAccessToken(context.Background(), 1, "github")
	require.NoError(t, err)

	row, ok := f.repo.Get(1, "github")
	require.True(t, ok)
	assert.Equal(t, seeded.ID, row.ID)
	access, err := f.vault.Decrypt(row.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "new-access", access)
	refresh, err := f.vault.Decrypt(row.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", refresh)
	require.NotNil(t, row.LastRefreshedAt)
	require.NotNil(t, row.ExpiresAt)
	assert.True(t, row.ExpiresAt.After(time.Now().Add(30*time.Minute)))
}

func TestRefreshKeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	f := newRefreshFixture(t, providerStep{Status: http.StatusOK, AccessToken: "new-access", ExpiresSeconds: 3600, OmitRefresh: true})
	f.seed(t, 1, "github", -time.Minute, true)

	_, err := f.coordinator(t, Tunables{}).GetAccessToken(context.Background(), 1, "github")
	require.NoError(t, err)

	row, ok := f.repo.Get(1, "github")
	require.True(t, ok)
	refresh, err := f.vault.Decrypt(row.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "old-refresh", refresh, "a provider that does not rotate keeps the stored refresh token valid")
}

func TestPermanentFailureStopsImmediately(t *testing.T) {
	f := newRefreshFixture(t, providerStep{Status: http.StatusBadRequest})
	f.seed(t, 1, "github", -time.Minute, true)

	var outcomes []string
	coord := f.coordinator(t, Tunables{}, WithMetrics(func(outcome, provider string) {
		outcomes = append(outcomes, outcome+":"+provider)
	}))

	_, err := coord.GetAccessToken(context.Background(), 1, "github")
	assert.ErrorIs(t, err, autherr.ErrReauthorizationRequired)
	assert.Equal(t, 1, f.provider.calls(), "a rejected grant must not be retried")
	assert.Empty(t, f.delays)
	assert.Equal(t, []string{"permanent:github"}, outcomes)
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	f := newRefreshFixture(t,
		providerStep{Status: http.StatusServiceUnavailable},
		providerStep{Status: http.StatusServiceUnavailable},
		okStep(),
	)
	f.seed(t, 1, "github", -time.Minute, true)
	cfg := Tunables{BaseBackoff: 100 * time.Millisecond}

	token, err := f.coordinator(t, cfg).GetAccessToken(context.Background(), 1, "github")
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
	assert.Equal(t, 3, f.provider.calls())

	// Two backoffs, quadrupling base with 0.5x-1.5x jitter, and the second
	// delay is always longer than the first.
	require.Len(t, f.delays, 2)
	assert.GreaterOrEqual(t, f.delays[0], 50*time.Millisecond)
	assert.LessOrEqual(t, f.delays[0], 150*time.Millisecond)
	assert.GreaterOrEqual(t, f.delays[1], 200*time.Millisecond)
	assert.LessOrEqual(t, f.delays[1], 600*time.Millisecond)
	assert.Greater(t, f.delays[1], f.delays[0])
}

func TestTransientBudgetExhausted(t *testing.T) {
	f := newRefreshFixture(t,
		providerStep{Status: http.StatusServiceUnavailable},
		providerStep{Status: http.StatusServiceUnavailable},
		providerStep{Status: http.StatusServiceUnavailable},
	)
	f.seed(t, 1, "github", -time.Minute, true)

	var outcomes []string
	coord := f.coordinator(t, Tunables{}, WithMetrics(func(outcome, provider string) {
		outcomes = append(outcomes, outcome)
	}))

	_, err := coord.GetAccessToken(context.Background(), 1, "github")
	assert.ErrorIs(t, err, autherr.ErrTransientFailure)
	assert.True(t, autherr.IsTransient(err))
	assert.Equal(t, 3, f.provider.calls())
	assert.Equal(t, []string{"transient"}, outcomes)

	// The stored token is untouched by a failed refresh.
	row, ok := f.repo.Get(1, "github")
	require.True(t, ok)
	access, err := f.vault.Decrypt(row.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "old-access", access)
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	f := newRefreshFixture(t,
		providerStep{Status: http.StatusTooManyRequests, RetryAfter: "2"},
		okStep(),
	)
	f.seed(t, 1, "github", -time.Minute, true)

	_, err := f.coordinator(t, Tunables{}).GetAccessToken(context.Background(), 1, "github")
	require.NoError(t, err)
	require.Len(t, f.delays, 1)
	assert.Equal(t, 2*time.Second, f.delays[0])
}

func TestRetryAfterIsCapped(t *testing.T) {
	f := newRefreshFixture(t,
		providerStep{Status: http.StatusTooManyRequests, RetryAfter: "3600"},
		okStep(),
	)
	f.seed(t, 1, "github", -time.Minute, true)
	cfg := Tunables{MaxRetryAfter: 5 * time.Second}

	_, err := f.coordinator(t, cfg).GetAccessToken(context.Background(), 1, "github")
	require.NoError(t, err)
	require.Len(t, f.delays, 1)
	assert.Equal(t, 5*time.Second, f.delays[0])
}

func TestMissingRefreshTokenRequiresReauthorization(t *testing.T) {
	f := newRefreshFixture(t)
	f.seed(t, 1, "github", -time.Minute, false)

	_, err := f.coordinator(t, Tunables{}).GetAccessToken(context.Background(), 1, "github")
	assert.ErrorIs(t, err, autherr.ErrReauthorizationRequired)
	assert.Zero(t, f.provider.calls())
}

func TestNotConnected(t *testing.T) {
	f := newRefreshFixture(t)
	_, err := f.coordinator(t, Tunables{}).GetAccessToken(context.Background(), 1, "github")
	assert.ErrorIs(t, err, autherr.ErrNotConnected)
}

func TestForceRefreshIgnoresRemainingLifetime(t *testing.T) {
	f := newRefreshFixture(t, okStep())
	f.seed(t, 1, "github", time.Hour, true)

	token, err := f.coordinator(t, Tunables{}).ForceRefresh(context.Background(), 1, "github")
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
	assert.Equal(t, 1, f.provider.calls())
}

// grantingLocker acquires immediately but runs a hook first, standing in for
// another process whose refresh finished between the caller's read and the
// lock grant.
type grantingLocker struct {
	beforeFn func()
}

func (l grantingLocker) WithLock(ctx context.Context, name string, fn func() error) (bool, error) {
	if l.beforeFn != nil {
		l.beforeFn()
	}
	return true, fn()
}

func TestLockGrantAfterOtherProcessRefreshAdoptsRecord(t *testing.T) {
	f := newRefreshFixture(t)
	seeded := f.seed(t, 1, "github", -time.Minute, true)

	// The other process refreshed and rotated the refresh token while this
	// caller was waiting for the lock. Its result must survive untouched.
	land := func() {
		encAccess, err := f.vault.Encrypt("other-process-access")
		require.NoError(t, err)
		encRefresh, err := f.vault.Encrypt("other-process-rotated-refresh")
		require.NoError(t, err)
		expiry := time.Now().Add(time.Hour)
		require.NoError(t, f.repo.UpdateTokens(context.Background(), seeded.ID, encAccess, encRefresh, &expiry, time.Now()))
	}
	coord := NewCoordinator(f.repo, f.vault, grantingLocker{beforeFn: land}, Tunables{},
		WithProviderLookup(f.lookup), WithSleep(f.recordSleep))

	token, err := coord.GetAccessToken(context.Background(), 1, "github")
	require.NoError(t, err)
	assert.Equal(t, "other-process-access", token)
	assert.Zero(t, f.provider.calls(), "a record refreshed elsewhere must not trigger another grant call")

	row, ok := f.repo.Get(1, "github")
	require.True(t, ok)
	refresh, err := f.vault.Decrypt(row.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "other-process-rotated-refresh", refresh, "the rotated refresh token survives")
}

// deniedLocker simulates another process holding the advisory lock. onDeny
// runs at denial time, standing in for the other process's progress.
type deniedLocker struct {
	onDeny func()
}

func (l deniedLocker) WithLock(ctx context.Context, name string, fn func() error) (bool, error) {
	if l.onDeny != nil {
		l.onDeny()
	}
	return false, nil
}

func TestLockContentionAdoptsOtherProcessResult(t *testing.T) {
	f := newRefreshFixture(t)
	seeded := f.seed(t, 1, "github", -time.Minute, true)

	// While this caller waits out LockRetryWait, the "other process" lands
	// its refreshed token in the store.
	finish := func() {
		encAccess, err := f.vault.Encrypt("other-process-access")
		require.NoError(t, err)
		encRefresh, err := f.vault.Encrypt("other-process-refresh")
		require.NoError(t, err)
		expiry := time.Now().Add(time.Hour)
		require.NoError(t, f.repo.UpdateTokens(context.Background(), seeded.ID, encAccess, encRefresh, &expiry, time.Now()))
	}
	coord := NewCoordinator(f.repo, f.vault, deniedLocker{onDeny: finish}, Tunables{},
		WithProviderLookup(f.lookup), WithSleep(f.recordSleep))

	token, err := coord.GetAccessToken(context.Background(), 1, "github")
	require.NoError(t, err)
	assert.Equal(t, "other-process-access", token)
	assert.Zero(t, f.provider.calls(), "the other process's refresh serves this caller too")
	require.Len(t, f.delays, 1)
	assert.Equal(t, DefaultTunables().LockRetryWait, f.delays[0])
}

func TestLockContentionStillStaleErrors(t *testing.T) {
	f := newRefreshFixture(t)
	f.seed(t, 1, "github", -time.Minute, true)

	coord := NewCoordinator(f.repo, f.vault, deniedLocker{}, Tunables{},
		WithProviderLookup(f.lookup), WithSleep(f.recordSleep))

	_, err := coord.GetAccessToken(context.Background(), 1, "github")
	assert.ErrorIs(t, err, autherr.ErrLockContention)
	assert.Zero(t, f.provider.calls())
}

func TestTokenWithoutExpiryNeverRefreshes(t *testing.T) {
	f := newRefreshFixture(t)
	encAccess, err := f.vault.Encrypt("eternal-access")
	require.NoError(t, err)
	integration := &models.Integration{
		UserID:      1,
		Provider:    "github",
		AccessToken: encAccess,
		Active:      true,
		ConnectedAt: time.Now(),
	}
	require.NoError(t, f.repo.Upsert(context.Background(), integration))

	token, err := f.coordinator(t, Tunables{}).GetAccessToken(context.Background(), 1, "github")
	require.NoError(t, err)
	assert.Equal(t, "eternal-access", token)
	assert.Zero(t, f.provider.calls())
}
