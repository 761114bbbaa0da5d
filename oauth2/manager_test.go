package oauth2_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/authlayer/authlayer/oauth2"
	"github.com/authlayer/authlayer/storage"
	"github.com/stretchr/testify/require"
)

const (
	testClientID     = "app1"
	testClientSecret = "s1"
	testUserID       = "user-42"
	testRedirectURI  = "https://app1/cb"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock   *fakeClock
	manager *oauth2.Manager
}

func setup(t *testing.T, options ...oauth2.ManagerOption) *fixture {
	t.Helper()

	clock := newFakeClock()
	store := storage.NewMemoryStore(storage.WithNowFunc(clock.Now))
	options = append([]oauth2.ManagerOption{oauth2.WithNowFunc(clock.Now)}, options...)
	return &fixture{
		clock:   clock,
		manager: oauth2.New(store, options...),
	}
}

// registerTestClient registers the standard client used across the tests.
func (f *fixture) registerTestClient(t *testing.T) {
	t.Helper()
	_, err := f.manager.RegisterClient(context.Background(),
		testClientID, testClientSecret,
		[]string{testRedirectURI}, []string{"read", "write"})
	require.NoError(t, err)
}

func (f *fixture) issueCode(t *testing.T, scopes []string) string {
	t.Helper()
	code, err := f.manager.IssueAuthorizationCode(context.Background(),
		testClientID, testUserID, testRedirectURI, scopes)
	require.NoError(t, err)
	return code
}

func TestCodeGrantScenario(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.registerTestClient(t)

	code := f.issueCode(t, []string{"read"})

	response, err := f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, testRedirectURI)
	require.NoError(t, err)
	require.NotEmpty(t, response.AccessToken)
	require.NotEmpty(t, response.RefreshToken)
	require.Equal(t, oauth2.TokenTypeBearer, response.TokenType)
	require.Equal(t, int(oauth2.DefaultAccessTokenTTL.Seconds()), response.ExpiresIn)
	require.Equal(t, []string{"read"}, response.Scope)

	// The code is consumed: a second exchange fails.
	_, err = f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, testRedirectURI)
	require.ErrorIs(t, err, oauth2.ErrCodeNotFound)
}

func TestExchangeRejectsWrongSecret(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.registerTestClient(t)

	code := f.issueCode(t, []string{"read"})

	_, err := f.manager.ExchangeCodeForToken(ctx, testClientID, "wrong", code, testRedirectURI)
	require.ErrorIs(t, err, oauth2.ErrInvalidClientSecret)

	// The failed attempt must not have burned the code.
	_, err = f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, testRedirectURI)
	require.NoError(t, err)
}

func TestExchangeRejectsWrongRedirectURI(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.registerTestClient(t)

	code := f.issueCode(t, []string{"read"})

	_, err := f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, "https://evil/cb")
	require.ErrorIs(t, err, oauth2.ErrRedirectMismatch)
}

func TestExchangeRejectsWrongClient(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.registerTestClient(t)

	_, err := f.manager.RegisterClient(ctx, "app2", "s2", []string{testRedirectURI}, []string{"read"})
	require.NoError(t, err)

	code := f.issueCode(t, []string{"read"})

	_, err = f.manager.ExchangeCodeForToken(ctx, "app2", "s2", code, testRedirectURI)
	require.ErrorIs(t, err, oauth2.ErrClientMismatch)
}

func TestExchangeRejectsExpiredCode(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.registerTestClient(t)

	code := f.issueCode(t, []string{"read"})

	f.clock.Advance(oauth2.DefaultCodeTTL + time.Second)

	_, err := f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, testRedirectURI)
	require.ErrorIs(t, err, oauth2.ErrCodeNotFound)
}

func TestRefreshRotation(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.registerTestClient(t)

	code := f.issueCode(t, []string{"read", "write"})
	first, err := f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, testRedirectURI)
	require.NoError(t, err)

	second, err := f.manager.RefreshAccessToken(ctx, testClientID, testClientSecret, first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, first.AccessToken, second.AccessToken)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.Equal(t, first.Scope, second.Scope)

	// Revoke-on-use: the consumed refresh token is dead, and so is the
	// access token it was paired with.
	_, err = f.manager.RefreshAccessToken(ctx, testClientID, testClientSecret, first.RefreshToken)
	require.ErrorIs(t, err, oauth2.ErrTokenNotFound)

	_, err = f.manager.ValidateAccessToken(ctx, first.AccessToken)
	require.ErrorIs(t, err, oauth2.ErrTokenNotFound)

	info, err := f.manager.ValidateAccessToken(ctx, second.AccessToken)
	require.NoError(t, err)
	require.Equal(t, testUserID, info.UserID)
}

func TestRefreshRejectsWrongClient(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.registerTestClient(t)

	_, err := f.manager.RegisterClient(ctx, "app2", "s2", []string{testRedirectURI}, []string{"read"})
	require.NoError(t, err)

	code := f.issueCode(t, []string{"read"})
	pair, err := f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, testRedirectURI)
	require.NoError(t, err)

	_, err = f.manager.RefreshAccessToken(ctx, "app2", "s2", pair.RefreshToken)
	require.ErrorIs(t, err, oauth2.ErrClientMismatch)

	// The rejected attempt must not burn the owner's refresh token.
	_, err = f.manager.RefreshAccessToken(ctx, testClientID, testClientSecret, pair.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshRestoreKeepsRemainingLifetime(t *testing.T) {
	ctx := context.Background()
	f := setup(t, oauth2.WithTokenTTL(time.Hour, 24*time.Hour))
	f.registerTestClient(t)

	_, err := f.manager.RegisterClient(ctx, "app2", "s2", []string{testRedirectURI}, []string{"read"})
	require.NoError(t, err)

	code := f.issueCode(t, []string{"read"})
	pair, err := f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, testRedirectURI)
	require.NoError(t, err)

	f.clock.Advance(23 * time.Hour)

	_, err = f.manager.RefreshAccessToken(ctx, "app2", "s2", pair.RefreshToken)
	require.ErrorIs(t, err, oauth2.ErrClientMismatch)

	// The restored record keeps its original expiry: once the initial 24h
	// window has passed, the owner's refresh fails too.
	f.clock.Advance(2 * time.Hour)
	_, err = f.manager.RefreshAccessToken(ctx, testClientID, testClientSecret, pair.RefreshToken)
	require.ErrorIs(t, err, oauth2.ErrTokenNotFound)
}

func TestGrantTypesEnforced(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.manager.RegisterClient(ctx, testClientID, testClientSecret,
		[]string{testRedirectURI}, []string{"read"},
		oauth2.WithGrantTypes(oauth2.GrantAuthorizationCode))
	require.NoError(t, err)

	code := f.issueCode(t, []string{"read"})
	pair, err := f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, testRedirectURI)
	require.NoError(t, err)

	// The client is not registered for refresh_token.
	_, err = f.manager.RefreshAccessToken(ctx, testClientID, testClientSecret, pair.RefreshToken)
	require.ErrorIs(t, err, oauth2.ErrGrantTypeNotAllowed)

	_, err = f.manager.RegisterClient(ctx, "app2", "s2",
		[]string{testRedirectURI}, []string{"read"},
		oauth2.WithGrantTypes(oauth2.GrantRefreshToken))
	require.NoError(t, err)

	code2, err := f.manager.IssueAuthorizationCode(ctx, "app2", testUserID, testRedirectURI, []string{"read"})
	require.NoError(t, err)

	_, err = f.manager.ExchangeCodeForToken(ctx, "app2", "s2", code2, testRedirectURI)
	require.ErrorIs(t, err, oauth2.ErrGrantTypeNotAllowed)
}

func TestRefreshRejectsExpiredRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := setup(t, oauth2.WithTokenTTL(time.Hour, 24*time.Hour))
	f.registerTestClient(t)

	code := f.issueCode(t, []string{"read"})
	pair, err := f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, testRedirectURI)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)

	_, err = f.manager.RefreshAccessToken(ctx, testClientID, testClientSecret, pair.RefreshToken)
	require.ErrorIs(t, err, oauth2.ErrTokenNotFound)
}

func TestRevokeToken(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.registerTestClient(t)

	code := f.issueCode(t, []string{"read"})
	pair, err := f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, testRedirectURI)
	require.NoError(t, err)

	// Revoking by either half kills the whole pair.
	require.NoError(t, f.manager.RevokeToken(ctx, pair.AccessToken))

	_, err = f.manager.ValidateAccessToken(ctx, pair.AccessToken)
	require.ErrorIs(t, err, oauth2.ErrTokenNotFound)
	_, err = f.manager.RefreshAccessToken(ctx, testClientID, testClientSecret, pair.RefreshToken)
	require.ErrorIs(t, err, oauth2.ErrTokenNotFound)

	require.ErrorIs(t, f.manager.RevokeToken(ctx, pair.AccessToken), oauth2.ErrTokenNotFound)
}

func TestRevokeByRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.registerTestClient(t)

	code := f.issueCode(t, []string{"read"})
	pair, err := f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, testRedirectURI)
	require.NoError(t, err)

	require.NoError(t, f.manager.RevokeToken(ctx, pair.RefreshToken))

	_, err = f.manager.ValidateAccessToken(ctx, pair.AccessToken)
	require.ErrorIs(t, err, oauth2.ErrTokenNotFound)
}

func TestValidateAccessTokenLazyExpiry(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.registerTestClient(t)

	code := f.issueCode(t, []string{"read"})
	pair, err := f.manager.ExchangeCodeForToken(ctx, testClientID, testClientSecret, code, testRedirectURI)
	require.NoError(t, err)

	info, err := f.manager.ValidateAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, testClientID, info.ClientID)
	require.Equal(t, []string{"read"}, info.Scopes)

	f.clock.Advance(oauth2.DefaultAccessTokenTTL + time.Second)

	_, err = f.manager.ValidateAccessToken(ctx, pair.AccessToken)
	require.ErrorIs(t, err, oauth2.ErrTokenNotFound)
}

func TestIssueCodeValidatesRequest(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.registerTestClient(t)

	_, err := f.manager.IssueAuthorizationCode(ctx, testClientID, testUserID, "https://evil/cb", []string{"read"})
	require.ErrorIs(t, err, oauth2.ErrInvalidRedirectURI)

	_, err = f.manager.IssueAuthorizationCode(ctx, testClientID, testUserID, testRedirectURI, []string{"admin"})
	require.ErrorIs(t, err, oauth2.ErrInvalidScope)

	_, err = f.manager.IssueAuthorizationCode(ctx, "ghost", testUserID, testRedirectURI, []string{"read"})
	require.ErrorIs(t, err, oauth2.ErrClientNotFound)
}
