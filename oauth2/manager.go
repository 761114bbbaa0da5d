// Package oauth2 implements the authorization-code grant for registered
// clients: code issuance and single-use exchange, access/refresh token
// pairs with independent lifetimes, rotation and revocation. Token values
// are opaque; resource servers validate them through ValidateAccessToken
// rather than by parsing.
package oauth2

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/authlayer/authlayer/storage"
)

const (
	// DefaultCodeTTL is the authorization code lifetime.
	DefaultCodeTTL = 600 * time.Second
	// DefaultAccessTokenTTL is the access token lifetime.
	DefaultAccessTokenTTL = 3600 * time.Second
	// DefaultRefreshTokenTTL is the refresh token lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	tokenBytes = 32
)

// TokenInfo is the persisted record behind one access/refresh pair. The
// same record body is stored under both token keys, each with its own TTL,
// so either half resolves to the full pair.
type TokenInfo struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ClientID     string    `json:"client_id"`
	UserID       string    `json:"user_id"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"` // access token expiry
}

// Manager owns the client registry, code lifecycle and token issuance.
type Manager struct {
	store           storage.Store
	codeTTL         time.Duration
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	nowFunc         func() time.Time
}

type ManagerOption func(*Manager)

// WithCodeTTL sets the authorization code lifetime (default 600s).
func WithCodeTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.codeTTL = ttl
	}
}

// WithTokenTTL sets the access and refresh token lifetimes.
func WithTokenTTL(access, refresh time.Duration) ManagerOption {
	return func(m *Manager) {
		m.accessTokenTTL = access
		m.refreshTokenTTL = refresh
	}
}

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func New(store storage.Store, options ...ManagerOption) *Manager {
	m := &Manager{
		store:           store,
		codeTTL:         DefaultCodeTTL,
		accessTokenTTL:  DefaultAccessTokenTTL,
		refreshTokenTTL: DefaultRefreshTokenTTL,
		nowFunc:         time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// ExchangeCodeForToken is the token-endpoint core for the code grant:
// verify the client secret, consume the code (at most once, through the
// store's atomic read-and-delete), verify the code was issued to this
// client for this redirect URI, then issue a fresh token pair carrying the
// code's granted scopes.
func (m *Manager) ExchangeCodeForToken(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*TokenResponse, error) {
	client, err := m.verifyClientSecret(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantAuthorizationCode) {
		return nil, ErrGrantTypeNotAllowed
	}

	authCode, err := m.consumeAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if authCode.ClientID != clientID {
		return nil, ErrClientMismatch
	}
	if authCode.RedirectURI != redirectURI {
		return nil, ErrRedirectMismatch
	}

	info, err := m.issueTokenPair(ctx, clientID, authCode.UserID, authCode.Scopes)
	if err != nil {
		return nil, err
	}
	return m.tokenResponse(info), nil
}

// RefreshAccessToken rotates a refresh token into a fresh pair with the
// same scope. The presented refresh token is consumed atomically, so an
// old refresh token never outlives the pair that replaced it
// (revoke-on-use rotation).
func (m *Manager) RefreshAccessToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	client, err := m.verifyClientSecret(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantRefreshToken) {
		return nil, ErrGrantTypeNotAllowed
	}

	// Capture the remaining lifetime before consuming so a failed attempt
	// can put the record back without extending it.
	remaining, err := m.store.TTL(ctx, m.refreshKey(refreshToken))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "Manager.RefreshAccessToken TTL")
	}

	raw, err := m.store.GetDelete(ctx, m.refreshKey(refreshToken))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "Manager.RefreshAccessToken GetDelete")
	}

	old, err := decodeTokenInfo(raw)
	if err != nil {
		return nil, err
	}
	if old.ClientID != clientID {
		// Put the record back: a mismatched client must not burn
		// someone else's refresh token.
		if err := m.store.Set(ctx, m.refreshKey(refreshToken), raw, remaining); err != nil {
			return nil, errors.Wrap(err, "Manager.RefreshAccessToken restore Set")
		}
		return nil, ErrClientMismatch
	}

	// The replaced access token dies with the rotation.
	if err := m.store.Delete(ctx, m.accessKey(old.AccessToken)); err != nil {
		return nil, errors.Wrap(err, "Manager.RefreshAccessToken access Delete")
	}

	info, err := m.issueTokenPair(ctx, clientID, old.UserID, old.Scopes)
	if err != nil {
		return nil, err
	}
	return m.tokenResponse(info), nil
}

// RevokeToken deletes the pair the given token value belongs to. The value
// may be either half of the pair.
func (m *Manager) RevokeToken(ctx context.Context, token string) error {
	raw, err := m.store.Get(ctx, m.accessKey(token))
	if errors.Is(err, storage.ErrNotFound) {
		raw, err = m.store.Get(ctx, m.refreshKey(token))
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return errors.Wrap(err, "Manager.RevokeToken Get")
	}

	info, err := decodeTokenInfo(raw)
	if err != nil {
		return err
	}

	if err := m.store.Delete(ctx, m.accessKey(info.AccessToken)); err != nil {
		return errors.Wrap(err, "Manager.RevokeToken access Delete")
	}
	if err := m.store.Delete(ctx, m.refreshKey(info.RefreshToken)); err != nil {
		return errors.Wrap(err, "Manager.RevokeToken refresh Delete")
	}
	return nil
}

// ValidateAccessToken resolves an access token for a resource server,
// lazily expiring records whose stored expiry has passed.
func (m *Manager) ValidateAccessToken(ctx context.Context, accessToken string) (*TokenInfo, error) {
	raw, err := m.store.Get(ctx, m.accessKey(accessToken))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "Manager.ValidateAccessToken Get")
	}

	info, err := decodeTokenInfo(raw)
	if err != nil {
		return nil, err
	}
	if !m.nowFunc().Before(info.ExpiresAt) {
		if err := m.store.Delete(ctx, m.accessKey(accessToken)); err != nil {
			return nil, errors.Wrap(err, "Manager.ValidateAccessToken expiry Delete")
		}
		return nil, ErrTokenExpired
	}
	return info, nil
}

// issueTokenPair mints and stores a fresh access/refresh pair. Both keys
// hold the same record, each under its own TTL.
func (m *Manager) issueTokenPair(ctx context.Context, clientID, userID string, scopes []string) (*TokenInfo, error) {
	accessToken, err := generateToken()
	if err != nil {
		return nil, err
	}
	refreshToken, err := generateToken()
	if err != nil {
		return nil, err
	}

	now := m.nowFunc()
	info := &TokenInfo{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ClientID:     clientID,
		UserID:       userID,
		Scopes:       scopes,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.accessTokenTTL),
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.issueTokenPair Marshal")
	}
	if err := m.store.Set(ctx, m.accessKey(accessToken), string(raw), m.accessTokenTTL); err != nil {
		return nil, errors.Wrap(err, "Manager.issueTokenPair access Set")
	}
	if err := m.store.Set(ctx, m.refreshKey(refreshToken), string(raw), m.refreshTokenTTL); err != nil {
		return nil, errors.Wrap(err, "Manager.issueTokenPair refresh Set")
	}
	return info, nil
}

func (m *Manager) tokenResponse(info *TokenInfo) *TokenResponse {
	return &TokenResponse{
		AccessToken:  info.AccessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int(m.accessTokenTTL.Seconds()),
		RefreshToken: info.RefreshToken,
		Scope:        info.Scopes,
	}
}

func (m *Manager) verifyClientSecret(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	client, err := m.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)) != nil {
		return nil, ErrInvalidClientSecret
	}
	return client, nil
}

func decodeTokenInfo(raw string) (*TokenInfo, error) {
	var info TokenInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, errors.Wrap(err, "oauth2: corrupt token record")
	}
	return &info, nil
}

// generateToken returns a 32-byte URL-safe random string.
func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "oauth2.generateToken rand.Read")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (m *Manager) accessKey(token string) string {
	return "oauth2:access:" + token
}

func (m *Manager) refreshKey(token string) string {
	return "oauth2:refresh:" + token
}
