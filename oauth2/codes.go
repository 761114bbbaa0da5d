package oauth2

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/authlayer/authlayer/storage"
)

// AuthorizationCode binds a short-lived code to the client, user, redirect
// URI and scope subset it was granted for. It is exchanged at most once.
type AuthorizationCode struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id"`
	RedirectURI string    `json:"redirect_uri"`
	Scopes      []string  `json:"scopes"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// GenerateAuthorizationCode returns a fresh opaque code value.
func (m *Manager) GenerateAuthorizationCode() (string, error) {
	return generateToken()
}

// StoreAuthorizationCode persists a code under the manager's code TTL,
// stamping CreatedAt/ExpiresAt when the caller left them zero.
func (m *Manager) StoreAuthorizationCode(ctx context.Context, code AuthorizationCode) error {
	if code.Code == "" {
		return errors.New("[StoreAuthorizationCode] code value is required")
	}

	now := m.nowFunc()
	if code.CreatedAt.IsZero() {
		code.CreatedAt = now
	}
	if code.ExpiresAt.IsZero() {
		code.ExpiresAt = code.CreatedAt.Add(m.codeTTL)
	}

	raw, err := json.Marshal(code)
	if err != nil {
		return errors.Wrap(err, "Manager.StoreAuthorizationCode Marshal")
	}
	if err := m.store.Set(ctx, m.codeKey(code.Code), string(raw), code.ExpiresAt.Sub(now)); err != nil {
		return errors.Wrap(err, "Manager.StoreAuthorizationCode Set")
	}
	return nil
}

// IssueAuthorizationCode validates the request against the client registry
// and mints a stored code for it: the authorization-endpoint core.
func (m *Manager) IssueAuthorizationCode(ctx context.Context, clientID, userID, redirectURI string, scopes []string) (string, error) {
	if err := m.ValidateRedirectURI(ctx, clientID, redirectURI); err != nil {
		return "", err
	}
	if err := m.ValidateScope(ctx, clientID, scopes); err != nil {
		return "", err
	}

	code, err := m.GenerateAuthorizationCode()
	if err != nil {
		return "", err
	}
	if err := m.StoreAuthorizationCode(ctx, AuthorizationCode{
		Code:        code,
		ClientID:    clientID,
		UserID:      userID,
		RedirectURI: redirectURI,
		Scopes:      scopes,
	}); err != nil {
		return "", err
	}
	return code, nil
}

// consumeAuthorizationCode removes and returns a stored code in one atomic
// step. A second consumer of the same code gets ErrCodeNotFound.
func (m *Manager) consumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	raw, err := m.store.GetDelete(ctx, m.codeKey(code))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "Manager.consumeAuthorizationCode GetDelete")
	}

	var authCode AuthorizationCode
	if err := json.Unmarshal([]byte(raw), &authCode); err != nil {
		return nil, errors.Wrap(err, "oauth2: corrupt authorization code record")
	}
	if !m.nowFunc().Before(authCode.ExpiresAt) {
		return nil, ErrCodeExpired
	}
	return &authCode, nil
}

func (m *Manager) codeKey(code string) string {
	return "oauth2:code:" + code
}
