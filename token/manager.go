// Package token implements the opaque-token login lifecycle: token
// generation, TokenInfo persistence with lazy expiry, per-login sessions,
// concurrent-login policy, disable windows and audit listeners. Everything
// is persisted through the storage contract; the package holds no login
// state in memory beyond the listener list.
package token

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/authlayer/authlayer/storage"
)

// DefaultTimeout is the token lifetime used when no timeout option is given.
const DefaultTimeout = 30 * 24 * time.Hour

// DefaultLoginType namespaces logins that never set their own type.
const DefaultLoginType = "login"

// TokenInfo is the persisted record behind one issued token.
type TokenInfo struct {
	Token        string            `json:"token"`
	LoginID      string            `json:"login_id"`
	LoginType    string            `json:"login_type"`
	Device       string            `json:"device,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Expired reports whether the record's absolute expiry has passed. Records
// without an absolute expiry only expire through their storage TTL.
func (ti *TokenInfo) Expired(now time.Time) bool {
	return !ti.ExpiresAt.IsZero() && !now.Before(ti.ExpiresAt)
}

// Manager owns the login/logout lifecycle for one login type.
type Manager struct {
	store      storage.Store
	style      Style
	timeout    time.Duration // negative means permanent tokens
	loginType  string
	concurrent bool
	nowFunc    func() time.Time

	listenerMu sync.RWMutex
	listeners  []Listener
}

type ManagerOption func(*Manager)

// WithTokenStyle selects the generated token shape (default StyleUUID).
func WithTokenStyle(style Style) ManagerOption {
	return func(m *Manager) {
		m.style = style
	}
}

// WithTimeout sets the storage lifetime of issued tokens. A negative
// timeout issues permanent tokens (no TTL).
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = timeout
	}
}

// WithLoginType namespaces this manager's tokens, indexes and disable
// windows, so independent login surfaces (user, admin, api) don't collide.
func WithLoginType(loginType string) ManagerOption {
	return func(m *Manager) {
		m.loginType = loginType
	}
}

// WithConcurrentLogin controls whether one login id may hold several live
// tokens (default true). When disallowed, a new login replaces the old
// tokens and fires OnReplaced for each.
func WithConcurrentLogin(allowed bool) ManagerOption {
	return func(m *Manager) {
		m.concurrent = allowed
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
		store:      store,
		style:      StyleUUID,
		timeout:    DefaultTimeout,
		loginType:  DefaultLoginType,
		concurrent: true,
		nowFunc:    time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// LoginType returns the manager's configured login type.
func (m *Manager) LoginType() string {
	return m.loginType
}

type loginParams struct {
	device    string
	extra     map[string]string
	expiresAt time.Time
}

type LoginOption func(*loginParams)

// WithDevice records the device the login came from.
func WithDevice(device string) LoginOption {
	return func(p *loginParams) {
		p.device = device
	}
}

// WithExtra attaches arbitrary data to the TokenInfo.
func WithExtra(extra map[string]string) LoginOption {
	return func(p *loginParams) {
		p.extra = extra
	}
}

// WithExpiresAt sets an absolute expiry on top of the storage TTL. The
// token dies at whichever comes first.
func WithExpiresAt(at time.Time) LoginOption {
	return func(p *loginParams) {
		p.expiresAt = at
	}
}

// Login issues a fresh token for loginID and persists its TokenInfo.
func (m *Manager) Login(ctx context.Context, loginID string, options ...LoginOption) (string, error) {
	if strings.TrimSpace(loginID) == "" {
		return "", ErrEmptyLoginID
	}

	disabled, err := m.IsDisabled(ctx, loginID)
	if err != nil {
		return "", err
	}
	if disabled {
		return "", ErrLoginDisabled
	}

	params := loginParams{}
	for _, opt := range options {
		opt(&params)
	}

	if !m.concurrent {
		if err := m.replaceTokens(ctx, loginID); err != nil {
			return "", err
		}
	}

	now := m.nowFunc()
	value, err := Generate(m.style, loginID, now)
	if err != nil {
		return "", err
	}

	info := TokenInfo{
		Token:        value,
		LoginID:      loginID,
		LoginType:    m.loginType,
		Device:       params.device,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    params.expiresAt,
		Extra:        params.extra,
	}

	if err := m.saveTokenInfo(ctx, &info, m.storageTTL()); err != nil {
		return "", err
	}
	if err := m.indexAdd(ctx, loginID, value); err != nil {
		return "", err
	}

	m.notify(func(l Listener) { l.OnLogin(loginID, value, m.loginType) })
	return value, nil
}

// Logout invalidates one token.
func (m *Manager) Logout(ctx context.Context, token string) error {
	raw, err := m.store.GetDelete(ctx, m.tokenKey(token))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return errors.Wrap(err, "Manager.Logout GetDelete")
	}

	info, err := decodeTokenInfo(raw)
	if err != nil {
		return err
	}
	if err := m.indexRemove(ctx, info.LoginID, token); err != nil {
		return err
	}

	m.notify(func(l Listener) { l.OnLogout(info.LoginID, token, m.loginType) })
	return nil
}

// GetTokenInfo returns the record behind a token. A record whose absolute
// expiry has passed is deleted on this read and reported as expired, never
// returned stale.
func (m *Manager) GetTokenInfo(ctx context.Context, token string) (*TokenInfo, error) {
	raw, err := m.store.Get(ctx, m.tokenKey(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "Manager.GetTokenInfo Get")
	}

	info, err := decodeTokenInfo(raw)
	if err != nil {
		return nil, err
	}

	if info.Expired(m.nowFunc()) {
		if err := m.store.Delete(ctx, m.tokenKey(token)); err != nil {
			return nil, errors.Wrap(err, "Manager.GetTokenInfo expiry Delete")
		}
		if err := m.indexRemove(ctx, info.LoginID, token); err != nil {
			return nil, err
		}
		return nil, ErrTokenExpired
	}
	return info, nil
}

// IsValid reports whether the token resolves to a live login. Storage
// faults propagate; they are never folded into "invalid".
func (m *Manager) IsValid(ctx context.Context, token string) (bool, error) {
	_, err := m.GetTokenInfo(ctx, token)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrTokenExpired) {
		return false, nil
	}
	return false, err
}

// LoginID resolves a token to the login id that owns it.
func (m *Manager) LoginID(ctx context.Context, token string) (string, error) {
	info, err := m.GetTokenInfo(ctx, token)
	if err != nil {
		return "", err
	}
	return info.LoginID, nil
}

// Tokens lists the live tokens held by loginID, pruning dead entries from
// the index as it goes.
func (m *Manager) Tokens(ctx context.Context, loginID string) ([]string, error) {
	indexed, err := m.indexList(ctx, loginID)
	if err != nil {
		return nil, err
	}

	live := make([]string, 0, len(indexed))
	for _, t := range indexed {
		valid, err := m.IsValid(ctx, t)
		if err != nil {
			return nil, err
		}
		if valid {
			live = append(live, t)
		}
	}

	if len(live) != len(indexed) {
		if err := m.indexWrite(ctx, loginID, live); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// IsLoggedIn reports whether loginID holds at least one live token.
func (m *Manager) IsLoggedIn(ctx context.Context, loginID string) (bool, error) {
	tokens, err := m.Tokens(ctx, loginID)
	if err != nil {
		return false, err
	}
	return len(tokens) > 0, nil
}

// KickOut forcibly invalidates every token held by loginID and removes its
// session.
func (m *Manager) KickOut(ctx context.Context, loginID string) error {
	indexed, err := m.indexList(ctx, loginID)
	if err != nil {
		return err
	}

	for _, t := range indexed {
		if err := m.store.Delete(ctx, m.tokenKey(t)); err != nil {
			return errors.Wrap(err, "Manager.KickOut Delete")
		}
		t := t
		m.notify(func(l Listener) { l.OnKickOut(loginID, t, m.loginType) })
	}

	if err := m.store.Delete(ctx, m.indexKey(loginID)); err != nil {
		return errors.Wrap(err, "Manager.KickOut index Delete")
	}
	return m.DeleteSession(ctx, loginID)
}

// RenewTimeout refreshes the storage TTL of a live token and bumps its
// last-active time.
func (m *Manager) RenewTimeout(ctx context.Context, token string, ttl time.Duration) error {
	info, err := m.GetTokenInfo(ctx, token)
	if err != nil {
		return err
	}

	info.LastActiveAt = m.nowFunc()
	if err := m.saveTokenInfo(ctx, info, ttl); err != nil {
		return err
	}

	m.notify(func(l Listener) { l.OnRenewTimeout(info.LoginID, token, m.loginType) })
	return nil
}

// Disable bans loginID for the given window: every live token is kicked
// out and new logins are rejected until the window lapses (or Enable).
func (m *Manager) Disable(ctx context.Context, loginID string, window time.Duration) error {
	if err := m.store.Set(ctx, m.disableKey(loginID), "1", window); err != nil {
		return errors.Wrap(err, "Manager.Disable Set")
	}
	if err := m.KickOut(ctx, loginID); err != nil {
		return err
	}

	m.notify(func(l Listener) { l.OnBanned(loginID, "", m.loginType) })
	return nil
}

// IsDisabled reports whether loginID sits inside a disable window.
func (m *Manager) IsDisabled(ctx context.Context, loginID string) (bool, error) {
	disabled, err := m.store.Exists(ctx, m.disableKey(loginID))
	if err != nil {
		return false, errors.Wrap(err, "Manager.IsDisabled Exists")
	}
	return disabled, nil
}

// Enable lifts a disable window before it lapses on its own.
func (m *Manager) Enable(ctx context.Context, loginID string) error {
	if err := m.store.Delete(ctx, m.disableKey(loginID)); err != nil {
		return errors.Wrap(err, "Manager.Enable Delete")
	}
	return nil
}

// replaceTokens deletes the live tokens of loginID ahead of a new
// single-session login, firing OnReplaced for each.
func (m *Manager) replaceTokens(ctx context.Context, loginID string) error {
	tokens, err := m.Tokens(ctx, loginID)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if err := m.store.Delete(ctx, m.tokenKey(t)); err != nil {
			return errors.Wrap(err, "Manager.replaceTokens Delete")
		}
		t := t
		m.notify(func(l Listener) { l.OnReplaced(loginID, t, m.loginType) })
	}
	if len(tokens) > 0 {
		if err := m.indexWrite(ctx, loginID, nil); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) saveTokenInfo(ctx context.Context, info *TokenInfo, ttl time.Duration) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "Manager.saveTokenInfo Marshal")
	}
	if err := m.store.Set(ctx, m.tokenKey(info.Token), string(raw), ttl); err != nil {
		return errors.Wrap(err, "Manager.saveTokenInfo Set")
	}
	return nil
}

func decodeTokenInfo(raw string) (*TokenInfo, error) {
	var info TokenInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, errors.Wrap(err, "token: corrupt TokenInfo record")
	}
	return &info, nil
}

// The token index is a JSON list of token values per login id. It is
// rebuilt read-modify-write; see the session notes on concurrent writers.
func (m *Manager) indexList(ctx context.Context, loginID string) ([]string, error) {
	raw, err := m.store.Get(ctx, m.indexKey(loginID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Manager.indexList Get")
	}

	var tokens []string
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil, errors.Wrap(err, "token: corrupt login index record")
	}
	return tokens, nil
}

func (m *Manager) indexWrite(ctx context.Context, loginID string, tokens []string) error {
	if len(tokens) == 0 {
		if err := m.store.Delete(ctx, m.indexKey(loginID)); err != nil {
			return errors.Wrap(err, "Manager.indexWrite Delete")
		}
		return nil
	}

	raw, err := json.Marshal(tokens)
	if err != nil {
		return errors.Wrap(err, "Manager.indexWrite Marshal")
	}
	if err := m.store.Set(ctx, m.indexKey(loginID), string(raw), 0); err != nil {
		return errors.Wrap(err, "Manager.indexWrite Set")
	}
	return nil
}

func (m *Manager) indexAdd(ctx context.Context, loginID, token string) error {
	tokens, err := m.indexList(ctx, loginID)
	if err != nil {
		return err
	}
	return m.indexWrite(ctx, loginID, append(tokens, token))
}

func (m *Manager) indexRemove(ctx context.Context, loginID, token string) error {
	tokens, err := m.indexList(ctx, loginID)
	if err != nil {
		return err
	}

	remaining := tokens[:0]
	for _, t := range tokens {
		if t != token {
			remaining = append(remaining, t)
		}
	}
	if len(remaining) == len(tokens) {
		return nil
	}
	return m.indexWrite(ctx, loginID, remaining)
}

func (m *Manager) storageTTL() time.Duration {
	if m.timeout < 0 {
		return 0
	}
	return m.timeout
}

func (m *Manager) tokenKey(token string) string {
	return "token:" + token
}

func (m *Manager) indexKey(loginID string) string {
	return "login-index:" + m.loginType + ":" + loginID
}

func (m *Manager) disableKey(loginID string) string {
	return "disable:" + m.loginType + ":" + loginID
}
