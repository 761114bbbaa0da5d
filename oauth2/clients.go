package oauth2

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/authlayer/authlayer/storage"
)

// Grant types a client may be registered for.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// Client is a registered OAuth2 client. Only the bcrypt hash of its secret
// is ever persisted. Clients are write-once: registration is the only
// mutation.
type Client struct {
	ID           string    `json:"id"`
	SecretHash   string    `json:"secret_hash"`
	RedirectURIs []string  `json:"redirect_uris"`
	GrantTypes   []string  `json:"grant_types"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasScope reports whether scope is registered for the client.
func (c *Client) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasGrantType reports whether the client may use the given grant type.
func (c *Client) HasGrantType(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// HasRedirectURI reports whether uri is a registered redirect target.
// Exact string match only; pattern matching would open redirect abuse.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// ClientOption customizes a client at registration time.
type ClientOption func(*Client)

// WithGrantTypes restricts the client to the given grant types (default:
// authorization_code and refresh_token).
func WithGrantTypes(grantTypes ...string) ClientOption {
	return func(c *Client) {
		c.GrantTypes = grantTypes
	}
}

// RegisterClient validates and persists a new client. The plaintext secret
// is accepted here, bcrypt-hashed, and never stored or returned.
func (m *Manager) RegisterClient(ctx context.Context, id, secret string, redirectURIs, scopes []string, options ...ClientOption) (*Client, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("[RegisterClient] client id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("[RegisterClient] client secret is required")
	}
	if len(redirectURIs) == 0 {
		return nil, errors.New("[RegisterClient] at least one redirect uri is required")
	}
	for _, uri := range redirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.RegisterClient bcrypt")
	}

	client := &Client{
		ID:           id,
		SecretHash:   string(hash),
		RedirectURIs: redirectURIs,
		GrantTypes:   []string{GrantAuthorizationCode, GrantRefreshToken},
		Scopes:       scopes,
		CreatedAt:    m.nowFunc(),
	}
	for _, opt := range options {
		opt(client)
	}
	for _, g := range client.GrantTypes {
		if g != GrantAuthorizationCode && g != GrantRefreshToken {
			return nil, errors.Errorf("[RegisterClient] unsupported grant type %q", g)
		}
	}

	raw, err := json.Marshal(client)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.RegisterClient Marshal")
	}

	inserted, err := m.store.SetIfAbsent(ctx, m.clientKey(id), string(raw), 0)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.RegisterClient SetIfAbsent")
	}
	if !inserted {
		return nil, ErrClientExists
	}
	return client, nil
}

// GetClient returns a registered client.
func (m *Manager) GetClient(ctx context.Context, id string) (*Client, error) {
	raw, err := m.store.Get(ctx, m.clientKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "Manager.GetClient Get")
	}

	var client Client
	if err := json.Unmarshal([]byte(raw), &client); err != nil {
		return nil, errors.Wrap(err, "oauth2: corrupt client record")
	}
	return &client, nil
}

// ValidateRedirectURI requires uri to be an exact member of the client's
// registered whitelist.
func (m *Manager) ValidateRedirectURI(ctx context.Context, clientID, uri string) error {
	client, err := m.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	if !client.HasRedirectURI(uri) {
		return ErrInvalidRedirectURI
	}
	return nil
}

// ValidateScope requires every requested scope to be registered for the
// client.
func (m *Manager) ValidateScope(ctx context.Context, clientID string, scopes []string) error {
	client, err := m.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	for _, s := range scopes {
		if !client.HasScope(s) {
			return errors.Wrap(ErrInvalidScope, s)
		}
	}
	return nil
}

// validateRedirectURI checks the shape of a redirect target at
// registration time: absolute http(s) URL, no fragment.
func validateRedirectURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return errors.Wrapf(err, "[RegisterClient] malformed redirect uri %q", uri)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.Errorf("[RegisterClient] redirect uri %q must use http or https", uri)
	}
	if parsed.Host == "" {
		return errors.Errorf("[RegisterClient] redirect uri %q must be absolute", uri)
	}
	if parsed.Fragment != "" {
		return errors.Errorf("[RegisterClient] redirect uri %q must not carry a fragment", uri)
	}
	return nil
}

func (m *Manager) clientKey(id string) string {
	return "oauth2:client:" + id
}
