package sso

import (
	"context"

	"github.com/authlayer/authlayer/token"
)

// LogoutCallback runs application cleanup when the SSO server pushes a
// unified logout to this client.
type LogoutCallback func(ctx context.Context, loginID string) error

// Client is the application side of SSO. By the time it is asked to log a
// user in, the ticket has already been consumed against the server; the
// client only mints and clears its own local tokens.
type Client struct {
	tokens   *token.Manager
	onLogout LogoutCallback
}

type ClientOption func(*Client)

// WithLogoutCallback installs the cleanup hook HandleLogout runs before
// clearing local tokens.
func WithLogoutCallback(callback LogoutCallback) ClientOption {
	return func(c *Client) {
		c.onLogout = callback
	}
}

func NewClient(tokens *token.Manager, options ...ClientOption) *Client {
	c := &Client{tokens: tokens}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// LoginByTicket establishes the local session for a login id the server
// has vouched for, returning the local token.
func (c *Client) LoginByTicket(ctx context.Context, loginID string, options ...token.LoginOption) (string, error) {
	return c.tokens.Login(ctx, loginID, options...)
}

// IsLoggedIn reports whether loginID holds a live local token.
func (c *Client) IsLoggedIn(ctx context.Context, loginID string) (bool, error) {
	return c.tokens.IsLoggedIn(ctx, loginID)
}

// HandleLogout reacts to a unified-logout notification: the callback runs
// first, then the local tokens are cleared regardless of its outcome. The
// callback's error is returned after the cleanup.
func (c *Client) HandleLogout(ctx context.Context, loginID string) error {
	var callbackErr error
	if c.onLogout != nil {
		callbackErr = c.onLogout(ctx, loginID)
	}
	if err := c.tokens.KickOut(ctx, loginID); err != nil {
		return err
	}
	return callbackErr
}
