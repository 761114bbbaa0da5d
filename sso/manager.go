package sso

import (
	"context"

	"github.com/authlayer/authlayer/storage"
	"github.com/authlayer/authlayer/token"
)

// Manager composes a Server and a Client for hub applications that both
// authenticate users and consume tickets from other members of the SSO
// circle.
type Manager struct {
	*Server
	*Client
}

// NewManager wires a Server and Client over the same token manager.
func NewManager(store storage.Store, tokens *token.Manager, serverOptions []ServerOption, clientOptions []ClientOption) *Manager {
	return &Manager{
		Server: NewServer(store, tokens, serverOptions...),
		Client: NewClient(tokens, clientOptions...),
	}
}

// IsLoggedIn resolves the Server/Client embedding ambiguity in favor of
// the server-side answer, which is the one hub applications ask.
func (m *Manager) IsLoggedIn(ctx context.Context, loginID string) (bool, error) {
	return m.Server.IsLoggedIn(ctx, loginID)
}
