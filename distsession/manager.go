// Package distsession shares session state across independently deployed
// services: any service holding a session id can read, refresh and mutate
// the session, regardless of which service created it. Inter-service trust
// is a separate shared-secret scheme (RegisterService/VerifyService);
// enforcing it before honoring session calls is the caller's job.
package distsession

import (
	"sync"
	"time"

	"github.com/authlayer/authlayer/storage"
)

// DefaultSessionTTL is the distributed session lifetime. Each
// RefreshSession extends it by the same amount.
const DefaultSessionTTL = 30 * time.Minute

// Manager is one participating service's handle on the shared session
// space. The service id it was built with is stamped into every session it
// creates.
type Manager struct {
	store     storage.Store
	serviceID string
	ttl       time.Duration
	nowFunc   func() time.Time

	// Credential verification is the hot path; the read side of this
	// cache proceeds concurrently, registration takes the write lock.
	credMu sync.RWMutex
	creds  map[string]*ServiceCredential
}

type ManagerOption func(*Manager)

// WithSessionTTL sets the session lifetime (default 30m).
func WithSessionTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// New builds the session manager for the service identified by serviceID.
func New(store storage.Store, serviceID string, options ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		serviceID: serviceID,
		ttl:       DefaultSessionTTL,
		nowFunc:   time.Now,
		creds:     make(map[string]*ServiceCredential),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// ServiceID returns the id this manager stamps into created sessions.
func (m *Manager) ServiceID() string {
	return m.serviceID
}

func (m *Manager) sessionKey(sessionID string) string {
	return "dsession:" + sessionID
}

func (m *Manager) indexKey(loginID string) string {
	return "dsession-index:" + loginID
}

func (m *Manager) serviceKey(serviceID string) string {
	return "service:" + serviceID
}
