package distsession

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/authlayer/authlayer/permission"
	"github.com/authlayer/authlayer/storage"
)

// ServiceCredential identifies one participating service. Only the bcrypt
// hash of its secret is persisted; the permission list scopes what the
// service may do against the shared session space.
type ServiceCredential struct {
	ServiceID   string    `json:"service_id"`
	ServiceName string    `json:"service_name"`
	SecretHash  string    `json:"secret_hash"`
	CreatedAt   time.Time `json:"created_at"`
	Permissions []string  `json:"permissions,omitempty"`
}

// RegisterService enrolls a service into the trust circle. The plaintext
// secret is hashed before persisting and primed into the local cache.
func (m *Manager) RegisterService(ctx context.Context, serviceID, name, secret string, permissions []string) (*ServiceCredential, error) {
	if strings.TrimSpace(serviceID) == "" {
		return nil, errors.New("[RegisterService] service id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("[RegisterService] secret is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.RegisterService bcrypt")
	}

	credential := &ServiceCredential{
		ServiceID:   serviceID,
		ServiceName: name,
		SecretHash:  string(hash),
		CreatedAt:   m.nowFunc(),
		Permissions: permissions,
	}

	raw, err := json.Marshal(credential)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.RegisterService Marshal")
	}

	inserted, err := m.store.SetIfAbsent(ctx, m.serviceKey(serviceID), string(raw), 0)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.RegisterService SetIfAbsent")
	}
	if !inserted {
		return nil, ErrServiceExists
	}

	m.credMu.Lock()
	m.creds[serviceID] = credential
	m.credMu.Unlock()
	return credential, nil
}

// VerifyService checks a presented service_id/secret pair. Callers are
// expected to gate session access on this before honoring a request from
// another service.
func (m *Manager) VerifyService(ctx context.Context, serviceID, secret string) error {
	credential, err := m.credential(ctx, serviceID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(credential.SecretHash), []byte(secret)) != nil {
		return ErrInvalidServiceCredential
	}
	return nil
}

// ServiceHasPermission reports whether the registered service holds perm,
// with the same ":*" wildcard rule login permissions use.
func (m *Manager) ServiceHasPermission(ctx context.Context, serviceID, perm string) (bool, error) {
	credential, err := m.credential(ctx, serviceID)
	if err != nil {
		return false, err
	}
	for _, granted := range credential.Permissions {
		if permission.Match(granted, perm) {
			return true, nil
		}
	}
	return false, nil
}

// credential resolves a service credential, cache first. Another instance
// may have registered the service, so a cache miss falls through to
// storage and back-fills.
func (m *Manager) credential(ctx context.Context, serviceID string) (*ServiceCredential, error) {
	m.credMu.RLock()
	credential, ok := m.creds[serviceID]
	m.credMu.RUnlock()
	if ok {
		return credential, nil
	}

	raw, err := m.store.Get(ctx, m.serviceKey(serviceID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "Manager.credential Get")
	}

	var loaded ServiceCredential
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		return nil, errors.Wrap(err, "distsession: corrupt service credential record")
	}

	m.credMu.Lock()
	m.creds[serviceID] = &loaded
	m.credMu.Unlock()
	return &loaded, nil
}
