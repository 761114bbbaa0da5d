package token

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/authlayer/authlayer/storage"
)

// Session is the per-login key-value map. It is created on first access
// and lives alongside the login's tokens.
//
// Session writes are read-modify-write, not transactional: two concurrent
// writers to the same login id can lose updates. Callers needing strict
// consistency must serialize per login id at a higher layer.
type Session struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data"`
}

// Session returns loginID's session, creating an empty one on first access.
func (m *Manager) Session(ctx context.Context, loginID string) (*Session, error) {
	raw, err := m.store.Get(ctx, m.sessionKey(loginID))
	if errors.Is(err, storage.ErrNotFound) {
		session := &Session{
			ID:        loginID,
			CreatedAt: m.nowFunc(),
			Data:      make(map[string]any),
		}
		if err := m.saveSession(ctx, session); err != nil {
			return nil, err
		}
		return session, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Manager.Session Get")
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, errors.Wrap(err, "token: corrupt session record")
	}
	if session.Data == nil {
		session.Data = make(map[string]any)
	}
	return &session, nil
}

// SessionSet stores value under key in loginID's session.
func (m *Manager) SessionSet(ctx context.Context, loginID, key string, value any) error {
	session, err := m.Session(ctx, loginID)
	if err != nil {
		return err
	}
	session.Data[key] = value
	return m.saveSession(ctx, session)
}

// SessionGet reads key from loginID's session; ok is false when the key
// (or the whole session) is absent.
func (m *Manager) SessionGet(ctx context.Context, loginID, key string) (value any, ok bool, err error) {
	exists, err := m.store.Exists(ctx, m.sessionKey(loginID))
	if err != nil {
		return nil, false, errors.Wrap(err, "Manager.SessionGet Exists")
	}
	if !exists {
		return nil, false, nil
	}

	session, err := m.Session(ctx, loginID)
	if err != nil {
		return nil, false, err
	}
	value, ok = session.Data[key]
	return value, ok, nil
}

// SessionRemove deletes key from loginID's session.
func (m *Manager) SessionRemove(ctx context.Context, loginID, key string) error {
	session, err := m.Session(ctx, loginID)
	if err != nil {
		return err
	}
	delete(session.Data, key)
	return m.saveSession(ctx, session)
}

// DeleteSession removes loginID's session outright.
func (m *Manager) DeleteSession(ctx context.Context, loginID string) error {
	if err := m.store.Delete(ctx, m.sessionKey(loginID)); err != nil {
		return errors.Wrap(err, "Manager.DeleteSession Delete")
	}
	return nil
}

func (m *Manager) saveSession(ctx context.Context, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "Manager.saveSession Marshal")
	}
	if err := m.store.Set(ctx, m.sessionKey(session.ID), string(raw), m.storageTTL()); err != nil {
		return errors.Wrap(err, "Manager.saveSession Set")
	}
	return nil
}

func (m *Manager) sessionKey(loginID string) string {
	return "session:" + m.loginType + ":" + loginID
}
