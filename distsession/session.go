package distsession

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/authlayer/authlayer/storage"
)

// Session is the shared record one login holds on one device. ServiceID
// names the service that created it, not the only one allowed to touch it.
type Session struct {
	SessionID    string            `json:"session_id"`
	LoginID      string            `json:"login_id"`
	Token        string            `json:"token"`
	ServiceID    string            `json:"service_id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessAt time.Time         `json:"last_access_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Expired reports whether the session's expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// CreateSession mints a session for loginID carrying its auth token,
// stamped with this manager's service id, and indexes it for per-login
// enumeration.
func (m *Manager) CreateSession(ctx context.Context, loginID, token string) (*Session, error) {
	now := m.nowFunc()
	session := &Session{
		SessionID:    uuid.New().String(),
		LoginID:      loginID,
		Token:        token,
		ServiceID:    m.serviceID,
		CreatedAt:    now,
		LastAccessAt: now,
		ExpiresAt:    now.Add(m.ttl),
		Attributes:   make(map[string]string),
	}

	if err := m.saveSession(ctx, session); err != nil {
		return nil, err
	}
	if err := m.indexAdd(ctx, loginID, session.SessionID); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession returns the session by id, from any service. A record whose
// expiry has passed is deleted on this read and reported as not found.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := m.store.Get(ctx, m.sessionKey(sessionID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "Manager.GetSession Get")
	}

	session, err := decodeSession(raw)
	if err != nil {
		return nil, err
	}
	if session.Expired(m.nowFunc()) {
		if err := m.store.Delete(ctx, m.sessionKey(sessionID)); err != nil {
			return nil, errors.Wrap(err, "Manager.GetSession expiry Delete")
		}
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// RefreshSession bumps the last-access time and extends the session's
// lifetime by the manager's TTL.
func (m *Manager) RefreshSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.nowFunc()
	session.LastAccessAt = now
	session.ExpiresAt = now.Add(m.ttl)
	if err := m.saveSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// SetAttribute stores an arbitrary string pair (role, department, ...) on
// the session. Attribute writes are read-modify-write and can race with
// other writers to the same session.
func (m *Manager) SetAttribute(ctx context.Context, sessionID, key, value string) error {
	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Attributes == nil {
		session.Attributes = make(map[string]string)
	}
	session.Attributes[key] = value
	return m.saveSession(ctx, session)
}

// GetAttribute reads one attribute.
func (m *Manager) GetAttribute(ctx context.Context, sessionID, key string) (string, error) {
	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	value, ok := session.Attributes[key]
	if !ok {
		return "", errors.Wrap(ErrAttributeNotFound, key)
	}
	return value, nil
}

// RemoveAttribute deletes one attribute.
func (m *Manager) RemoveAttribute(ctx context.Context, sessionID, key string) error {
	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	delete(session.Attributes, key)
	return m.saveSession(ctx, session)
}

// DeleteSession removes one session.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	session, err := m.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.store.Delete(ctx, m.sessionKey(sessionID)); err != nil {
		return errors.Wrap(err, "Manager.DeleteSession Delete")
	}
	return m.indexRemove(ctx, session.LoginID, sessionID)
}

// SessionsByLoginID lists the live sessions of one login across every
// service and device, pruning dead ids from the index as it goes.
func (m *Manager) SessionsByLoginID(ctx context.Context, loginID string) ([]*Session, error) {
	ids, err := m.indexList(ctx, loginID)
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	liveIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		session, err := m.GetSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
		liveIDs = append(liveIDs, id)
	}

	if len(liveIDs) != len(ids) {
		if err := m.indexWrite(ctx, loginID, liveIDs); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// DeleteAllSessions is the mass logout: every session of loginID is
// removed, whichever services created them.
func (m *Manager) DeleteAllSessions(ctx context.Context, loginID string) error {
	ids, err := m.indexList(ctx, loginID)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := m.store.Delete(ctx, m.sessionKey(id)); err != nil {
			return errors.Wrap(err, "Manager.DeleteAllSessions Delete")
		}
	}
	if err := m.store.Delete(ctx, m.indexKey(loginID)); err != nil {
		return errors.Wrap(err, "Manager.DeleteAllSessions index Delete")
	}
	return nil
}

func (m *Manager) saveSession(ctx context.Context, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "Manager.saveSession Marshal")
	}
	ttl := session.ExpiresAt.Sub(m.nowFunc())
	if err := m.store.Set(ctx, m.sessionKey(session.SessionID), string(raw), ttl); err != nil {
		return errors.Wrap(err, "Manager.saveSession Set")
	}
	return nil
}

func decodeSession(raw string) (*Session, error) {
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, errors.Wrap(err, "distsession: corrupt session record")
	}
	return &session, nil
}

func (m *Manager) indexList(ctx context.Context, loginID string) ([]string, error) {
	raw, err := m.store.Get(ctx, m.indexKey(loginID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Manager.indexList Get")
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, errors.Wrap(err, "distsession: corrupt session index record")
	}
	return ids, nil
}

func (m *Manager) indexWrite(ctx context.Context, loginID string, ids []string) error {
	if len(ids) == 0 {
		if err := m.store.Delete(ctx, m.indexKey(loginID)); err != nil {
			return errors.Wrap(err, "Manager.indexWrite Delete")
		}
		return nil
	}

	raw, err := json.Marshal(ids)
	if err != nil {
		return errors.Wrap(err, "Manager.indexWrite Marshal")
	}
	if err := m.store.Set(ctx, m.indexKey(loginID), string(raw), 0); err != nil {
		return errors.Wrap(err, "Manager.indexWrite Set")
	}
	return nil
}

func (m *Manager) indexAdd(ctx context.Context, loginID, sessionID string) error {
	ids, err := m.indexList(ctx, loginID)
	if err != nil {
		return err
	}
	return m.indexWrite(ctx, loginID, append(ids, sessionID))
}

func (m *Manager) indexRemove(ctx context.Context, loginID, sessionID string) error {
	ids, err := m.indexList(ctx, loginID)
	if err != nil {
		return err
	}

	remaining := ids[:0]
	for _, id := range ids {
		if id != sessionID {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == len(ids) {
		return nil
	}
	return m.indexWrite(ctx, loginID, remaining)
}
