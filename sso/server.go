// Package sso implements ticket-based single sign-on: a Server issuing and
// validating single-use tickets, a Client applying validated tickets to a
// local token manager, and a combined Manager for hub applications.
package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/authlayer/authlayer/storage"
	"github.com/authlayer/authlayer/token"
)

// DefaultTicketTTL is the ticket validity window.
const DefaultTicketTTL = 5 * time.Minute

// Server is the SSO authority: it tracks who is logged in, issues tickets
// that vouch for a login id to one target service, and consumes them.
type Server struct {
	store     storage.Store
	tokens    *token.Manager
	ticketTTL time.Duration
	origins   *OriginWhitelist
	nowFunc   func() time.Time

	// Ticket consumption is read-modify-write on the stored record, so it
	// is serialized here; issuance and sweep bookkeeping share the lock.
	mu        sync.RWMutex
	ticketIDs map[string]struct{}
}

type ServerOption func(*Server)

// WithTicketTTL sets the ticket validity window (default 5m).
func WithTicketTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		s.ticketTTL = ttl
	}
}

// WithOriginWhitelist installs the cross-origin allow-list consulted by
// AllowedOrigin. Without one every origin is allowed.
func WithOriginWhitelist(origins *OriginWhitelist) ServerOption {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ServerOption {
	return func(s *Server) {
		s.nowFunc = now
	}
}

func NewServer(store storage.Store, tokens *token.Manager, options ...ServerOption) *Server {
	s := &Server{
		store:     store,
		tokens:    tokens,
		ticketTTL: DefaultTicketTTL,
		nowFunc:   time.Now,
		ticketIDs: make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// IsLoggedIn reports whether loginID holds a live token on the SSO server.
// A true answer lets a second application skip re-authentication and call
// CreateTicket directly.
func (s *Server) IsLoggedIn(ctx context.Context, loginID string) (bool, error) {
	return s.tokens.IsLoggedIn(ctx, loginID)
}

// CreateTicket issues a single-use ticket vouching for loginID to exactly
// one target service, and records the service in the login's SSO session.
func (s *Server) CreateTicket(ctx context.Context, loginID, service string) (string, error) {
	id, err := generateTicketID()
	if err != nil {
		return "", err
	}

	now := s.nowFunc()
	ticket := Ticket{
		ID:        id,
		Service:   service,
		LoginID:   loginID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ticketTTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.saveTicket(ctx, &ticket); err != nil {
		return "", err
	}
	if err := s.sessionAddClient(ctx, loginID, service); err != nil {
		return "", err
	}
	s.ticketIDs[id] = struct{}{}
	return id, nil
}

// ValidateTicket consumes a ticket on behalf of service and returns the
// login id it vouches for. The checks run in a fixed order: existence,
// replay, expiry, then service binding, and only a fully valid ticket is
// marked used. A ticket issued for service A can never be redeemed by
// service B, and no ticket validates twice.
func (s *Server) ValidateTicket(ctx context.Context, ticketID, service string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, err := s.loadTicket(ctx, ticketID)
	if err != nil {
		return "", err
	}
	if ticket.Used {
		return "", ErrTicketUsed
	}
	if ticket.Expired(s.nowFunc()) {
		if err := s.store.Delete(ctx, s.ticketKey(ticketID)); err != nil {
			return "", errors.Wrap(err, "Server.ValidateTicket expiry Delete")
		}
		delete(s.ticketIDs, ticketID)
		return "", ErrTicketExpired
	}
	if ticket.Service != service {
		return "", ErrServiceMismatch
	}

	// The used record is written back rather than deleted so a replay
	// surfaces as "already used", not "not found".
	ticket.Used = true
	if err := s.saveTicket(ctx, ticket); err != nil {
		return "", err
	}
	return ticket.LoginID, nil
}

// Session returns loginID's SSO session, or nil when none exists.
func (s *Server) Session(ctx context.Context, loginID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadSession(ctx, loginID)
}

// Logout is the unified logout: it removes the SSO session, invalidates
// the login's tokens, and returns the client service URLs that must be
// notified out-of-band so each can clear its own local session.
func (s *Server) Logout(ctx context.Context, loginID string) ([]string, error) {
	s.mu.Lock()
	session, err := s.loadSession(ctx, loginID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	var clients []string
	if session != nil {
		clients = session.Clients
		if err := s.store.Delete(ctx, s.sessionKey(loginID)); err != nil {
			s.mu.Unlock()
			return nil, errors.Wrap(err, "Server.Logout Delete")
		}
	}
	s.mu.Unlock()

	if err := s.tokens.KickOut(ctx, loginID); err != nil {
		return nil, err
	}
	return clients, nil
}

// AllowedOrigin is the coarse cross-origin gate. It never substitutes for
// ticket validation.
func (s *Server) AllowedOrigin(origin string) bool {
	if s.origins == nil {
		return true
	}
	return s.origins.Allowed(origin)
}

// CleanupExpiredTickets sweeps tickets that can never validate again:
// consumed, expired, or already gone from storage. Returns how many index
// entries were dropped. Validation does not depend on the sweep; this is
// storage hygiene.
func (s *Server) CleanupExpiredTickets(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id := range s.ticketIDs {
		ticket, err := s.loadTicket(ctx, id)
		if errors.Is(err, ErrTicketNotFound) {
			delete(s.ticketIDs, id)
			removed++
			continue
		}
		if err != nil {
			return removed, err
		}
		if ticket.Used || ticket.Expired(s.nowFunc()) {
			if err := s.store.Delete(ctx, s.ticketKey(id)); err != nil {
				return removed, errors.Wrap(err, "Server.CleanupExpiredTickets Delete")
			}
			delete(s.ticketIDs, id)
			removed++
		}
	}
	return removed, nil
}

// RunSweeper periodically runs CleanupExpiredTickets until ctx is done.
// It blocks; run it on its own goroutine. This is the only background
// worker in the engine.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.CleanupExpiredTickets(ctx); err != nil {
				log.Error().Err(err).Msg("sso ticket sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) loadTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	raw, err := s.store.Get(ctx, s.ticketKey(ticketID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "Server.loadTicket Get")
	}

	var ticket Ticket
	if err := json.Unmarshal([]byte(raw), &ticket); err != nil {
		return nil, errors.Wrap(err, "sso: corrupt ticket record")
	}
	return &ticket, nil
}

func (s *Server) saveTicket(ctx context.Context, ticket *Ticket) error {
	raw, err := json.Marshal(ticket)
	if err != nil {
		return errors.Wrap(err, "Server.saveTicket Marshal")
	}
	if err := s.store.Set(ctx, s.ticketKey(ticket.ID), string(raw), ticket.ExpiresAt.Sub(s.nowFunc())); err != nil {
		return errors.Wrap(err, "Server.saveTicket Set")
	}
	return nil
}

func (s *Server) loadSession(ctx context.Context, loginID string) (*Session, error) {
	raw, err := s.store.Get(ctx, s.sessionKey(loginID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Server.loadSession Get")
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, errors.Wrap(err, "sso: corrupt session record")
	}
	return &session, nil
}

// sessionAddClient records service in loginID's SSO session, creating the
// session on the first SSO login. Callers must hold mu.
func (s *Server) sessionAddClient(ctx context.Context, loginID, service string) error {
	session, err := s.loadSession(ctx, loginID)
	if err != nil {
		return err
	}

	now := s.nowFunc()
	if session == nil {
		session = &Session{
			LoginID:   loginID,
			CreatedAt: now,
		}
	}
	if !session.hasClient(service) {
		session.Clients = append(session.Clients, service)
	}
	session.LastActiveAt = now

	raw, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "Server.sessionAddClient Marshal")
	}
	if err := s.store.Set(ctx, s.sessionKey(loginID), string(raw), 0); err != nil {
		return errors.Wrap(err, "Server.sessionAddClient Set")
	}
	return nil
}

func generateTicketID() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "sso.generateTicketID rand.Read")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Server) ticketKey(ticketID string) string {
	return "sso:ticket:" + ticketID
}

func (s *Server) sessionKey(loginID string) string {
	return "sso:session:" + loginID
}
