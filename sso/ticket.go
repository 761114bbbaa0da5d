package sso

import "time"

// Ticket vouches for one login id to exactly one target service. It is
// born unused, and either gets consumed by a successful validation or
// expires; both states are terminal.
type Ticket struct {
	ID        string    `json:"id"`
	Service   string    `json:"service"`
	LoginID   string    `json:"login_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

// Expired reports whether the ticket's validity window has passed.
func (t *Ticket) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Session is the server-side record of one login id's SSO footprint: the
// client service URLs it has been issued tickets for. Unified logout
// returns this list so each client can be told to clear its local session.
type Session struct {
	LoginID      string    `json:"login_id"`
	Clients      []string  `json:"clients"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func (s *Session) hasClient(service string) bool {
	for _, c := range s.Clients {
		if c == service {
			return true
		}
	}
	return false
}
