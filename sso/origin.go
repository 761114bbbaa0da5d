package sso

import "strings"

// OriginWhitelist is a coarse cross-origin gate: an entry matches exactly,
// "*" allows every origin, and "*.suffix" allows any origin ending in
// ".suffix". It is an authorization pre-filter only, never a substitute
// for ticket validation.
type OriginWhitelist struct {
	entries []string
}

func NewOriginWhitelist(origins ...string) *OriginWhitelist {
	return &OriginWhitelist{entries: origins}
}

// Allowed reports whether origin passes the whitelist.
func (w *OriginWhitelist) Allowed(origin string) bool {
	for _, entry := range w.entries {
		if entry == "*" || entry == origin {
			return true
		}
		if strings.HasPrefix(entry, "*.") && strings.HasSuffix(origin, entry[1:]) {
			return true
		}
	}
	return false
}
