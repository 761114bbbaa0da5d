package sso

import "errors"

var (
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrTicketUsed      = errors.New("ticket already used")
	ErrTicketExpired   = errors.New("ticket expired")
	ErrServiceMismatch = errors.New("ticket was issued for a different service")
)
