package token

import "errors"

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrLoginDisabled = errors.New("login disabled")
	ErrEmptyLoginID  = errors.New("login id must not be empty")
	ErrUnknownStyle  = errors.New("unknown token style")
)
