package oauth2

import "errors"

var (
	ErrClientExists        = errors.New("client already registered")
	ErrClientNotFound      = errors.New("client not found")
	ErrInvalidClientSecret = errors.New("invalid client secret")
	ErrInvalidRedirectURI  = errors.New("redirect uri not registered for client")
	ErrInvalidScope        = errors.New("scope not registered for client")
	ErrCodeNotFound        = errors.New("authorization code not found or already used")
	ErrCodeExpired         = errors.New("authorization code expired")
	ErrClientMismatch      = errors.New("credential was issued to a different client")
	ErrGrantTypeNotAllowed = errors.New("grant type not registered for client")
	ErrRedirectMismatch    = errors.New("redirect uri does not match authorization request")
	ErrTokenNotFound       = errors.New("token not found")
	ErrTokenExpired        = errors.New("token expired")
)
