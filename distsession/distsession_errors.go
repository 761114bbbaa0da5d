package distsession

import "errors"

var (
	ErrSessionNotFound          = errors.New("distributed session not found")
	ErrAttributeNotFound        = errors.New("session attribute not found")
	ErrServiceExists            = errors.New("service already registered")
	ErrServiceNotFound          = errors.New("service not registered")
	ErrInvalidServiceCredential = errors.New("invalid service credential")
)
