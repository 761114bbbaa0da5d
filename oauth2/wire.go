package oauth2

// TokenTypeBearer is the only token type this engine issues.
const TokenTypeBearer = "Bearer"

// TokenResponse is the RFC 6749-shaped body a token endpoint returns to
// callers. Serializing it is all an HTTP adapter needs to do.
type TokenResponse struct {
	// AccessToken is the opaque credential for protected-resource calls,
	// sent as "Authorization: Bearer <access_token>".
	AccessToken string `json:"access_token"`

	// TokenType is always "Bearer".
	TokenType string `json:"token_type"`

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int `json:"expires_in"`

	// RefreshToken obtains the next pair once the access token expires.
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope lists the permissions actually granted, which may be a subset
	// of what the client requested.
	Scope []string `json:"scope,omitempty"`
}
