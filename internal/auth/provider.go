package auth

import "errors"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoSecret is returned for every token when no secret is configured.
	ErrNoSecret = errors.New("no cron secret configured")
)

// Provider decides whether a bearer token may call the maintenance endpoints.
type Provider interface {
	Validate(token string) error
}
