package auth

import (
	"crypto/subtle"

	"github.com/yourname/dailytally/internal"
)

// SecretProvider accepts exactly one shared secret.
type SecretProvider struct {
	secret string
	logger internal.Logger
}

func NewSecretProvider(secret string, logger internal.Logger) *SecretProvider {
	return &SecretProvider{secret: secret, logger: logger}
}

func (a *SecretProvider) Validate(token string) error {
	if a.secret == "" {
		a.logger.Warnf("rejecting maintenance call: CRON_SECRET is not set")
		return ErrNoSecret
	}
	if token == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) != 1 {
		a.logger.Warnf("rejecting maintenance call: invalid token")
		return ErrInvalidToken
	}
	return nil
}
