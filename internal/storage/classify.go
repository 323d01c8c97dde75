package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/yourname/dailytally/internal"
)

var (
	unauthenticatedHints = []string{
		"credentials", "invalid_grant", "unauthenticated", "unauthorized",
		"permission denied", "private key", "password authentication failed",
	}
	unavailableHints = []string{
		"quota", "rate limit", "ratelimit", "too many requests", "resource_exhausted",
		"timeout", "connection refused", "connection reset", "unavailable", "eof",
	}
)

// classify tags err with internal.ErrUnauthenticated or internal.ErrUnavailable
// so callers can triage without knowing which backend produced it. Errors that
// fit neither kind are returned unchanged.
func classify(err error) error {
	if err == nil || errors.Is(err, internal.ErrUnavailable) || errors.Is(err, internal.ErrUnauthenticated) {
		return err
	}
	if kind := kindOf(err); kind != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return err
}

func kindOf(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			if strings.Contains(strings.ToLower(gerr.Message), "quota") {
				return internal.ErrUnavailable
			}
			return internal.ErrUnauthenticated
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return internal.ErrUnavailable
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return internal.ErrUnavailable
		}
		return internal.ErrUnauthenticated
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"):
			return internal.ErrUnauthenticated
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return internal.ErrUnavailable
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return internal.ErrUnavailable
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return internal.ErrUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, h := range unauthenticatedHints {
		if strings.Contains(msg, h) {
			return internal.ErrUnauthenticated
		}
	}
	for _, h := range unavailableHints {
		if strings.Contains(msg, h) {
			return internal.ErrUnavailable
		}
	}
	return nil
}
