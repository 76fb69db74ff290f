// Package identity resolves which user a request acts for and guards the
// callback routes used by the workflow service.
package identity

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// UserIDHeader carries the caller's user id in header mode.
const UserIDHeader = "X-User-Id"

// CallbackTokenHeader carries the shared secret on workflow callbacks.
const CallbackTokenHeader = "X-Callback-Token"

var (
	// ErrNoIdentity means the request carried no identity at all.
	ErrNoIdentity = errors.New("missing user id")
	// ErrInvalidToken means a credential was presented but rejected.
	ErrInvalidToken = errors.New("invalid token")
)

// IdentityVerifier extracts the acting user id from a request.
type IdentityVerifier interface {
	Identify(r *http.Request) (string, error)
	// TrustsBody reports whether a user_id field in the request body may be
	// used when Identify finds nothing.
	TrustsBody() bool
}

// HeaderVerifier trusts the X-User-Id header as sent by the frontend.
// It performs no verification.
type HeaderVerifier struct{}

func (HeaderVerifier) Identify(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if userID == "" {
		return "", ErrNoIdentity
	}
	return userID, nil
}

func (HeaderVerifier) TrustsBody() bool { return true }

// CallbackVerifier checks the shared secret presented by the workflow service.
// A zero-value verifier accepts every callback.
type CallbackVerifier struct {
	secret []byte
}

func NewCallbackVerifier(secret string) *CallbackVerifier {
	return &CallbackVerifier{secret: []byte(strings.TrimSpace(secret))}
}

// Enabled reports whether callbacks must present a token.
func (v *CallbackVerifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Verify accepts the request when no secret is configured or the token matches.
func (v *CallbackVerifier) Verify(r *http.Request) error {
	if !v.Enabled() {
		return nil
	}
	token := strings.TrimSpace(r.Header.Get(CallbackTokenHeader))
	if token == "" {
		token, _ = BearerToken(r)
	}
	if token == "" {
		return ErrNoIdentity
	}
	if subtle.ConstantTimeCompare([]byte(token), v.secret) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(authHeader[7:])
	if token == "" {
		return "", false
	}
	return token, true
}
