// Package auth implements the HTTP Ingest Edge's shared-secret check
// (spec §4.E, §6 INGEST_API_KEY). It keeps the teacher's
// crypto/subtle.ConstantTimeCompare-based APIKeyMiddleware shape but
// drops session/JWT auth entirely — spec.md's Non-goals exclude
// authentication beyond an opaque shared-secret check, so there is no
// token to issue or validate. The secret is hashed once at startup with
// bcrypt so a header value is never compared against the plaintext
// secret held in memory.
package auth

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// Checker validates the X-API-Key header against a configured secret.
// A zero-value Checker (no secret configured) accepts every request —
// the HTTP Ingest Edge logs a startup warning in that case (spec §4.E).
type Checker struct {
	hash []byte
}

// NewChecker hashes secret once at startup. An empty secret disables
// the check (Allow always returns true).
func NewChecker(secret string) (*Checker, error) {
	if secret == "" {
		return &Checker{}, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &Checker{hash: hash}, nil
}

// Enabled reports whether a shared secret is configured.
func (c *Checker) Enabled() bool { return len(c.hash) > 0 }

// Allow reports whether presented matches the configured secret. When
// no secret is configured every value is allowed.
func (c *Checker) Allow(presented string) bool {
	if !c.Enabled() {
		return true
	}
	return bcrypt.CompareHashAndPassword(c.hash, []byte(presented)) == nil
}

// Middleware rejects requests missing or mismatching the X-API-Key
// header with 401, when a secret is configured.
func (c *Checker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if !c.Allow(r.Header.Get("X-API-Key")) {
			http.Error(w, "invalid or missing API key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
