package gateway

import (
	"crypto/subtle"
	"net/http"
)

// SecretHeader carries the shared secret on monitor requests
const SecretHeader = "X-Parla-Secret"

// AuthHandler checks the optional shared secret
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler. An empty secret
// admits every request.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Verify compares the presented secret in constant time
func (a *AuthHandler) Verify(presented string) bool {
	if a.sharedSecret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// Middleware rejects requests without the shared secret
func (a *AuthHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Verify(r.Header.Get(SecretHeader)) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
