package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/planloom/planloom/internal/secrets"
)

// publicPaths are exempt from authentication. The agent card must stay
// reachable so other agents can discover this service before presenting
// credentials.
var publicPaths = map[string]bool{
	"/health":                 true,
	"/health/ready":           true,
	"/.well-known/agent.json": true,
}

// APIKeyAuth validates the shared API key against the bcrypt hash held in
// the secrets vault. A successful bcrypt comparison is memoized (keyed to the
// hash it was verified against) so steady-state requests pay a SHA-256 plus a
// constant-time compare instead of a full bcrypt round. Reloading the vault
// with a new hash invalidates the memo.
type APIKeyAuth struct {
	vault   *secrets.Vault
	enabled bool

	mu          sync.Mutex
	verifiedFor string
	verifiedSum [sha256.Size]byte
	hasMemo     bool
}

// NewAPIKeyAuth creates the auth middleware. When enabled is false all
// requests pass through unauthenticated.
func NewAPIKeyAuth(vault *secrets.Vault, enabled bool) *APIKeyAuth {
	return &APIKeyAuth{vault: vault, enabled: enabled}
}

// Handler returns HTTP middleware enforcing API key authentication.
func (a *APIKeyAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := extractKey(r)
		if key == "" {
			unauthorized(w, "authorization required")
			return
		}

		hash := a.vault.APIKeyHash()
		if hash == "" || !a.verify(key, hash) {
			unauthorized(w, "invalid api key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractKey pulls the API key from X-API-Key, Authorization: Bearer, or,
// for WebSocket upgrades where browsers cannot set headers, the api_key
// query parameter.
func extractKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if key := strings.TrimPrefix(auth, "Bearer "); key != auth {
			return key
		}
		return ""
	}
	if strings.HasPrefix(r.URL.Path, "/ws") {
		return r.URL.Query().Get("api_key")
	}
	return ""
}

func (a *APIKeyAuth) verify(key, hash string) bool {
	sum := sha256.Sum256([]byte(key))

	a.mu.Lock()
	if a.hasMemo && a.verifiedFor == hash &&
		subtle.ConstantTimeCompare(sum[:], a.verifiedSum[:]) == 1 {
		a.mu.Unlock()
		return true
	}
	a.mu.Unlock()

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
		return false
	}

	a.mu.Lock()
	a.verifiedFor = hash
	a.verifiedSum = sum
	a.hasMemo = true
	a.mu.Unlock()
	return true
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
