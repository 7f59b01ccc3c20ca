package dispatcher

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator checks the shared runner API key presented on every
// worker↔dispatcher call. Per spec §1 this is deliberately minimal — no
// key issuance, rotation, or per-runner identity, just the constant-time
// comparison spec §1's non-goals call out explicitly. The key is hashed
// once at startup and compared with bcrypt.CompareHashAndPassword, which
// performs its comparison in constant time internally — the same
// credential-handling idiom as the teacher's auth package
// (internal/controlplane/auth/keys.go), scoped down to a single
// pre-shared secret instead of an issued-key store.
type Authenticator struct {
	hash []byte // nil when auth is disabled
}

// NewAuthenticator builds an Authenticator for key. An empty key disables
// authentication entirely (local/dev use).
func NewAuthenticator(key string) *Authenticator {
	if key == "" {
		return &Authenticator{}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		// GenerateFromPassword only fails on a cost out of range, which
		// DefaultCost never is; treat it as auth-disabled rather than
		// panic the dispatcher over a key it can't hash.
		return &Authenticator{}
	}
	return &Authenticator{hash: hash}
}

// Enabled reports whether a key was configured.
func (a *Authenticator) Enabled() bool { return len(a.hash) > 0 }

// Check reports whether presented matches the configured key.
func (a *Authenticator) Check(presented string) bool {
	if !a.Enabled() {
		return true
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(presented)) == nil
}

// Middleware rejects requests whose Authorization: Bearer <key> header
// does not match, when authentication is enabled. Health and metrics
// endpoints are exempted so orchestration probes don't need the key.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/version", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		key := bearerToken(r.Header.Get("Authorization"))
		if !a.Check(key) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
