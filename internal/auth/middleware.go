package auth

import (
	"net/http"
	"strings"
)

// QueryParam is the query parameter clients that cannot set headers (browser WebSockets) use
// to present their token.
const QueryParam = "Authorization"

// Skipper allows callers to bypass authentication for specific requests.
type Skipper func(r *http.Request) bool

// Middleware provides HTTP middleware for token validation.
type Middleware struct {
	Verifier Verifier
	Skipper  Skipper
}

// NewMiddleware constructs a middleware with optional skipper.
func NewMiddleware(verifier Verifier, skipper Skipper) Middleware {
	return Middleware{Verifier: verifier, Skipper: skipper}
}

// SkipPaths returns a Skipper bypassing exact paths and any path under a prefix ending in "/".
func SkipPaths(paths ...string) Skipper {
	return func(r *http.Request) bool {
		for _, p := range paths {
			if r.URL.Path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(r.URL.Path, p)) {
				return true
			}
		}
		return false
	}
}

// Wrap wraps an http.Handler with authentication.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skipper != nil && m.Skipper(r) {
			next.ServeHTTP(w, r)
			return
		}

		userID, err := m.Verifier.Verify(r.Context(), TokenFromRequest(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// TokenFromRequest extracts a bearer token from the Authorization header, or the raw token
// from the Authorization query parameter.
func TokenFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			return strings.TrimSpace(header[len("Bearer "):])
		}
		return ""
	}
	token := strings.TrimSpace(r.URL.Query().Get(QueryParam))
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[len("Bearer "):])
	}
	return token
}
