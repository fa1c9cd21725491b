package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rcmckee/tradewire/internal/domain"
)

type principalKey struct{}

// openPaths bypass authentication: broker callbacks authenticate with their
// own signatures, and health probes carry no credentials.
var openPaths = []string{"/webhooks/", "/api/health"}

// Auth returns middleware that resolves the caller to a UserPrincipal via
// the authentication collaborator and injects it into the request context.
// A nil authenticator disables authentication (every caller becomes the
// anonymous principal).
func Auth(authn domain.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range openPaths {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if authn == nil {
				next.ServeHTTP(w, r.WithContext(
					WithPrincipal(r.Context(), domain.UserPrincipal{ID: "anonymous"})))
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}

			principal, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				writeUnauthorized(w, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// WithPrincipal stores the principal on a context.
func WithPrincipal(ctx context.Context, u domain.UserPrincipal) context.Context {
	return context.WithValue(ctx, principalKey{}, u)
}

// PrincipalFrom retrieves the authenticated principal from the context.
func PrincipalFrom(ctx context.Context) (domain.UserPrincipal, bool) {
	u, ok := ctx.Value(principalKey{}).(domain.UserPrincipal)
	return u, ok
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"success":false,"error":"` + msg + `","error_code":"Authentication"}`))
}
