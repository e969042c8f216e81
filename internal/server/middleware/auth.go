package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gosuda/agentaudit/internal/auth"
)

// AnonymousSubject is the subject attached when API auth is disabled.
const AnonymousSubject = "anonymous"

// Auth authenticates requests with an operator token taken from the
// Authorization header or, for websocket upgrades, the access_token query
// parameter.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := extractBearer(r)
			if tok == "" {
				tok = r.URL.Query().Get("access_token")
			}
			if tok != "" {
				if claims, err := auth.ValidateToken(jwtSecret, tok); err == nil {
					next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), claims.Subject, claims.Role)))
					return
				}
			}

			http.Error(w, `{"title":"Unauthorized","status":401,"detail":"missing or invalid credentials"}`, http.StatusUnauthorized)
		})
	}
}

// Anonymous grants every request the admin role. It stands in for Auth when
// no signing secret is configured.
func Anonymous() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), AnonymousSubject, auth.RoleAdmin)))
		})
	}
}

func withIdentity(ctx context.Context, subject, role string) context.Context {
	ctx = context.WithValue(ctx, ContextKeySubject, subject)
	return context.WithValue(ctx, ContextKeyUserRole, role)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}
