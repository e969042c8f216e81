package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gosuda/agentaudit/internal/auth"
	"github.com/gosuda/agentaudit/internal/server/middleware"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { //nolint:gochecknoglobals // test fixture
	w.WriteHeader(http.StatusOK)
})

func withRole(role string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	return req.WithContext(context.WithValue(req.Context(), middleware.ContextKeyUserRole, role))
}

// ---------------------------------------------------------------------------
// RequireRole
// ---------------------------------------------------------------------------

func TestRequireRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		allowed  []string
		req      *http.Request
		want     int
		wantBody string
	}{
		{name: "single role match", allowed: []string{auth.RoleIngest}, req: withRole(auth.RoleIngest), want: http.StatusOK},
		{name: "one of several", allowed: []string{auth.RoleAdmin, auth.RoleAuditor}, req: withRole(auth.RoleAuditor), want: http.StatusOK},
		{name: "role mismatch", allowed: []string{auth.RoleAdmin}, req: withRole(auth.RoleAuditor), want: http.StatusForbidden, wantBody: "insufficient permissions"},
		{name: "no identity", allowed: []string{auth.RoleAdmin}, req: httptest.NewRequest(http.MethodGet, "/", http.NoBody), want: http.StatusUnauthorized, wantBody: "authentication required"},
		{name: "empty role", allowed: []string{auth.RoleAdmin}, req: withRole(""), want: http.StatusUnauthorized, wantBody: "authentication required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			middleware.RequireRole(tt.allowed...)(okHandler).ServeHTTP(rec, tt.req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

// Reader and ingest routes share only the admin role.
func TestRequireReaderAndIngest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role       string
		wantReader int
		wantIngest int
	}{
		{role: auth.RoleAdmin, wantReader: http.StatusOK, wantIngest: http.StatusOK},
		{role: auth.RoleAuditor, wantReader: http.StatusOK, wantIngest: http.StatusForbidden},
		{role: auth.RoleIngest, wantReader: http.StatusForbidden, wantIngest: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			middleware.RequireReader()(okHandler).ServeHTTP(rec, withRole(tt.role))
			assert.Equal(t, tt.wantReader, rec.Code, "reader")

			rec = httptest.NewRecorder()
			middleware.RequireIngest()(okHandler).ServeHTTP(rec, withRole(tt.role))
			assert.Equal(t, tt.wantIngest, rec.Code, "ingest")
		})
	}
}

func TestRequireRole_AfterAuth(t *testing.T) {
	t.Parallel()

	h := middleware.Auth(testSecret)(middleware.RequireReader()(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+issue(t, "ops", auth.RoleAuditor))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+issue(t, "bot", auth.RoleIngest))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
