package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/auth"
	"github.com/carp-registry/carp/internal/services"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const validKey = "carp_validkey0123456789"

type fakeVerifier struct {
	calls int
	err   error
}

func (f *fakeVerifier) Verify(_ context.Context, secret string) (*services.Principal, bool, error) {
	f.calls++
	if f.err != nil {
		return nil, false, f.err
	}
	if secret != validKey {
		return nil, false, nil
	}
	return &services.Principal{OwnerID: "owner-1", KeyID: "key-1", Scopes: []string{"read"}}, true, nil
}

func newAuthRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	r.GET("/", func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, p.OwnerID+"/"+c.GetString(AuthMethodKey))
	})
	return r
}

func do(r http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not an error body: %q", w.Body.String())
	}
	return body
}

// ---------------------------------------------------------------------------
// AuthMiddleware
// ---------------------------------------------------------------------------

func TestAuthMiddleware(t *testing.T) {
	jwt, err := auth.GenerateJWT("user-42", "u@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
		wantBody   string
	}{
		{"no credentials", nil, http.StatusUnauthorized, ""},
		{"bearer api key", map[string]string{"Authorization": "Bearer " + validKey}, http.StatusOK, "owner-1/api_key"},
		{"x-api-key header", map[string]string{APIKeyHeader: validKey}, http.StatusOK, "owner-1/api_key"},
		{"x-api-key wins", map[string]string{APIKeyHeader: validKey, "Authorization": "Bearer nope"}, http.StatusOK, "owner-1/api_key"},
		{"session token", map[string]string{"Authorization": "Bearer " + jwt}, http.StatusOK, "user-42/jwt"},
		{"wrong key", map[string]string{"Authorization": "Bearer carp_wrong"}, http.StatusUnauthorized, ""},
		{"basic scheme", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized, ""},
		{"empty bearer", map[string]string{"Authorization": "Bearer   "}, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(newAuthRouter(AuthMiddleware(&fakeVerifier{})), tt.headers)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
			if w.Code == http.StatusUnauthorized {
				if got := decodeError(t, w).Error; got != string(apperrors.KindAuthInvalid) {
					t.Errorf("error kind = %q, want auth_invalid", got)
				}
			}
		})
	}
}

func TestAuthMiddleware_VerifierErrorIsInternal(t *testing.T) {
	v := &fakeVerifier{err: errors.New("pq: connection refused to 10.0.0.5")}
	w := do(newAuthRouter(AuthMiddleware(v)), map[string]string{"Authorization": "Bearer " + validKey})

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := decodeError(t, w)
	if body.Error != string(apperrors.KindInternal) || body.Message != "authentication failed" {
		t.Errorf("body = %+v, want sanitized internal error", body)
	}
}

// ---------------------------------------------------------------------------
// OptionalAuthMiddleware
// ---------------------------------------------------------------------------

func TestOptionalAuthMiddleware(t *testing.T) {
	v := &fakeVerifier{}
	r := newAuthRouter(OptionalAuthMiddleware(v))

	w := do(r, nil)
	if w.Code != http.StatusOK || w.Body.String() != "anonymous" {
		t.Errorf("anonymous request: %d %q", w.Code, w.Body.String())
	}
	if v.calls != 0 {
		t.Errorf("verifier called %d times for anonymous request", v.calls)
	}

	w = do(r, map[string]string{APIKeyHeader: validKey})
	if w.Body.String() != "owner-1/api_key" {
		t.Errorf("authenticated request body = %q", w.Body.String())
	}

	w = do(r, map[string]string{APIKeyHeader: "carp_bogus"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("invalid presented key status = %d, want 401", w.Code)
	}
}

// ---------------------------------------------------------------------------
// RequireScope
// ---------------------------------------------------------------------------

func TestRequireScope(t *testing.T) {
	build := func(scopes ...auth.Scope) *gin.Engine {
		r := gin.New()
		r.Use(AuthMiddleware(&fakeVerifier{}), RequireScope(scopes...))
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		return r
	}
	key := map[string]string{APIKeyHeader: validKey}

	if w := do(build(auth.ScopeRead), key); w.Code != http.StatusNoContent {
		t.Errorf("read key on read route: %d", w.Code)
	}
	if w := do(build(auth.PublishScopes()...), key); w.Code != http.StatusForbidden {
		t.Errorf("read key on publish route: %d, want 403", w.Code)
	}

	r := gin.New()
	r.Use(RequireScope(auth.ScopeRead))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	if w := do(r, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no principal: %d, want 401", w.Code)
	}
}

// ---------------------------------------------------------------------------
// AbortWithError
// ---------------------------------------------------------------------------

func TestAbortWithError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantKind   string
		wantMsg    string
	}{
		{apperrors.New(apperrors.KindNotFound, "agent \"x\" not found"), http.StatusNotFound, "not_found", "agent \"x\" not found"},
		{apperrors.New(apperrors.KindConflict, "exists"), http.StatusConflict, "conflict", "exists"},
		{errors.New("raw driver error with secrets"), http.StatusInternalServerError, "internal", "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.wantKind, func(t *testing.T) {
			r := gin.New()
			r.GET("/", func(c *gin.Context) { AbortWithError(c, tt.err) })
			w := do(r, nil)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeError(t, w)
			if body.Error != tt.wantKind || body.Message != tt.wantMsg {
				t.Errorf("body = %+v", body)
			}
		})
	}
}
