// Package middleware provides Gin HTTP middleware for the registry API: request ids, request
// logging, metrics, security headers, rate limiting, and API key / session authentication.
//
// Ordering is fixed in router.go:
//
//	Recovery → RequestID → Metrics → Logger → Security → RateLimit → Auth → RequireScope → Handler
//
// Rate limiting runs before auth so brute-forced keys are throttled before any store lookup.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/auth"
	"github.com/carp-registry/carp/internal/services"
)

// Context keys set by the auth middleware.
const (
	PrincipalKey  = "principal"
	OwnerIDKey    = "owner_id"
	AuthMethodKey = "auth_method"
	ScopesKey     = "scopes"

	// APIKeyHeader is accepted as an alternative to "Authorization: Bearer".
	APIKeyHeader = "X-API-Key"
)

// KeyVerifier checks a presented API key. services.APIKeyService implements it.
type KeyVerifier interface {
	Verify(ctx context.Context, secret string) (*services.Principal, bool, error)
}

// AuthMiddleware requires a valid credential: an API key (Bearer or X-API-Key) or an HS256
// session token from the account service.
func AuthMiddleware(verifier KeyVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := credential(c)
		if !ok {
			AbortWithError(c, apperrors.New(apperrors.KindAuthInvalid, "missing credentials"))
			return
		}
		if !authenticate(c, verifier, token) {
			return
		}
		c.Next()
	}
}

// OptionalAuthMiddleware authenticates when a credential is presented and lets anonymous
// requests through. A credential that is presented but invalid is still rejected.
func OptionalAuthMiddleware(verifier KeyVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := credential(c)
		if !ok {
			c.Next()
			return
		}
		if !authenticate(c, verifier, token) {
			return
		}
		c.Next()
	}
}

// credential extracts the presented token. X-API-Key wins over Authorization.
func credential(c *gin.Context) (string, bool) {
	if key := strings.TrimSpace(c.GetHeader(APIKeyHeader)); key != "" {
		return key, true
	}
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	token, err := auth.ExtractAPIKeyFromHeader(header)
	if err != nil {
		return "", false
	}
	return token, true
}

// authenticate sets the principal on c, or aborts and returns false.
func authenticate(c *gin.Context, verifier KeyVerifier, token string) bool {
	// Session tokens are checked first: a signature check with no store round-trip.
	if claims, err := auth.ValidateJWT(token); err == nil && claims.UserID != "" {
		setPrincipal(c, &services.Principal{
			OwnerID: claims.UserID,
			Scopes:  []string{string(auth.ScopeAdmin)},
		}, "jwt")
		return true
	}

	principal, ok, err := verifier.Verify(c.Request.Context(), token)
	if err != nil {
		slog.Error("api key verification failed", "error", err, "request_id", c.GetString(RequestIDKey))
		AbortWithError(c, apperrors.New(apperrors.KindInternal, "authentication failed"))
		return false
	}
	if !ok {
		AbortWithError(c, apperrors.New(apperrors.KindAuthInvalid, "invalid credentials"))
		return false
	}
	setPrincipal(c, principal, "api_key")
	return true
}

func setPrincipal(c *gin.Context, p *services.Principal, method string) {
	c.Set(PrincipalKey, p)
	c.Set(OwnerIDKey, p.OwnerID)
	c.Set(AuthMethodKey, method)
	c.Set(ScopesKey, p.Scopes)
}

// GetPrincipal returns the authenticated principal, if any.
func GetPrincipal(c *gin.Context) (*services.Principal, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*services.Principal)
	return p, ok && p != nil
}

// RequireScope aborts with 403 unless the principal holds at least one of scopes.
// It must run after AuthMiddleware.
func RequireScope(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			AbortWithError(c, apperrors.New(apperrors.KindAuthInvalid, "authentication required"))
			return
		}
		if !auth.HasAnyScope(p.Scopes, scopes) {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorBody{
				Error:   string(apperrors.KindAuthInvalid),
				Message: "api key lacks the required scope",
			})
			return
		}
		c.Next()
	}
}

// ErrorBody is the JSON shape of every API error.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// AbortWithError renders err as {error: kind, message} with the status for its kind.
// Only the sanitized message reaches the client.
func AbortWithError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	c.AbortWithStatusJSON(apperrors.HTTPStatus(kind), ErrorBody{
		Error:   string(kind),
		Message: apperrors.MessageOf(err),
	})
}
