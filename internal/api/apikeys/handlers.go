// Package apikeys implements self-service API key management: issue, list, update and revoke.
// Every route acts on the authenticated principal's own keys only.
package apikeys

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/auth"
	"github.com/carp-registry/carp/internal/db/models"
	"github.com/carp-registry/carp/internal/middleware"
	"github.com/carp-registry/carp/internal/services"
)

// KeyManager is implemented by services.APIKeyService.
type KeyManager interface {
	Issue(ctx context.Context, req services.IssueRequest) (*services.IssuedKey, error)
	List(ctx context.Context, ownerID string) ([]services.KeyInfo, error)
	Update(ctx context.Context, ownerID, id string, patch models.APIKeyPatch) (*services.KeyInfo, error)
	Revoke(ctx context.Context, ownerID, id string) error
}

// Handlers serves /api/v1/auth/api-keys.
type Handlers struct {
	keys KeyManager
}

// NewHandlers creates the API key handlers.
func NewHandlers(keys KeyManager) *Handlers {
	return &Handlers{keys: keys}
}

// CreateRequest is the body of POST /api/v1/auth/api-keys.
type CreateRequest struct {
	Name      *string    `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// CreateResponse carries the plaintext key. It is returned once and never again.
type CreateResponse struct {
	Key  string           `json:"key"`
	Info services.KeyInfo `json:"info"`
}

// @Summary      Create API key
// @Description  Issues a new API key for the caller. Scopes default to read and may not exceed the caller's own scopes.
// @Tags         API Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateRequest  true  "Key name, scopes and optional expiry"
// @Success      201  {object}  CreateResponse
// @Failure      400  {object}  middleware.ErrorBody
// @Failure      409  {object}  middleware.ErrorBody  "Name already in use"
// @Failure      429  {object}  middleware.ErrorBody  "Active key limit reached"
// @Router       /api/v1/auth/api-keys [post]
func (h *Handlers) Create(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		middleware.AbortWithError(c, apperrors.New(apperrors.KindAuthInvalid, "authentication required"))
		return
	}

	var req CreateRequest
	if err := decodeBody(c, &req); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if !withinScopes(p, req.Scopes) {
		forbidScopes(c)
		return
	}

	issued, err := h.keys.Issue(c.Request.Context(), services.IssueRequest{
		OwnerID:   p.OwnerID,
		Name:      req.Name,
		Scopes:    req.Scopes,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, CreateResponse{Key: issued.Plaintext, Info: issued.Info})
}

// @Summary      List API keys
// @Description  Lists the caller's API keys. Secrets are never returned.
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Success      200  {array}  services.KeyInfo
// @Router       /api/v1/auth/api-keys [get]
func (h *Handlers) List(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		middleware.AbortWithError(c, apperrors.New(apperrors.KindAuthInvalid, "authentication required"))
		return
	}
	keys, err := h.keys.List(c.Request.Context(), p.OwnerID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, keys)
}

// UpdateRequest is the body of PATCH /api/v1/auth/api-keys/{id}. Absent fields are left
// unchanged; "expires_at": null removes the expiry.
type UpdateRequest struct {
	Name      *string         `json:"name"`
	Scopes    []string        `json:"scopes"`
	IsActive  *bool           `json:"is_active"`
	ExpiresAt json.RawMessage `json:"expires_at"`
}

func (r UpdateRequest) patch() (models.APIKeyPatch, error) {
	patch := models.APIKeyPatch{Name: r.Name, Scopes: r.Scopes, IsActive: r.IsActive}
	switch {
	case len(r.ExpiresAt) == 0:
	case bytes.Equal(bytes.TrimSpace(r.ExpiresAt), []byte("null")):
		patch.ClearExpiry = true
	default:
		var t time.Time
		if err := json.Unmarshal(r.ExpiresAt, &t); err != nil {
			return patch, apperrors.New(apperrors.KindInvalidArgument, "expires_at must be an RFC 3339 timestamp or null")
		}
		patch.ExpiresAt = &t
	}
	return patch, nil
}

// @Summary      Update API key
// @Description  Renames, rescopes, re-activates or changes the expiry of one of the caller's keys.
// @Tags         API Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string         true  "Key ID"
// @Param        body  body  UpdateRequest  true  "Fields to change"
// @Success      200  {object}  services.KeyInfo
// @Failure      404  {object}  middleware.ErrorBody
// @Router       /api/v1/auth/api-keys/{id} [patch]
func (h *Handlers) Update(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		middleware.AbortWithError(c, apperrors.New(apperrors.KindAuthInvalid, "authentication required"))
		return
	}

	var req UpdateRequest
	if err := decodeBody(c, &req); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if !withinScopes(p, req.Scopes) {
		forbidScopes(c)
		return
	}
	patch, err := req.patch()
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	info, err := h.keys.Update(c.Request.Context(), p.OwnerID, c.Param("id"), patch)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// @Summary      Revoke API key
// @Description  Deactivates one of the caller's keys. Verification fails for it immediately.
// @Tags         API Keys
// @Security     Bearer
// @Param        id  path  string  true  "Key ID"
// @Success      204
// @Failure      404  {object}  middleware.ErrorBody
// @Router       /api/v1/auth/api-keys/{id} [delete]
func (h *Handlers) Revoke(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		middleware.AbortWithError(c, apperrors.New(apperrors.KindAuthInvalid, "authentication required"))
		return
	}
	if err := h.keys.Revoke(c.Request.Context(), p.OwnerID, c.Param("id")); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func decodeBody(c *gin.Context, v any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.New(apperrors.KindInvalidArgument, "request body is not valid JSON for this endpoint")
	}
	return nil
}

// withinScopes reports whether every requested scope is held by the principal, so a key can
// never mint or widen a key beyond itself. Unknown scope names are left for the service to
// reject with 400.
func withinScopes(p *services.Principal, requested []string) bool {
	valid := auth.ValidScopes()
	for _, s := range requested {
		if valid[s] && !auth.HasScope(p.Scopes, auth.Scope(s)) {
			return false
		}
	}
	return true
}

func forbidScopes(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, middleware.ErrorBody{
		Error:   string(apperrors.KindAuthInvalid),
		Message: "requested scopes exceed the caller's scopes",
	})
}
