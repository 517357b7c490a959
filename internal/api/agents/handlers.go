// Package agents implements the agent search, listing, download and publish endpoints.
// Everything except publish is public with optional authentication; publish requires an
// API key or session holding a publish-capable scope.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/db/models"
	"github.com/carp-registry/carp/internal/distribution"
	"github.com/carp-registry/carp/internal/middleware"
	"github.com/carp-registry/carp/internal/services"
)

// multipartOverhead is headroom above the archive limit for the metadata part and boundaries.
const multipartOverhead = 1 << 20

// Service is the agent operations the handlers need. services.AgentService implements it.
type Service interface {
	Search(ctx context.Context, q services.SearchQuery) (*services.SearchResult, error)
	ListVersions(ctx context.Context, name string) ([]models.AgentVersion, error)
	Recent(ctx context.Context, limit int) (*services.Listing, error)
	Trending(ctx context.Context, limit int) (*services.Listing, error)
	Download(ctx context.Context, name, version string, who services.Requester) (*distribution.Descriptor, error)
	Publish(ctx context.Context, req services.PublishRequest) (*models.AgentVersion, error)
}

// Handlers serves the /api/v1/agents routes.
type Handlers struct {
	svc            Service
	maxUploadBytes int64
}

// NewHandlers creates the agent handlers. maxUploadBytes bounds the archive part of a publish.
func NewHandlers(svc Service, maxUploadBytes int64) *Handlers {
	return &Handlers{svc: svc, maxUploadBytes: maxUploadBytes}
}

// @Summary      Search agents
// @Description  Returns the latest version of every agent whose name contains q (case-insensitive), or of the agent named exactly q when exact=true.
// @Tags         Agents
// @Produce      json
// @Param        q       query  string  false  "Search text"
// @Param        limit   query  int     false  "Maximum results (default 20, max 100)"
// @Param        offset  query  int     false  "Offset for pagination"
// @Param        exact   query  bool    false  "Match the name exactly"
// @Success      200  {object}  services.SearchResult
// @Failure      400  {object}  middleware.ErrorBody
// @Router       /api/v1/agents/search [get]
func (h *Handlers) Search(c *gin.Context) {
	q := services.SearchQuery{Q: c.Query("q")}

	var err error
	if q.Limit, err = intQuery(c, "limit"); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if q.Offset, err = intQuery(c, "offset"); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if raw := c.Query("exact"); raw != "" {
		if q.Exact, err = strconv.ParseBool(raw); err != nil {
			middleware.AbortWithError(c, apperrors.New(apperrors.KindInvalidArgument, "exact must be true or false"))
			return
		}
	}

	res, err := h.svc.Search(c.Request.Context(), q)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary      Latest agents
// @Description  Lists the most recently published agents.
// @Tags         Agents
// @Produce      json
// @Param        limit  query  int  false  "Maximum results (default 10, max 50)"
// @Success      200  {object}  services.Listing
// @Router       /api/v1/agents/latest [get]
func (h *Handlers) Latest(c *gin.Context) {
	h.listing(c, h.svc.Recent, "public, max-age=60")
}

// @Summary      Trending agents
// @Description  Lists the agents downloaded most often over the last seven days.
// @Tags         Agents
// @Produce      json
// @Param        limit  query  int  false  "Maximum results (default 10, max 50)"
// @Success      200  {object}  services.Listing
// @Router       /api/v1/agents/trending [get]
func (h *Handlers) Trending(c *gin.Context) {
	h.listing(c, h.svc.Trending, "public, max-age=300")
}

func (h *Handlers) listing(c *gin.Context, list func(context.Context, int) (*services.Listing, error), cacheControl string) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	res, err := list(c.Request.Context(), limit)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.Header("Cache-Control", cacheControl)
	c.JSON(http.StatusOK, res)
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Newf(apperrors.KindInvalidArgument, "%s must be a non-negative integer", name)
	}
	return n, nil
}

// VersionsResponse lists every version of one agent.
type VersionsResponse struct {
	Name     string                `json:"name"`
	Versions []models.AgentVersion `json:"versions"`
}

// @Summary      List agent versions
// @Description  Lists every published version of an agent, highest semantic version first.
// @Tags         Agents
// @Produce      json
// @Param        name  path  string  true  "Agent name"
// @Success      200  {object}  VersionsResponse
// @Failure      404  {object}  middleware.ErrorBody
// @Router       /api/v1/agents/{name}/versions [get]
func (h *Handlers) ListVersions(c *gin.Context) {
	name := c.Param("name")
	versions, err := h.svc.ListVersions(c.Request.Context(), name)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, VersionsResponse{Name: name, Versions: versions})
}

// @Summary      Download descriptor
// @Description  Resolves an agent version ("latest" for the newest) and returns its checksum with a short-lived signed download URL.
// @Tags         Agents
// @Produce      json
// @Param        name     path  string  true  "Agent name"
// @Param        version  path  string  true  "Version or latest"
// @Success      200  {object}  distribution.Descriptor
// @Failure      404  {object}  middleware.ErrorBody
// @Failure      503  {object}  middleware.ErrorBody  "Storage backend could not sign a URL"
// @Router       /api/v1/agents/{name}/{version}/download [get]
func (h *Handlers) Download(c *gin.Context) {
	who := services.Requester{
		OwnerID:   c.GetString(middleware.OwnerIDKey),
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	desc, err := h.svc.Download(c.Request.Context(), c.Param("name"), c.Param("version"), who)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, desc)
}

// @Summary      Publish agent version
// @Description  Publishes a new immutable agent version. The metadata part is the JSON manifest; the content part is a tar.gz or zip archive.
// @Tags         Agents
// @Security     Bearer
// @Accept       multipart/form-data
// @Produce      json
// @Param        metadata  formData  string  true  "Manifest JSON: name, version, description, author, tags"
// @Param        content   formData  file    true  "Agent archive (.tar.gz or .zip)"
// @Success      201  {object}  models.AgentVersion
// @Failure      400  {object}  middleware.ErrorBody
// @Failure      403  {object}  middleware.ErrorBody
// @Failure      409  {object}  middleware.ErrorBody  "Version already exists"
// @Failure      413  {object}  middleware.ErrorBody
// @Router       /api/v1/agents/publish [post]
func (h *Handlers) Publish(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)

	req, err := h.readPublish(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, middleware.ErrorBody{
				Error:   string(apperrors.KindInvalidArgument),
				Message: "request body too large",
			})
			return
		}
		middleware.AbortWithError(c, err)
		return
	}

	if p, ok := middleware.GetPrincipal(c); ok {
		req.PublisherID = p.OwnerID
	}

	v, err := h.svc.Publish(c.Request.Context(), *req)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (h *Handlers) readPublish(c *gin.Context) (*services.PublishRequest, error) {
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, apperrors.New(apperrors.KindInvalidArgument, "expected a multipart form with metadata and content parts")
	}

	var req services.PublishRequest
	metadata := form.Value["metadata"]
	if len(metadata) != 1 {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "exactly one metadata part is required")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(metadata[0])))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req.Manifest); err != nil {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "metadata is not a valid manifest")
	}

	files := form.File["content"]
	if len(files) != 1 {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "exactly one content part is required")
	}
	if files[0].Size > h.maxUploadBytes {
		return nil, apperrors.Newf(apperrors.KindInvalidArgument, "archive exceeds %d bytes", h.maxUploadBytes)
	}
	f, err := files[0].Open()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to read upload", err)
	}
	defer f.Close()

	req.Archive, err = io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to read upload", err)
	}
	return &req, nil
}
