// Package client is the registry HTTP client used by the carp CLI, plus the CLI's
// configuration file handling. Client implements distribution.Locator so the pull pipeline can
// run against a remote registry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/buildinfo"
	"github.com/carp-registry/carp/internal/db/models"
	"github.com/carp-registry/carp/internal/distribution"
	"github.com/carp-registry/carp/internal/validation"
)

const maxResponseBytes = 4 << 20

// Client talks to one registry.
type Client struct {
	baseURL   string
	apiKey    string
	http      *http.Client
	userAgent string
}

// New creates a client for cfg.BaseURL.
func New(cfg *Config) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		http:      &http.Client{Timeout: cfg.Timeout},
		userAgent: buildinfo.UserAgent(),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// HasAPIKey reports whether an API key is configured.
func (c *Client) HasAPIKey() bool { return c.apiKey != "" }

// SearchResult is one page of search hits.
type SearchResult struct {
	Agents []models.AgentSummary `json:"agents"`
	Total  int                   `json:"total"`
}

// Search queries the registry. limit <= 0 uses the server default.
func (c *Client) Search(ctx context.Context, q string, limit int, exact bool) (*SearchResult, error) {
	params := url.Values{}
	params.Set("q", q)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if exact {
		params.Set("exact", "true")
	}
	var out SearchResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/search?"+params.Encode(), nil, "", false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Listing is the latest or trending agent list.
type Listing struct {
	Agents      []models.AgentSummary `json:"agents"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// Latest lists the most recently published agents.
func (c *Client) Latest(ctx context.Context, limit int) (*Listing, error) {
	return c.listing(ctx, "latest", limit)
}

// Trending lists the most downloaded agents of the past week.
func (c *Client) Trending(ctx context.Context, limit int) (*Listing, error) {
	return c.listing(ctx, "trending", limit)
}

func (c *Client) listing(ctx context.Context, kind string, limit int) (*Listing, error) {
	path := "/api/v1/agents/" + kind
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out Listing
	if err := c.do(ctx, http.MethodGet, path, nil, "", false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Versions lists every published version of name, highest first.
func (c *Client) Versions(ctx context.Context, name string) ([]models.AgentVersion, error) {
	var out struct {
		Versions []models.AgentVersion `json:"versions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(name)+"/versions", nil, "", false, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// Locate implements distribution.Locator through the download endpoint. The API key is sent
// when configured so the download is attributed to its owner.
func (c *Client) Locate(ctx context.Context, name string, sel distribution.Selector) (*distribution.Descriptor, error) {
	if err := validation.ValidateIdentifier("name", name); err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/api/v1/agents/%s/%s/download", url.PathEscape(name), url.PathEscape(sel.String()))
	var desc distribution.Descriptor
	if err := c.do(ctx, http.MethodGet, path, nil, "", false, &desc); err != nil {
		return nil, err
	}
	if desc.DownloadURL == "" || desc.Checksum == "" {
		return nil, apperrors.New(apperrors.KindUpstreamUnavailable, "registry returned an incomplete download descriptor")
	}
	return &desc, nil
}

// Publish uploads archive with m as the metadata part.
func (c *Client) Publish(ctx context.Context, m validation.Manifest, archive []byte) (*models.AgentVersion, error) {
	if !c.HasAPIKey() {
		return nil, apperrors.New(apperrors.KindAuthInvalid, "no API key configured; run 'carp login' first")
	}
	meta, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("metadata", string(meta)); err != nil {
		return nil, err
	}
	filename := m.Name + "-" + m.Version + "." + string(validation.DetectArchiveFormat(archive))
	part, err := w.CreateFormFile("content", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(archive); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var out models.AgentVersion
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/publish", &body, w.FormDataContentType(), true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health is the /health response.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// Health checks the registry liveness endpoint.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, "", false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KeyInfo is the display projection of an API key.
type KeyInfo struct {
	ID         string     `json:"id"`
	Name       *string    `json:"name"`
	Prefix     string     `json:"prefix"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewKey is a freshly issued key. Key is the plaintext, shown once.
type NewKey struct {
	Key  string  `json:"key"`
	Info KeyInfo `json:"info"`
}

// CreateKeyRequest is the body of a key issue call.
type CreateKeyRequest struct {
	Name      *string    `json:"name,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateKey issues a new key for the caller.
func (c *Client) CreateKey(ctx context.Context, req CreateKeyRequest) (*NewKey, error) {
	var out NewKey
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/api-keys", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListKeys lists the caller's keys.
func (c *Client) ListKeys(ctx context.Context) ([]KeyInfo, error) {
	var out []KeyInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/auth/api-keys", nil, "", true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// KeyUpdate is a partial key update. Nil fields are left unchanged; ClearExpiry removes the
// expiry and wins over ExpiresAt.
type KeyUpdate struct {
	Name        *string
	Scopes      []string
	IsActive    *bool
	ExpiresAt   *time.Time
	ClearExpiry bool
}

func (u KeyUpdate) body() map[string]any {
	m := map[string]any{}
	if u.Name != nil {
		m["name"] = *u.Name
	}
	if u.Scopes != nil {
		m["scopes"] = u.Scopes
	}
	if u.IsActive != nil {
		m["is_active"] = *u.IsActive
	}
	switch {
	case u.ClearExpiry:
		m["expires_at"] = nil
	case u.ExpiresAt != nil:
		m["expires_at"] = u.ExpiresAt.UTC()
	}
	return m
}

// UpdateKey patches one of the caller's keys.
func (c *Client) UpdateKey(ctx context.Context, id string, u KeyUpdate) (*KeyInfo, error) {
	var out KeyInfo
	if err := c.doJSON(ctx, http.MethodPatch, "/api/v1/auth/api-keys/"+url.PathEscape(id), u.body(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeKey permanently revokes one of the caller's keys.
func (c *Client) RevokeKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/auth/api-keys/"+url.PathEscape(id), nil, "", true, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return c.do(ctx, method, path, bytes.NewReader(raw), "application/json", true, out)
}

// do sends one request and decodes a 2xx JSON body into out. Error bodies are mapped back to
// the apperrors taxonomy. needAuth fails fast when no key is configured.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, needAuth bool, out any) error {
	if needAuth && !c.HasAPIKey() {
		return apperrors.New(apperrors.KindAuthInvalid, "no API key configured; run 'carp login' first")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvalidArgument, "invalid request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUpstreamUnavailable, "registry unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.Wrap(apperrors.KindUpstreamUnavailable, "reading registry response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Wrap(apperrors.KindUpstreamUnavailable, "registry returned malformed JSON", err)
	}
	return nil
}

func responseError(status int, raw []byte) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)

	msg := body.Message
	if msg == "" {
		msg = fmt.Sprintf("registry returned %d", status)
	}
	return &apperrors.Error{
		Kind:    apperrors.FromHTTPStatus(status, body.Error),
		Message: msg,
		Status:  status,
	}
}
