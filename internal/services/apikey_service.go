// Package services holds the orchestration layer between the HTTP handlers and the
// repositories: API key issuance and verification, and agent publish/search/download.
package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/auth"
	"github.com/carp-registry/carp/internal/db/models"
	"github.com/carp-registry/carp/internal/db/repositories"
	"github.com/carp-registry/carp/internal/safego"
	"github.com/carp-registry/carp/internal/telemetry"
)

const (
	// MaxKeyNameLength bounds the optional display name of a key.
	MaxKeyNameLength = 64

	issueAttempts = 3
)

// KeyStore is the durable API key store. The repositories.APIKeyRepository is the
// production implementation. Create must count and insert atomically per owner.
type KeyStore interface {
	Create(ctx context.Context, key *models.APIKey, maxActive int) error
	GetByHash(ctx context.Context, secretHash string) (*models.APIKey, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.APIKey, error)
	Update(ctx context.Context, ownerID, id string, patch models.APIKeyPatch, maxActive int) (*models.APIKey, error)
	Deactivate(ctx context.Context, ownerID, id string) error
	UpdateLastUsed(ctx context.Context, id string, at time.Time) error
}

// APIKeyOptions configures an APIKeyService.
type APIKeyOptions struct {
	Prefix            string
	MaxActivePerOwner int
	LastUsedTimeout   time.Duration
}

// APIKeyService issues, verifies and manages API keys.
type APIKeyService struct {
	store           KeyStore
	prefix          string
	maxActive       int
	lastUsedTimeout time.Duration
	now             func() time.Time
	generate        func(prefix string) (*auth.GeneratedKey, error)

	touches sync.WaitGroup
}

// NewAPIKeyService creates an APIKeyService. Zero option values fall back to the defaults.
func NewAPIKeyService(store KeyStore, opts APIKeyOptions) *APIKeyService {
	if opts.Prefix == "" {
		opts.Prefix = auth.DefaultKeyPrefix
	}
	if opts.MaxActivePerOwner <= 0 {
		opts.MaxActivePerOwner = 10
	}
	if opts.LastUsedTimeout <= 0 {
		opts.LastUsedTimeout = 5 * time.Second
	}
	return &APIKeyService{
		store:           store,
		prefix:          opts.Prefix,
		maxActive:       opts.MaxActivePerOwner,
		lastUsedTimeout: opts.LastUsedTimeout,
		now:             time.Now,
		generate:        auth.GenerateAPIKey,
	}
}

// KeyInfo is the display projection of a key. It never carries the secret or its hash.
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

// NewKeyInfo projects a stored key for display.
func NewKeyInfo(k *models.APIKey) KeyInfo {
	return KeyInfo{
		ID:         k.ID,
		Name:       k.Name,
		Prefix:     k.Prefix,
		Scopes:     k.Scopes,
		IsActive:   k.IsActive,
		LastUsedAt: k.LastUsedAt,
		ExpiresAt:  k.ExpiresAt,
		CreatedAt:  k.CreatedAt,
	}
}

// Principal is the authenticated identity behind a request.
type Principal struct {
	OwnerID string
	// KeyID is empty for session (JWT) principals.
	KeyID  string
	Scopes []string
}

// IssueRequest describes a key to create.
type IssueRequest struct {
	OwnerID   string
	Name      *string
	Scopes    []string
	ExpiresAt *time.Time
}

// IssuedKey is returned exactly once, at creation. Plaintext is not recoverable afterwards.
type IssuedKey struct {
	Plaintext string
	Info      KeyInfo
}

// Issue creates a new key for req.OwnerID.
func (s *APIKeyService) Issue(ctx context.Context, req IssueRequest) (*IssuedKey, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "owner is required")
	}
	name, err := normalizeKeyName(req.Name)
	if err != nil {
		return nil, err
	}
	scopes, err := normalizeScopes(req.Scopes)
	if err != nil {
		return nil, err
	}
	if len(scopes) == 0 {
		scopes = auth.GetDefaultScopes()
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "expires_at must be in the future")
	}

	for attempt := 1; ; attempt++ {
		gen, err := s.generate(s.prefix)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "failed to generate api key", err)
		}

		key := &models.APIKey{
			OwnerID:    req.OwnerID,
			Name:       name,
			SecretHash: gen.Hash,
			Prefix:     gen.DisplayPrefix,
			Scopes:     scopes,
			ExpiresAt:  req.ExpiresAt,
		}
		err = s.store.Create(ctx, key, s.maxActive)
		if errors.Is(err, repositories.ErrKeyCollision) && attempt < issueAttempts {
			slog.Warn("api key collision, regenerating", "owner_id", req.OwnerID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, mapKeyStoreError(err)
		}

		telemetry.APIKeysIssuedTotal.Inc()
		slog.Info("api key issued", "key_id", key.ID, "owner_id", key.OwnerID, "prefix", key.Prefix)
		return &IssuedKey{Plaintext: gen.Plaintext, Info: NewKeyInfo(key)}, nil
	}
}

// Verify authenticates a presented secret. Malformed, unknown, inactive and expired keys all
// return (nil, false, nil); only a store failure returns an error.
func (s *APIKeyService) Verify(ctx context.Context, secret string) (*Principal, bool, error) {
	if !auth.LooksLikeAPIKey(secret, s.prefix) {
		telemetry.APIKeyVerificationsTotal.WithLabelValues("invalid").Inc()
		return nil, false, nil
	}

	key, err := s.store.GetByHash(ctx, auth.HashAPIKey(secret))
	if err != nil {
		telemetry.APIKeyVerificationsTotal.WithLabelValues("error").Inc()
		return nil, false, apperrors.Wrap(apperrors.KindInternal, "key lookup failed", err)
	}

	now := s.now()
	if key == nil || !key.IsUsable(now) {
		telemetry.APIKeyVerificationsTotal.WithLabelValues("invalid").Inc()
		return nil, false, nil
	}

	s.touch(key.ID, now)
	telemetry.APIKeyVerificationsTotal.WithLabelValues("valid").Inc()
	return &Principal{OwnerID: key.OwnerID, KeyID: key.ID, Scopes: key.Scopes}, true, nil
}

// touch records last use off the request path. Failures are logged and dropped.
func (s *APIKeyService) touch(keyID string, at time.Time) {
	s.touches.Add(1)
	safego.GoWithTimeout(s.lastUsedTimeout, func(ctx context.Context) {
		defer s.touches.Done()
		if err := s.store.UpdateLastUsed(ctx, keyID, at); err != nil {
			slog.Warn("failed to update api key last_used_at", "key_id", keyID, "error", err)
		}
	})
}

// Wait blocks until every pending last-used update has finished.
func (s *APIKeyService) Wait() {
	s.touches.Wait()
}

// List returns the owner's keys.
func (s *APIKeyService) List(ctx context.Context, ownerID string) ([]KeyInfo, error) {
	keys, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to list api keys", err)
	}
	out := make([]KeyInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, NewKeyInfo(k))
	}
	return out, nil
}

// Update changes the mutable fields of one of the owner's keys.
func (s *APIKeyService) Update(ctx context.Context, ownerID, id string, patch models.APIKeyPatch) (*KeyInfo, error) {
	if patch.Name != nil {
		name, err := normalizeKeyName(patch.Name)
		if err != nil {
			return nil, err
		}
		patch.Name = name
	}
	if patch.Scopes != nil {
		scopes, err := normalizeScopes(patch.Scopes)
		if err != nil {
			return nil, err
		}
		if len(scopes) == 0 {
			return nil, apperrors.New(apperrors.KindInvalidArgument, "scopes must not be empty")
		}
		patch.Scopes = scopes
	}
	if !patch.ClearExpiry && patch.ExpiresAt != nil && !patch.ExpiresAt.After(s.now()) {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "expires_at must be in the future")
	}

	key, err := s.store.Update(ctx, ownerID, id, patch, s.maxActive)
	if err != nil {
		return nil, mapKeyStoreError(err)
	}
	info := NewKeyInfo(key)
	return &info, nil
}

// Revoke deactivates one of the owner's keys.
func (s *APIKeyService) Revoke(ctx context.Context, ownerID, id string) error {
	if err := s.store.Deactivate(ctx, ownerID, id); err != nil {
		return mapKeyStoreError(err)
	}
	slog.Info("api key revoked", "key_id", id, "owner_id", ownerID)
	return nil
}

func normalizeKeyName(name *string) (*string, error) {
	if name == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*name)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > MaxKeyNameLength {
		return nil, apperrors.Newf(apperrors.KindInvalidArgument, "name must be 1-%d characters", MaxKeyNameLength)
	}
	return &trimmed, nil
}

func normalizeScopes(scopes []string) ([]string, error) {
	if err := auth.ValidateScopes(scopes); err != nil {
		return nil, apperrors.New(apperrors.KindInvalidArgument, err.Error())
	}
	return auth.NormalizeScopes(scopes), nil
}

func mapKeyStoreError(err error) error {
	switch {
	case errors.Is(err, repositories.ErrDuplicateName):
		return apperrors.New(apperrors.KindConflict, "an api key with this name already exists")
	case errors.Is(err, repositories.ErrKeyLimit):
		return apperrors.New(apperrors.KindRateLimited, "active api key limit reached")
	case errors.Is(err, repositories.ErrKeyNotFound):
		return apperrors.New(apperrors.KindNotFound, "api key not found")
	default:
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return err
		}
		return apperrors.Wrap(apperrors.KindInternal, "api key store failure", err)
	}
}
