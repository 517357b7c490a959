// Package models defines the database row types for the Carp registry.
// Models are pure data types: business logic belongs in the service layer, query logic in
// the repositories layer.
package models

import "time"

// APIKey is a row of api_keys. SecretHash never leaves the repository and service layers;
// it is excluded from JSON so an accidental serialization cannot leak it.
type APIKey struct {
	ID         string     `json:"id" db:"id"`
	OwnerID    string     `json:"owner_id" db:"owner_id"`
	Name       *string    `json:"name,omitempty" db:"name"`
	SecretHash string     `json:"-" db:"secret_hash"`
	Prefix     string     `json:"prefix" db:"prefix"`
	Scopes     []string   `json:"scopes" db:"-"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// IsExpired reports whether the key has an expiry at or before now.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// IsUsable reports whether the key may authenticate a request at now.
func (k *APIKey) IsUsable(now time.Time) bool {
	return k.IsActive && !k.IsExpired(now)
}

// APIKeyPatch carries the optional fields of a key update. Nil fields are left unchanged;
// ClearExpiry removes an existing expiry.
type APIKeyPatch struct {
	Name        *string
	Scopes      []string
	IsActive    *bool
	ExpiresAt   *time.Time
	ClearExpiry bool
}
