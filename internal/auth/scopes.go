// Package auth - scopes.go defines the permission scopes an API key may carry and the
// HasScope / HasAnyScope helpers used by the route guards.
package auth

import (
	"fmt"
)

// Scope represents a permission/scope type
type Scope string

const (
	ScopeRead    Scope = "read"
	ScopeWrite   Scope = "write"
	ScopeUpload  Scope = "upload"
	ScopePublish Scope = "publish"
	ScopeDelete  Scope = "delete"

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{ScopeRead, ScopeWrite, ScopeUpload, ScopePublish, ScopeDelete, ScopeAdmin}
}

// ValidScopes returns a map of valid scope strings
func ValidScopes() map[string]bool {
	validScopes := make(map[string]bool)
	for _, scope := range AllScopes() {
		validScopes[string(scope)] = true
	}
	return validScopes
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	validScopes := ValidScopes()

	for _, scope := range scopes {
		if !validScopes[scope] {
			return fmt.Errorf("invalid scope: %q", scope)
		}
	}

	return nil
}

// HasScope checks if a key has a required scope.
// admin grants everything; write implies read.
func HasScope(userScopes []string, required Scope) bool {
	for _, scope := range userScopes {
		switch {
		case scope == string(required), scope == string(ScopeAdmin):
			return true
		case required == ScopeRead && scope == string(ScopeWrite):
			return true
		}
	}
	return false
}

// HasAnyScope checks if a key has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}

// PublishScopes are the scopes that allow publishing a new agent version.
func PublishScopes() []Scope {
	return []Scope{ScopePublish, ScopeWrite, ScopeUpload}
}

// GetDefaultScopes returns default scopes for a new API key
func GetDefaultScopes() []string {
	return []string{string(ScopeRead)}
}

// NormalizeScopes removes duplicates while keeping first-seen order.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
