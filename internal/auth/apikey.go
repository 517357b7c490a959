// Package auth provides the authentication primitives for the registry: API key generation,
// hashing and format checks, JWT session tokens from the identity collaborator, and scopes.
// API keys are the only credential non-interactive clients (the carp CLI, automation) present.
// Keys are stored as a deterministic SHA-256 digest so verification is a single indexed lookup.
// See internal/services/apikey_service.go for issuance and verification orchestration.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const (
	// DefaultKeyPrefix is prepended to every generated secret.
	DefaultKeyPrefix = "carp_"

	// SecretLength is the number of random alphanumeric characters after the prefix.
	SecretLength = 40

	// DisplayPrefixLength is the number of leading plaintext characters stored for display.
	DisplayPrefixLength = 16

	// MaxPresentedKeyLength bounds what the format pre-check will even consider.
	MaxPresentedKeyLength = 128
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randReader is swapped in tests.
var randReader io.Reader = rand.Reader

// GeneratedKey is the result of GenerateAPIKey. Plaintext must be shown to the caller exactly once.
type GeneratedKey struct {
	Plaintext     string
	Hash          string
	DisplayPrefix string
}

// GenerateAPIKey creates a new random API key with the given prefix.
// The random part is drawn uniformly from [A-Za-z0-9]; crypto/rand.Int performs rejection
// sampling internally so there is no modulo bias.
func GenerateAPIKey(prefix string) (*GeneratedKey, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	var sb strings.Builder
	sb.Grow(len(prefix) + SecretLength)
	sb.WriteString(prefix)

	max := big.NewInt(int64(len(alphanumeric)))
	for i := 0; i < SecretLength; i++ {
		n, err := rand.Int(randReader, max)
		if err != nil {
			return nil, fmt.Errorf("failed to generate random bytes: %w", err)
		}
		sb.WriteByte(alphanumeric[n.Int64()])
	}

	fullKey := sb.String()
	return &GeneratedKey{
		Plaintext:     fullKey,
		Hash:          HashAPIKey(fullKey),
		DisplayPrefix: DisplayPrefix(fullKey),
	}, nil
}

// HashAPIKey returns the hex SHA-256 digest stored in api_keys.secret_hash.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the first DisplayPrefixLength characters of a key.
func DisplayPrefix(key string) string {
	if len(key) > DisplayPrefixLength {
		return key[:DisplayPrefixLength]
	}
	return key
}

// LooksLikeAPIKey is the cheap format pre-check run before any store lookup: the expected prefix,
// the exact length, and only alphanumeric characters after the prefix.
func LooksLikeAPIKey(key, prefix string) bool {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if len(key) > MaxPresentedKeyLength || len(key) != len(prefix)+SecretLength {
		return false
	}
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	for _, c := range key[len(prefix):] {
		if !strings.ContainsRune(alphanumeric, c) {
			return false
		}
	}
	return true
}

// ExtractAPIKeyFromHeader extracts the API key from an Authorization header
// Expected format: "Bearer carp_abc123xyz..."
func ExtractAPIKeyFromHeader(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if key == "" {
		return "", errors.New("API key is empty after Bearer prefix")
	}

	return key, nil
}
