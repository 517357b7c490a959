// Package checksum provides SHA-256 checksum utilities for artifact integrity verification.
// The same digest is computed by every storage backend at publish time and recomputed by the
// CLI after download, so both sides share this package rather than wiring crypto/sha256 twice.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Algorithm is the digest algorithm name recorded alongside published artifacts.
const Algorithm = "sha256"

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// SumSHA256 returns the hex SHA256 digest of an in-memory buffer.
func SumSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Normalize lowercases a checksum and strips an optional "sha256:" algorithm prefix.
func Normalize(sum string) string {
	sum = strings.ToLower(strings.TrimSpace(sum))
	return strings.TrimPrefix(sum, Algorithm+":")
}

// Equal compares two hex checksums after normalization. The length is checked first and the
// bytes are then compared in full with subtle.ConstantTimeCompare.
func Equal(actual, expected string) bool {
	a := []byte(Normalize(actual))
	e := []byte(Normalize(expected))
	if len(a) != len(e) || len(e) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(a, e) == 1
}

// VerifySHA256 verifies that the checksum of data matches the expected checksum
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return Equal(actualChecksum, expectedChecksum), nil
}
