package distribution

import (
	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/pkg/checksum"
)

// VerifyChecksum checks data against the published SHA-256 digest. expected may be upper case
// or carry a "sha256:" prefix.
func VerifyChecksum(data []byte, expected string) error {
	if checksum.Normalize(expected) == "" {
		return apperrors.New(apperrors.KindChecksumMismatch, "no checksum published for artifact")
	}
	if !checksum.Equal(checksum.SumSHA256(data), expected) {
		return apperrors.New(apperrors.KindChecksumMismatch, "artifact checksum does not match published digest")
	}
	return nil
}
