package validation

import (
	"regexp"
	"strings"

	"github.com/carp-registry/carp/internal/apperrors"
)

const (
	// MaxIdentifierLength bounds package names and version strings accepted by the resolver.
	MaxIdentifierLength = 128

	// MaxAgentNameLength bounds names accepted at publish time.
	MaxAgentNameLength = 64
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	agentNamePattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

// ValidateIdentifier checks a package name or version string supplied by a caller before it is
// used in any query. field names the argument in the error message.
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return apperrors.Newf(apperrors.KindInvalidArgument, "%s is required", field)
	}
	if len(value) > MaxIdentifierLength {
		return apperrors.Newf(apperrors.KindInvalidArgument, "%s exceeds %d characters", field, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(value) {
		return apperrors.Newf(apperrors.KindInvalidArgument, "%s contains invalid characters", field)
	}
	if value == "." || value == ".." || strings.Contains(value, "..") {
		return apperrors.Newf(apperrors.KindInvalidArgument, "%s contains invalid characters", field)
	}
	return nil
}

// ValidateAgentName applies the stricter rule for newly published agents: alphanumerics,
// hyphens and underscores, starting with an alphanumeric.
func ValidateAgentName(name string) error {
	if name == "" {
		return apperrors.New(apperrors.KindInvalidArgument, "agent name is required")
	}
	if len(name) > MaxAgentNameLength {
		return apperrors.Newf(apperrors.KindInvalidArgument, "agent name exceeds %d characters", MaxAgentNameLength)
	}
	if !agentNamePattern.MatchString(name) {
		return apperrors.New(apperrors.KindInvalidArgument, "agent name may contain only letters, digits, '-' and '_'")
	}
	return nil
}
