// semver.go provides semantic version format validation and ordering helpers used when
// publishing agents and when listing an agent's versions.
package validation

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-version"

	"github.com/carp-registry/carp/internal/apperrors"
)

// ValidateSemver validates that a version string is valid semantic versioning
func ValidateSemver(versionStr string) error {
	if err := ValidateIdentifier("version", versionStr); err != nil {
		return err
	}
	if _, err := version.NewVersion(versionStr); err != nil {
		return apperrors.Wrap(apperrors.KindInvalidArgument, "invalid semantic version", err)
	}
	return nil
}

// CompareSemver compares two semantic versions
// Returns -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2
func CompareSemver(v1Str, v2Str string) (int, error) {
	v1, err := version.NewVersion(v1Str)
	if err != nil {
		return 0, fmt.Errorf("invalid version v1: %w", err)
	}

	v2, err := version.NewVersion(v2Str)
	if err != nil {
		return 0, fmt.Errorf("invalid version v2: %w", err)
	}

	return v1.Compare(v2), nil
}

// SortVersionsDesc orders version strings newest first. Strings that do not parse sort after
// every valid version, in reverse lexical order.
func SortVersionsDesc(versions []string) {
	parsed := make(map[string]*version.Version, len(versions))
	for _, v := range versions {
		if pv, err := version.NewVersion(v); err == nil {
			parsed[v] = pv
		}
	}
	sort.SliceStable(versions, func(i, j int) bool {
		vi, iok := parsed[versions[i]]
		vj, jok := parsed[versions[j]]
		switch {
		case iok && jok:
			return vi.GreaterThan(vj)
		case iok != jok:
			return iok
		default:
			return versions[i] > versions[j]
		}
	})
}
