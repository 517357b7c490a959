package validation

import (
	"strings"

	"github.com/carp-registry/carp/internal/apperrors"
)

const (
	MaxDescriptionLength = 1024
	MaxAuthorLength      = 128
	MaxTags              = 20
	MaxTagLength         = 32
)

// ManifestFileName is the manifest file the CLI reads from an agent directory.
const ManifestFileName = "carp.yaml"

// Manifest describes an agent being published. The CLI reads it from carp.yaml and sends it as
// the metadata part of the publish request.
type Manifest struct {
	Name        string   `json:"name" yaml:"name"`
	Version     string   `json:"version" yaml:"version"`
	Description string   `json:"description" yaml:"description"`
	Author      string   `json:"author,omitempty" yaml:"author,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	// Files lists glob patterns to include when packing; empty means the whole directory.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`
}

// ValidateManifest checks every manifest field and normalizes whitespace in place.
func ValidateManifest(m *Manifest) error {
	if m == nil {
		return apperrors.New(apperrors.KindInvalidArgument, "manifest is required")
	}
	m.Name = strings.TrimSpace(m.Name)
	m.Version = strings.TrimSpace(m.Version)
	m.Description = strings.TrimSpace(m.Description)
	m.Author = strings.TrimSpace(m.Author)

	if err := ValidateAgentName(m.Name); err != nil {
		return err
	}
	if err := ValidateSemver(m.Version); err != nil {
		return err
	}
	if m.Description == "" {
		return apperrors.New(apperrors.KindInvalidArgument, "description is required")
	}
	if len(m.Description) > MaxDescriptionLength {
		return apperrors.Newf(apperrors.KindInvalidArgument, "description exceeds %d characters", MaxDescriptionLength)
	}
	if len(m.Author) > MaxAuthorLength {
		return apperrors.Newf(apperrors.KindInvalidArgument, "author exceeds %d characters", MaxAuthorLength)
	}
	if len(m.Tags) > MaxTags {
		return apperrors.Newf(apperrors.KindInvalidArgument, "at most %d tags are allowed", MaxTags)
	}
	for i, tag := range m.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || len(tag) > MaxTagLength || !identifierPattern.MatchString(tag) {
			return apperrors.Newf(apperrors.KindInvalidArgument, "invalid tag %q", m.Tags[i])
		}
		m.Tags[i] = tag
	}
	return nil
}
