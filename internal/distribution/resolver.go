package distribution

import (
	"context"
	"strings"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/db/models"
	"github.com/carp-registry/carp/internal/validation"
)

// LatestKeyword selects the most recently published version.
const LatestKeyword = "latest"

// Selector picks a version of an agent: either the latest one or an exact version.
type Selector struct {
	Latest  bool
	Version string
}

// ParseVersionSelector turns user input into a Selector. "", "latest" and any case variant of
// it select the latest version; everything else is taken as an exact version string.
func ParseVersionSelector(s string) Selector {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, LatestKeyword) {
		return Selector{Latest: true}
	}
	return Selector{Version: s}
}

// Exact returns a selector for one specific version.
func Exact(version string) Selector {
	return Selector{Version: version}
}

func (s Selector) String() string {
	if s.Latest {
		return LatestKeyword
	}
	return s.Version
}

// VersionStore is the read side of the agent version store.
// Both methods return nil, nil when nothing matches.
type VersionStore interface {
	Latest(ctx context.Context, name string) (*models.AgentVersion, error)
	Exact(ctx context.Context, name, version string) (*models.AgentVersion, error)
}

// Resolver maps (name, selector) to one concrete published version.
type Resolver struct {
	store VersionStore
}

// NewResolver creates a Resolver over store.
func NewResolver(store VersionStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve validates name and selector, then looks the version up. Unknown agents or versions
// are NotFound; invalid identifiers are rejected before any query runs.
func (r *Resolver) Resolve(ctx context.Context, name string, sel Selector) (*models.AgentVersion, error) {
	if err := validation.ValidateIdentifier("name", name); err != nil {
		return nil, err
	}
	if !sel.Latest {
		if err := validation.ValidateIdentifier("version", sel.Version); err != nil {
			return nil, err
		}
	}

	var (
		v   *models.AgentVersion
		err error
	)
	if sel.Latest {
		v, err = r.store.Latest(ctx, name)
	} else {
		v, err = r.store.Exact(ctx, name, sel.Version)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "version lookup failed", err)
	}
	if v == nil {
		if sel.Latest {
			return nil, apperrors.Newf(apperrors.KindNotFound, "agent %q not found", name)
		}
		return nil, apperrors.Newf(apperrors.KindNotFound, "agent %q version %q not found", name, sel.Version)
	}
	return v, nil
}
