package services

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/db/models"
	"github.com/carp-registry/carp/internal/db/repositories"
	"github.com/carp-registry/carp/internal/distribution"
	"github.com/carp-registry/carp/internal/safego"
	"github.com/carp-registry/carp/internal/storage"
	"github.com/carp-registry/carp/internal/telemetry"
	"github.com/carp-registry/carp/internal/validation"
)

const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
	MaxSearchQuery     = 128

	DefaultListingLimit = 10
	MaxListingLimit     = 50
	// TrendingWindow is how far back downloads count towards trending.
	TrendingWindow = 7 * 24 * time.Hour
)

// AgentStore is the durable agent version store. repositories.AgentRepository implements it.
type AgentStore interface {
	distribution.VersionStore
	Create(ctx context.Context, v *models.AgentVersion) error
	Search(ctx context.Context, q string, limit, offset int, exact bool) ([]models.AgentSummary, int, error)
	ListVersions(ctx context.Context, name string) ([]models.AgentVersion, error)
	Recent(ctx context.Context, limit int) ([]models.AgentSummary, error)
	Trending(ctx context.Context, since time.Time, limit int) ([]models.AgentSummary, error)
	RecordDownload(ctx context.Context, d models.AgentDownload) error
}

// AgentOptions configures an AgentService.
type AgentOptions struct {
	MaxUploadBytes int64
	// RecordTimeout bounds the background download-log insert.
	RecordTimeout time.Duration
}

// AgentService publishes agent versions and hands out download descriptors.
type AgentService struct {
	store         AgentStore
	blobs         storage.Storage
	locator       *distribution.StoreLocator
	maxUpload     int64
	recordTimeout time.Duration
	now           func() time.Time
	newID         func() string

	records sync.WaitGroup
}

// NewAgentService wires the service. The broker signs download URLs against blobs.
func NewAgentService(store AgentStore, blobs storage.Storage, broker *distribution.Broker, opts AgentOptions) *AgentService {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = validation.MaxArchiveSize
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 5 * time.Second
	}
	return &AgentService{
		store:         store,
		blobs:         blobs,
		locator:       distribution.NewStoreLocator(distribution.NewResolver(store), broker),
		maxUpload:     opts.MaxUploadBytes,
		recordTimeout: opts.RecordTimeout,
		now:           time.Now,
		newID:         func() string { return uuid.New().String() },
	}
}

// PublishRequest is one publish call: the manifest from the metadata part and the raw archive.
type PublishRequest struct {
	Manifest    validation.Manifest
	Archive     []byte
	PublisherID string
}

// Publish validates and stores a new immutable agent version.
func (s *AgentService) Publish(ctx context.Context, req PublishRequest) (*models.AgentVersion, error) {
	v, err := s.publish(ctx, req)
	if err == nil {
		telemetry.AgentPublishesTotal.WithLabelValues("ok").Inc()
		return v, nil
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindConflict:
		telemetry.AgentPublishesTotal.WithLabelValues("conflict").Inc()
	case apperrors.KindInvalidArgument, apperrors.KindCorruptArchive, apperrors.KindPathTraversal:
		telemetry.AgentPublishesTotal.WithLabelValues("invalid").Inc()
	default:
		telemetry.AgentPublishesTotal.WithLabelValues("error").Inc()
	}
	return nil, err
}

func (s *AgentService) publish(ctx context.Context, req PublishRequest) (*models.AgentVersion, error) {
	m := req.Manifest
	if err := validation.ValidateManifest(&m); err != nil {
		return nil, err
	}
	if err := validation.ValidateArchive(req.Archive, s.maxUpload); err != nil {
		return nil, err
	}

	existing, err := s.store.Exact(ctx, m.Name, m.Version)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "version lookup failed", err)
	}
	if existing != nil {
		return nil, versionExists(m)
	}

	id := s.newID()
	path := storage.AgentObjectPath(m.Name, m.Version, id, string(validation.DetectArchiveFormat(req.Archive)))
	uploaded, err := s.blobs.Upload(ctx, path, bytes.NewReader(req.Archive), int64(len(req.Archive)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to store archive", err)
	}

	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	v := &models.AgentVersion{
		ID:          id,
		Name:        m.Name,
		Version:     m.Version,
		Checksum:    uploaded.Checksum,
		StoragePath: path,
		SizeBytes:   uploaded.Size,
		Description: m.Description,
		Author:      m.Author,
		Tags:        tags,
		PublisherID: req.PublisherID,
		CreatedAt:   s.now().UTC(),
	}

	if err := s.store.Create(ctx, v); err != nil {
		// Only this call's blob is removed; a concurrent winner wrote to its own path.
		s.discard(path)
		if errors.Is(err, repositories.ErrVersionExists) {
			return nil, versionExists(m)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to record version", err)
	}

	slog.Info("agent version published",
		"name", v.Name, "version", v.Version, "size", v.SizeBytes, "publisher_id", v.PublisherID)
	return v, nil
}

func versionExists(m validation.Manifest) error {
	return apperrors.Newf(apperrors.KindConflict, "agent %q version %q already exists", m.Name, m.Version)
}

func (s *AgentService) discard(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.recordTimeout)
	defer cancel()
	if err := s.blobs.Delete(ctx, path); err != nil {
		slog.Warn("failed to remove orphaned archive", "path", path, "error", err)
	}
}

// SearchQuery is a search request after HTTP parsing.
type SearchQuery struct {
	Q      string
	Limit  int
	Offset int
	// Exact matches the name exactly instead of a case-insensitive substring.
	Exact bool
}

// SearchResult is one page of search hits plus the total match count.
type SearchResult struct {
	Agents []models.AgentSummary `json:"agents"`
	Total  int                   `json:"total"`
}

// Search returns the latest version of each matching agent.
func (s *AgentService) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	q.Q = strings.TrimSpace(q.Q)
	if len(q.Q) > MaxSearchQuery {
		return nil, apperrors.Newf(apperrors.KindInvalidArgument, "query exceeds %d characters", MaxSearchQuery)
	}
	if q.Exact && q.Q == "" {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "exact search needs a name")
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultSearchLimit
	case q.Limit > MaxSearchLimit:
		q.Limit = MaxSearchLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	agents, total, err := s.store.Search(ctx, q.Q, q.Limit, q.Offset, q.Exact)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "search failed", err)
	}
	if agents == nil {
		agents = []models.AgentSummary{}
	}
	return &SearchResult{Agents: agents, Total: total}, nil
}

// Listing is a short list of agents for the latest and trending views.
type Listing struct {
	Agents      []models.AgentSummary `json:"agents"`
	GeneratedAt time.Time             `json:"generated_at"`
}

func listingLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListingLimit
	case limit > MaxListingLimit:
		return MaxListingLimit
	}
	return limit
}

// Recent lists the most recently published agents, newest first.
func (s *AgentService) Recent(ctx context.Context, limit int) (*Listing, error) {
	agents, err := s.store.Recent(ctx, listingLimit(limit))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to list recent agents", err)
	}
	return s.listing(agents), nil
}

// Trending lists the agents with the most downloads over TrendingWindow.
func (s *AgentService) Trending(ctx context.Context, limit int) (*Listing, error) {
	now := s.now().UTC()
	agents, err := s.store.Trending(ctx, now.Add(-TrendingWindow), listingLimit(limit))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to list trending agents", err)
	}
	return s.listing(agents), nil
}

func (s *AgentService) listing(agents []models.AgentSummary) *Listing {
	if agents == nil {
		agents = []models.AgentSummary{}
	}
	return &Listing{Agents: agents, GeneratedAt: s.now().UTC()}
}

// ListVersions returns every published version of name, highest semantic version first.
func (s *AgentService) ListVersions(ctx context.Context, name string) ([]models.AgentVersion, error) {
	if err := validation.ValidateIdentifier("name", name); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, name)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to list versions", err)
	}
	if len(versions) == 0 {
		return nil, apperrors.Newf(apperrors.KindNotFound, "agent %q not found", name)
	}

	sort.SliceStable(versions, func(i, j int) bool {
		c, err := validation.CompareSemver(versions[i].Version, versions[j].Version)
		if err != nil {
			return versions[i].CreatedAt.After(versions[j].CreatedAt)
		}
		return c > 0
	})
	return versions, nil
}

// AnonymousRequester is logged for downloads made without credentials.
const AnonymousRequester = "anonymous"

// Requester describes who asked for a download, for the download log.
type Requester struct {
	OwnerID   string
	IP        string
	UserAgent string
}

// Download resolves name and version ("" or "latest" for the newest) to a descriptor with a
// fresh signed URL, and logs the download in the background.
func (s *AgentService) Download(ctx context.Context, name, version string, who Requester) (*distribution.Descriptor, error) {
	desc, err := s.locator.Locate(ctx, name, distribution.ParseVersionSelector(version))
	if err != nil {
		return nil, err
	}

	requester := who.OwnerID
	if requester == "" {
		requester = AnonymousRequester
	}
	telemetry.AgentDownloadsTotal.WithLabelValues(desc.Name).Inc()
	s.record(models.AgentDownload{
		AgentName: desc.Name,
		Version:   desc.Version,
		Requester: requester,
		IP:        who.IP,
		UserAgent: who.UserAgent,
	})
	return desc, nil
}

func (s *AgentService) record(d models.AgentDownload) {
	s.records.Add(1)
	safego.GoWithTimeout(s.recordTimeout, func(ctx context.Context) {
		defer s.records.Done()
		if err := s.store.RecordDownload(ctx, d); err != nil {
			slog.Warn("failed to record agent download", "name", d.AgentName, "version", d.Version, "error", err)
		}
	})
}

// Wait blocks until every pending download record has been written.
func (s *AgentService) Wait() {
	s.records.Wait()
}
