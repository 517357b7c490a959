// agent_repository.go implements AgentRepository, providing database queries for published
// agent versions, search, and the append-only download log.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/carp-registry/carp/internal/db/models"
)

const agentVersionColumns = `id, name, version, checksum, storage_path, size_bytes, description, author, tags, publisher_id, created_at`

// AgentRepository handles database operations for agent versions and downloads
type AgentRepository struct {
	db *sqlx.DB
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(db *sqlx.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Create records a newly published version. Versions are immutable: publishing an existing
// (name, version) pair returns ErrVersionExists.
func (r *AgentRepository) Create(ctx context.Context, v *models.AgentVersion) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Tags == nil {
		v.Tags = models.Tags{}
	}

	query := `
		INSERT INTO agent_versions (
			id, name, version, checksum, storage_path, size_bytes, description, author, tags, publisher_id, created_at
		) VALUES (:id, :name, :version, :checksum, :storage_path, :size_bytes, :description, :author, :tags, :publisher_id, :created_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, v)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return ErrVersionExists
		}
		return fmt.Errorf("failed to create agent version: %w", err)
	}
	return nil
}

// GetVersion retrieves a version of an agent. An empty version selects the most recently
// published one (ties on created_at broken by id). Returns nil, nil when nothing matches.
func (r *AgentRepository) GetVersion(ctx context.Context, name, version string) (*models.AgentVersion, error) {
	var (
		query string
		args  []any
	)
	if version == "" {
		query = `SELECT ` + agentVersionColumns + ` FROM agent_versions
			WHERE name = $1
			ORDER BY created_at DESC, id DESC
			LIMIT 1`
		args = []any{name}
	} else {
		query = `SELECT ` + agentVersionColumns + ` FROM agent_versions WHERE name = $1 AND version = $2`
		args = []any{name, version}
	}

	var v models.AgentVersion
	err := r.db.GetContext(ctx, &v, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent version: %w", err)
	}
	return &v, nil
}

// Latest returns the most recently published version of name, or nil when none exists.
func (r *AgentRepository) Latest(ctx context.Context, name string) (*models.AgentVersion, error) {
	return r.GetVersion(ctx, name, "")
}

// Exact returns the named version, or nil when it does not exist.
func (r *AgentRepository) Exact(ctx context.Context, name, version string) (*models.AgentVersion, error) {
	return r.GetVersion(ctx, name, version)
}

// ListVersions returns every published version of name, newest first.
func (r *AgentRepository) ListVersions(ctx context.Context, name string) ([]models.AgentVersion, error) {
	query := `SELECT ` + agentVersionColumns + ` FROM agent_versions
		WHERE name = $1
		ORDER BY created_at DESC, id DESC`

	versions := make([]models.AgentVersion, 0)
	if err := r.db.SelectContext(ctx, &versions, query, name); err != nil {
		return nil, fmt.Errorf("failed to list agent versions: %w", err)
	}
	return versions, nil
}

// Search returns the latest version of each agent whose name or description matches q,
// together with the total number of matching agents. With exact set, only the agent named
// exactly q is considered.
func (r *AgentRepository) Search(ctx context.Context, q string, limit, offset int, exact bool) ([]models.AgentSummary, int, error) {
	var (
		where string
		arg   string
	)
	if exact {
		where = `name = $1`
		arg = q
	} else {
		where = `($1 = '' OR name ILIKE $1 ESCAPE '\' OR description ILIKE $1 ESCAPE '\')`
		if q != "" {
			arg = "%" + escapeLike(q) + "%"
		}
	}

	var total int
	countQuery := `SELECT COUNT(DISTINCT name) FROM agent_versions WHERE ` + where
	if err := r.db.GetContext(ctx, &total, countQuery, arg); err != nil {
		return nil, 0, fmt.Errorf("failed to count agents: %w", err)
	}

	query := `
		SELECT l.id, l.name, l.version, l.checksum, l.storage_path, l.size_bytes, l.description,
		       l.author, l.tags, l.publisher_id, l.created_at,
		       (SELECT COUNT(*) FROM agent_downloads d WHERE d.agent_name = l.name) AS downloads
		FROM (
			SELECT DISTINCT ON (name) ` + agentVersionColumns + `
			FROM agent_versions
			WHERE ` + where + `
			ORDER BY name, created_at DESC, id DESC
		) l
		ORDER BY l.created_at DESC, l.name
		LIMIT $2 OFFSET $3
	`
	results := make([]models.AgentSummary, 0)
	if err := r.db.SelectContext(ctx, &results, query, arg, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to search agents: %w", err)
	}
	return results, total, nil
}

// Recent returns the latest version of the most recently published agents.
func (r *AgentRepository) Recent(ctx context.Context, limit int) ([]models.AgentSummary, error) {
	query := `
		SELECT l.id, l.name, l.version, l.checksum, l.storage_path, l.size_bytes, l.description,
		       l.author, l.tags, l.publisher_id, l.created_at,
		       (SELECT COUNT(*) FROM agent_downloads d WHERE d.agent_name = l.name) AS downloads
		FROM (
			SELECT DISTINCT ON (name) ` + agentVersionColumns + `
			FROM agent_versions
			ORDER BY name, created_at DESC, id DESC
		) l
		ORDER BY l.created_at DESC, l.name
		LIMIT $1
	`
	results := make([]models.AgentSummary, 0)
	if err := r.db.SelectContext(ctx, &results, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent agents: %w", err)
	}
	return results, nil
}

// Trending returns the latest version of the agents downloaded most often since the given
// time. Downloads counts only that window.
func (r *AgentRepository) Trending(ctx context.Context, since time.Time, limit int) ([]models.AgentSummary, error) {
	query := `
		SELECT l.id, l.name, l.version, l.checksum, l.storage_path, l.size_bytes, l.description,
		       l.author, l.tags, l.publisher_id, l.created_at, t.downloads
		FROM (
			SELECT agent_name, COUNT(*) AS downloads
			FROM agent_downloads
			WHERE downloaded_at >= $1
			GROUP BY agent_name
		) t
		JOIN (
			SELECT DISTINCT ON (name) ` + agentVersionColumns + `
			FROM agent_versions
			ORDER BY name, created_at DESC, id DESC
		) l ON l.name = t.agent_name
		ORDER BY t.downloads DESC, l.name
		LIMIT $2
	`
	results := make([]models.AgentSummary, 0)
	if err := r.db.SelectContext(ctx, &results, query, since.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to list trending agents: %w", err)
	}
	return results, nil
}

// RecordDownload appends a row to the download log.
func (r *AgentRepository) RecordDownload(ctx context.Context, d models.AgentDownload) error {
	query := `
		INSERT INTO agent_downloads (agent_name, version, requester, ip, user_agent, downloaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		d.AgentName,
		d.Version,
		d.Requester,
		nullString(d.IP),
		nullString(d.UserAgent),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
