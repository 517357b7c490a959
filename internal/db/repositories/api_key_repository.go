// api_key_repository.go implements APIKeyRepository: the durable key store. Keys are looked up
// by the unique secret_hash index; creation and reactivation hold a per-owner advisory lock so
// the active-key limit cannot be exceeded by concurrent requests.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carp-registry/carp/internal/db"
	"github.com/carp-registry/carp/internal/db/models"
)

const apiKeyColumns = `id, owner_id, name, secret_hash, prefix, scopes, is_active, expires_at, last_used_at, created_at, updated_at`

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(conn *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: conn, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	k := &models.APIKey{}
	var scopesJSON []byte
	err := row.Scan(
		&k.ID,
		&k.OwnerID,
		&k.Name,
		&k.SecretHash,
		&k.Prefix,
		&scopesJSON,
		&k.IsActive,
		&k.ExpiresAt,
		&k.LastUsedAt,
		&k.CreatedAt,
		&k.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopesJSON, &k.Scopes); err != nil {
		return nil, fmt.Errorf("failed to decode scopes: %w", err)
	}
	return k, nil
}

// lockOwner takes a transaction-scoped advisory lock keyed by the owner id.
func lockOwner(ctx context.Context, tx db.DBTX, ownerID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
		return fmt.Errorf("failed to lock owner: %w", err)
	}
	return nil
}

// retireExpired flips is_active off on the owner's expired keys, except excludeID, so that the
// rows marked active never outnumber the keys counted against the limit.
func retireExpired(ctx context.Context, tx db.DBTX, ownerID, excludeID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE api_keys SET is_active = FALSE, updated_at = $1
		WHERE owner_id = $2 AND id::text <> $3 AND is_active AND expires_at IS NOT NULL AND expires_at <= $1
	`, now, ownerID, excludeID)
	if err != nil {
		return fmt.Errorf("failed to retire expired keys: %w", err)
	}
	return nil
}

func nameTaken(ctx context.Context, tx db.DBTX, ownerID, name, excludeID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM api_keys WHERE owner_id = $1 AND name = $2 AND id::text <> $3)`,
		ownerID, name, excludeID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check key name: %w", err)
	}
	return exists, nil
}

// Create inserts a new active key unless the owner already holds maxActive usable keys or the
// name is taken. ID and timestamps are assigned here.
func (r *APIKeyRepository) Create(ctx context.Context, key *models.APIKey, maxActive int) error {
	key.ID = uuid.New().String()
	key.CreatedAt = r.now().UTC()
	key.UpdatedAt = key.CreatedAt
	key.IsActive = true

	scopesJSON, err := json.Marshal(key.Scopes)
	if err != nil {
		return err
	}

	err = db.WithTx(ctx, r.db, nil, func(ctx context.Context, tx db.DBTX) error {
		if err := lockOwner(ctx, tx, key.OwnerID); err != nil {
			return err
		}
		if err := retireExpired(ctx, tx, key.OwnerID, key.ID, key.CreatedAt); err != nil {
			return err
		}

		if key.Name != nil {
			taken, err := nameTaken(ctx, tx, key.OwnerID, *key.Name, "")
			if err != nil {
				return err
			}
			if taken {
				return ErrDuplicateName
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO api_keys (id, owner_id, name, secret_hash, prefix, scopes, is_active, expires_at, created_at, updated_at)
			SELECT $1::uuid, $2::text, $3::text, $4::text, $5::text, $6::jsonb, TRUE, $7::timestamptz, $8::timestamptz, $8::timestamptz
			WHERE (
				SELECT count(*) FROM api_keys
				WHERE owner_id = $2 AND is_active AND (expires_at IS NULL OR expires_at > $8)
			) < $9
		`,
			key.ID,
			key.OwnerID,
			key.Name,
			key.SecretHash,
			key.Prefix,
			string(scopesJSON),
			key.ExpiresAt,
			key.CreatedAt,
			maxActive,
		)
		if err != nil {
			return classifyKeyWriteError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrKeyLimit
		}
		return nil
	})
	return err
}

func classifyKeyWriteError(err error) error {
	constraint, ok := uniqueViolation(err)
	if !ok {
		return fmt.Errorf("failed to write api key: %w", err)
	}
	if constraint == "idx_api_keys_owner_name" {
		return ErrDuplicateName
	}
	return ErrKeyCollision
}

// GetByHash retrieves a key by the hex SHA-256 of its secret. Returns nil, nil when no key matches.
func (r *APIKeyRepository) GetByHash(ctx context.Context, secretHash string) (*models.APIKey, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE secret_hash = $1`, secretHash)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// GetByID retrieves one of the owner's keys. Returns nil, nil when not found.
func (r *APIKeyRepository) GetByID(ctx context.Context, ownerID, id string) (*models.APIKey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id::text = $1 AND owner_id = $2`, id, ownerID)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// ListByOwner returns all of the owner's keys, newest first.
func (r *APIKeyRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Update applies patch to one of the owner's keys. Reactivating a key re-checks the active key
// limit under the same per-owner lock used by Create.
func (r *APIKeyRepository) Update(ctx context.Context, ownerID, id string, patch models.APIKeyPatch, maxActive int) (*models.APIKey, error) {
	var updated *models.APIKey

	err := db.WithTx(ctx, r.db, nil, func(ctx context.Context, tx db.DBTX) error {
		if err := lockOwner(ctx, tx, ownerID); err != nil {
			return err
		}
		now := r.now().UTC()
		if err := retireExpired(ctx, tx, ownerID, id, now); err != nil {
			return err
		}

		current, err := scanAPIKey(tx.QueryRowContext(ctx,
			`SELECT `+apiKeyColumns+` FROM api_keys WHERE id::text = $1 AND owner_id = $2 FOR UPDATE`, id, ownerID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}

		wasUsable := current.IsUsable(now)

		if patch.Name != nil {
			taken, err := nameTaken(ctx, tx, ownerID, *patch.Name, current.ID)
			if err != nil {
				return err
			}
			if taken {
				return ErrDuplicateName
			}
			current.Name = patch.Name
		}
		if patch.Scopes != nil {
			current.Scopes = patch.Scopes
		}
		if patch.IsActive != nil {
			current.IsActive = *patch.IsActive
		}
		if patch.ClearExpiry {
			current.ExpiresAt = nil
		} else if patch.ExpiresAt != nil {
			current.ExpiresAt = patch.ExpiresAt
		}
		current.UpdatedAt = now

		if !wasUsable && current.IsUsable(now) {
			var active int
			err := tx.QueryRowContext(ctx, `
				SELECT count(*) FROM api_keys
				WHERE owner_id = $1 AND id::text <> $2 AND is_active AND (expires_at IS NULL OR expires_at > $3)
			`, ownerID, current.ID, now).Scan(&active)
			if err != nil {
				return fmt.Errorf("failed to count active keys: %w", err)
			}
			if active >= maxActive {
				return ErrKeyLimit
			}
		}

		scopesJSON, err := json.Marshal(current.Scopes)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE api_keys
			SET name = $1, scopes = $2::jsonb, is_active = $3, expires_at = $4, updated_at = $5
			WHERE id::text = $6
		`, current.Name, string(scopesJSON), current.IsActive, current.ExpiresAt, current.UpdatedAt, current.ID)
		if err != nil {
			return classifyKeyWriteError(err)
		}

		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Deactivate marks one of the owner's keys inactive. The row is kept so the name stays reserved.
func (r *APIKeyRepository) Deactivate(ctx context.Context, ownerID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = FALSE, updated_at = $1 WHERE id::text = $2 AND owner_id = $3`,
		r.now().UTC(), id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to deactivate api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// UpdateLastUsed records a successful authentication.
func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id::text = $2`, at.UTC(), id)
	return err
}

// DeactivateExpired marks every active key whose expiry has passed as inactive and returns how
// many rows changed.
func (r *APIKeyRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = FALSE, updated_at = $1
		WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired keys: %w", err)
	}
	return res.RowsAffected()
}
