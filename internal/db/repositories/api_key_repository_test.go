package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/carp-registry/carp/internal/db/models"
)

var errDB = errors.New("db error")

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var apiKeyCols = []string{
	"id", "owner_id", "name", "secret_hash", "prefix", "scopes",
	"is_active", "expires_at", "last_used_at", "created_at", "updated_at",
}

// ---------------------------------------------------------------------------
// Row builders
// ---------------------------------------------------------------------------

var sampleScopes = []byte(`["read","publish"]`)

func sampleAPIKeyRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(apiKeyCols).
		AddRow("key-1", "user-1", "ci", "hashedkey", "carp_abcdefghijk",
			sampleScopes, true, nil, nil, now, now)
}

func inactiveAPIKeyRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(apiKeyCols).
		AddRow("key-1", "user-1", "ci", "hashedkey", "carp_abcdefghijk",
			sampleScopes, false, nil, nil, now, now)
}

func newAPIKeyRepo(t *testing.T) (*APIKeyRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAPIKeyRepository(db), mock
}

func newKey(name string) *models.APIKey {
	k := &models.APIKey{
		OwnerID:    "user-1",
		SecretHash: "hash",
		Prefix:     "carp_abcdefghijk",
		Scopes:     []string{"read"},
	}
	if name != "" {
		k.Name = &name
	}
	return k
}

// expectOwnerLock expects the per-owner lock and the expired key sweep that follows it.
func expectOwnerLock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE api_keys SET is_active = FALSE, updated_at = \\$1\\s+WHERE owner_id = \\$2").
		WithArgs(sqlmock.AnyArg(), "user-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate_Success(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	expectOwnerLock(mock)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("user-1", "ci", "").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO api_keys").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	key := newKey("ci")
	if err := repo.Create(context.Background(), key, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if !key.IsActive {
		t.Error("expected new key to be active")
	}
	if key.CreatedAt.IsZero() || !key.CreatedAt.Equal(key.UpdatedAt) {
		t.Errorf("timestamps not set consistently: created=%v updated=%v", key.CreatedAt, key.UpdatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreate_UnnamedSkipsNameCheck(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	expectOwnerLock(mock)
	mock.ExpectExec("INSERT INTO api_keys").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.Create(context.Background(), newKey(""), 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreate_DuplicateName(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	expectOwnerLock(mock)
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), newKey("ci"), 10)
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("err = %v, want ErrDuplicateName", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreate_LimitReached(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	expectOwnerLock(mock)
	mock.ExpectExec("INSERT INTO api_keys").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), newKey(""), 10)
	if !errors.Is(err, ErrKeyLimit) {
		t.Fatalf("err = %v, want ErrKeyLimit", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreate_UniqueViolations(t *testing.T) {
	tests := []struct {
		name       string
		constraint string
		want       error
	}{
		{"name race", "idx_api_keys_owner_name", ErrDuplicateName},
		{"secret hash collision", "idx_api_keys_secret_hash", ErrKeyCollision},
		{"prefix collision", "idx_api_keys_prefix", ErrKeyCollision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newAPIKeyRepo(t)
			mock.ExpectBegin()
			expectOwnerLock(mock)
			mock.ExpectExec("INSERT INTO api_keys").
				WillReturnError(&pq.Error{Code: "23505", Constraint: tt.constraint})
			mock.ExpectRollback()

			err := repo.Create(context.Background(), newKey(""), 10)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreate_RetiresExpiredKeysBeforeCounting(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// One key is past its expiry but still flagged active; it is switched off before the
	// conditional insert counts the owner's active keys.
	mock.ExpectExec("UPDATE api_keys SET is_active = FALSE, updated_at = \\$1\\s+WHERE owner_id = \\$2 AND id::text <> \\$3 AND is_active AND expires_at IS NOT NULL AND expires_at <= \\$1").
		WithArgs(sqlmock.AnyArg(), "user-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO api_keys").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.Create(context.Background(), newKey(""), 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreate_SweepError(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE api_keys SET is_active = FALSE").WillReturnError(errDB)
	mock.ExpectRollback()

	err := repo.Create(context.Background(), newKey(""), 10)
	if !errors.Is(err, errDB) {
		t.Fatalf("err = %v, want wrapped errDB", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreate_LockError(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnError(errDB)
	mock.ExpectRollback()

	err := repo.Create(context.Background(), newKey("ci"), 10)
	if !errors.Is(err, errDB) {
		t.Fatalf("err = %v, want wrapped errDB", err)
	}
}

// ---------------------------------------------------------------------------
// GetByHash / GetByID
// ---------------------------------------------------------------------------

func TestGetByHash_Found(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT .+ FROM api_keys WHERE secret_hash").
		WithArgs("hashedkey").
		WillReturnRows(sampleAPIKeyRow())

	key, err := repo.GetByHash(context.Background(), "hashedkey")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key == nil {
		t.Fatal("expected key, got nil")
	}
	if key.Name == nil || *key.Name != "ci" {
		t.Errorf("Name = %v, want ci", key.Name)
	}
	if len(key.Scopes) != 2 || key.Scopes[1] != "publish" {
		t.Errorf("Scopes = %v", key.Scopes)
	}
}

func TestGetByHash_NotFound(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT .+ FROM api_keys WHERE secret_hash").
		WillReturnRows(sqlmock.NewRows(apiKeyCols))

	key, err := repo.GetByHash(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != nil {
		t.Errorf("expected nil key, got %+v", key)
	}
}

func TestGetByHash_DBError(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT .+ FROM api_keys").WillReturnError(errDB)

	if _, err := repo.GetByHash(context.Background(), "x"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestGetByHash_BadScopesJSON(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	now := time.Now()
	mock.ExpectQuery("SELECT .+ FROM api_keys").
		WillReturnRows(sqlmock.NewRows(apiKeyCols).
			AddRow("key-1", "user-1", nil, "h", "p", []byte("not-json"), true, nil, nil, now, now))

	if _, err := repo.GetByHash(context.Background(), "h"); err == nil {
		t.Fatal("expected decode error, got nil")
	}
}

func TestGetByID_ScopedToOwner(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT .+ FROM api_keys WHERE id::text = \\$1 AND owner_id = \\$2").
		WithArgs("key-1", "user-2").
		WillReturnRows(sqlmock.NewRows(apiKeyCols))

	key, err := repo.GetByID(context.Background(), "user-2", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != nil {
		t.Error("expected nil for another owner's key")
	}
}

// ---------------------------------------------------------------------------
// ListByOwner
// ---------------------------------------------------------------------------

func TestListByOwner(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	now := time.Now()
	mock.ExpectQuery("SELECT .+ FROM api_keys WHERE owner_id").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(apiKeyCols).
			AddRow("key-2", "user-1", nil, "h2", "p2", []byte(`["read"]`), true, nil, nil, now, now).
			AddRow("key-1", "user-1", "ci", "h1", "p1", sampleScopes, false, nil, nil, now, now))

	keys, err := repo.ListByOwner(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("len = %d, want 2", len(keys))
	}
	if keys[0].Name != nil {
		t.Errorf("expected unnamed first key, got %v", *keys[0].Name)
	}
}

func TestListByOwner_Empty(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT .+ FROM api_keys").
		WillReturnRows(sqlmock.NewRows(apiKeyCols))

	keys, err := repo.ListByOwner(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keys == nil || len(keys) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", keys)
	}
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func TestUpdate_Rename(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	expectOwnerLock(mock)
	mock.ExpectQuery("SELECT .+ FOR UPDATE").
		WithArgs("key-1", "user-1").
		WillReturnRows(sampleAPIKeyRow())
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("user-1", "deploy", "key-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("UPDATE api_keys").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name := "deploy"
	key, err := repo.Update(context.Background(), "user-1", "key-1", models.APIKeyPatch{Name: &name}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *key.Name != "deploy" {
		t.Errorf("Name = %q, want deploy", *key.Name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	expectOwnerLock(mock)
	mock.ExpectQuery("SELECT .+ FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(apiKeyCols))
	mock.ExpectRollback()

	_, err := repo.Update(context.Background(), "user-1", "missing", models.APIKeyPatch{}, 10)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestUpdate_ReactivateOverLimit(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	expectOwnerLock(mock)
	mock.ExpectQuery("SELECT .+ FOR UPDATE").
		WillReturnRows(inactiveAPIKeyRow())
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectRollback()

	active := true
	_, err := repo.Update(context.Background(), "user-1", "key-1", models.APIKeyPatch{IsActive: &active}, 10)
	if !errors.Is(err, ErrKeyLimit) {
		t.Fatalf("err = %v, want ErrKeyLimit", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdate_ReactivateUnderLimit(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	expectOwnerLock(mock)
	mock.ExpectQuery("SELECT .+ FOR UPDATE").
		WillReturnRows(inactiveAPIKeyRow())
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))
	mock.ExpectExec("UPDATE api_keys").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	active := true
	key, err := repo.Update(context.Background(), "user-1", "key-1", models.APIKeyPatch{IsActive: &active}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !key.IsActive {
		t.Error("expected key to be active")
	}
}

func TestUpdate_SweepExcludesTargetKey(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE api_keys SET is_active = FALSE").
		WithArgs(sqlmock.AnyArg(), "user-1", "key-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("SELECT .+ FOR UPDATE").
		WillReturnRows(inactiveAPIKeyRow())
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))
	mock.ExpectExec("UPDATE api_keys").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	active := true
	if _, err := repo.Update(context.Background(), "user-1", "key-1", models.APIKeyPatch{IsActive: &active}, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdate_ClearExpiry(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	past := time.Now().Add(-time.Hour)
	now := time.Now()
	mock.ExpectBegin()
	expectOwnerLock(mock)
	mock.ExpectQuery("SELECT .+ FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(apiKeyCols).
			AddRow("key-1", "user-1", nil, "h", "p", sampleScopes, true, past, nil, now, now))
	// Clearing the expiry revives an expired key, so the limit is checked.
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE api_keys").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	key, err := repo.Update(context.Background(), "user-1", "key-1", models.APIKeyPatch{ClearExpiry: true}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", key.ExpiresAt)
	}
}

// ---------------------------------------------------------------------------
// Deactivate / UpdateLastUsed / DeactivateExpired
// ---------------------------------------------------------------------------

func TestDeactivate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		repo, mock := newAPIKeyRepo(t)
		mock.ExpectExec("UPDATE api_keys SET is_active = FALSE").
			WithArgs(sqlmock.AnyArg(), "key-1", "user-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		if err := repo.Deactivate(context.Background(), "user-1", "key-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newAPIKeyRepo(t)
		mock.ExpectExec("UPDATE api_keys SET is_active = FALSE").
			WillReturnResult(sqlmock.NewResult(0, 0))
		if err := repo.Deactivate(context.Background(), "user-1", "key-1"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("err = %v, want ErrKeyNotFound", err)
		}
	})

	t.Run("db error", func(t *testing.T) {
		repo, mock := newAPIKeyRepo(t)
		mock.ExpectExec("UPDATE api_keys").WillReturnError(errDB)
		if err := repo.Deactivate(context.Background(), "user-1", "key-1"); err == nil {
			t.Error("expected error, got nil")
		}
	})
}

func TestUpdateLastUsed(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectExec("UPDATE api_keys SET last_used_at").
		WithArgs(sqlmock.AnyArg(), "key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateLastUsed(context.Background(), "key-1", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeactivateExpired(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectExec("UPDATE api_keys SET is_active = FALSE").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeactivateExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("n = %d, want 3", n)
	}
}
