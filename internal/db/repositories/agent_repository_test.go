package repositories

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/carp-registry/carp/internal/db/models"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newAgentRepo(t *testing.T) (*AgentRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAgentRepository(sqlx.NewDb(db, "postgres")), mock
}

var agentVersionCols = []string{
	"id", "name", "version", "checksum", "storage_path", "size_bytes",
	"description", "author", "tags", "publisher_id", "created_at",
}

func sampleAgentRow(version string, created time.Time) []driver.Value {
	return []driver.Value{
		"v-" + version, "web-scraper", version, "abc123", "agents/web-scraper/" + version + ".tar.gz",
		int64(2048), "Scrapes the web", "dev", []byte(`["web"]`), "user-1", created,
	}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestAgentCreate_Success(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectExec("INSERT INTO agent_versions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	v := &models.AgentVersion{Name: "web-scraper", Version: "1.0.0", Checksum: "abc", PublisherID: "user-1"}
	if err := repo.Create(context.Background(), v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.ID == "" || v.CreatedAt.IsZero() {
		t.Errorf("expected id and created_at to be assigned, got %+v", v)
	}
	if v.Tags == nil {
		t.Error("expected tags to default to empty")
	}
}

func TestAgentCreate_VersionExists(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectExec("INSERT INTO agent_versions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "agent_versions_name_version_key"})

	err := repo.Create(context.Background(), &models.AgentVersion{Name: "a", Version: "1.0.0"})
	if !errors.Is(err, ErrVersionExists) {
		t.Fatalf("err = %v, want ErrVersionExists", err)
	}
}

func TestAgentCreate_DBError(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectExec("INSERT INTO agent_versions").WillReturnError(errDB)

	err := repo.Create(context.Background(), &models.AgentVersion{Name: "a", Version: "1.0.0"})
	if !errors.Is(err, errDB) {
		t.Fatalf("err = %v, want wrapped errDB", err)
	}
}

// ---------------------------------------------------------------------------
// GetVersion / Latest / Exact
// ---------------------------------------------------------------------------

func TestGetVersion_LatestOrdersByCreatedAt(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectQuery("ORDER BY created_at DESC, id DESC\\s+LIMIT 1").
		WithArgs("web-scraper").
		WillReturnRows(sqlmock.NewRows(agentVersionCols).AddRow(sampleAgentRow("1.2.0", time.Now())...))

	v, err := repo.Latest(context.Background(), "web-scraper")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v == nil || v.Version != "1.2.0" {
		t.Fatalf("got %+v, want version 1.2.0", v)
	}
	if len(v.Tags) != 1 || v.Tags[0] != "web" {
		t.Errorf("Tags = %v", v.Tags)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetVersion_Exact(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectQuery("WHERE name = \\$1 AND version = \\$2").
		WithArgs("web-scraper", "1.0.0").
		WillReturnRows(sqlmock.NewRows(agentVersionCols).AddRow(sampleAgentRow("1.0.0", time.Now())...))

	v, err := repo.Exact(context.Background(), "web-scraper", "1.0.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.StoragePath != "agents/web-scraper/1.0.0.tar.gz" {
		t.Errorf("StoragePath = %q", v.StoragePath)
	}
}

func TestGetVersion_NotFound(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectQuery("SELECT .+ FROM agent_versions").
		WillReturnRows(sqlmock.NewRows(agentVersionCols))

	v, err := repo.Exact(context.Background(), "web-scraper", "9.9.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != nil {
		t.Errorf("expected nil, got %+v", v)
	}
}

func TestGetVersion_DBError(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectQuery("SELECT .+ FROM agent_versions").WillReturnError(errDB)

	if _, err := repo.Latest(context.Background(), "web-scraper"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// ListVersions
// ---------------------------------------------------------------------------

func TestListVersions(t *testing.T) {
	repo, mock := newAgentRepo(t)
	now := time.Now()
	mock.ExpectQuery("SELECT .+ FROM agent_versions").
		WithArgs("web-scraper").
		WillReturnRows(sqlmock.NewRows(agentVersionCols).
			AddRow(sampleAgentRow("1.1.0", now)...).
			AddRow(sampleAgentRow("1.0.0", now.Add(-time.Hour))...))

	versions, err := repo.ListVersions(context.Background(), "web-scraper")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(versions) != 2 || versions[0].Version != "1.1.0" {
		t.Errorf("versions = %+v", versions)
	}
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

func TestSearch_Fuzzy(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(DISTINCT name\\)").
		WithArgs("%scrap\\_er%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT DISTINCT ON \\(name\\)").
		WithArgs("%scrap\\_er%", 20, 0).
		WillReturnRows(sqlmock.NewRows(append(append([]string{}, agentVersionCols...), "downloads")).
			AddRow(append(sampleAgentRow("1.2.0", time.Now()), int64(42))...))

	results, total, err := repo.Search(context.Background(), "scrap_er", 20, 0, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(results) != 1 {
		t.Fatalf("total=%d len=%d, want 1/1", total, len(results))
	}
	if results[0].Downloads != 42 || results[0].Version != "1.2.0" {
		t.Errorf("result = %+v", results[0])
	}
}

func TestSearch_Exact(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(DISTINCT name\\) FROM agent_versions WHERE name = \\$1").
		WithArgs("web-scraper").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT DISTINCT ON").
		WithArgs("web-scraper", 10, 0).
		WillReturnRows(sqlmock.NewRows(append(append([]string{}, agentVersionCols...), "downloads")))

	results, total, err := repo.Search(context.Background(), "web-scraper", 10, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 || len(results) != 0 {
		t.Errorf("expected no results, got total=%d %+v", total, results)
	}
	if results == nil {
		t.Error("expected non-nil empty slice")
	}
}

func TestSearch_CountError(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errDB)

	if _, _, err := repo.Search(context.Background(), "", 10, 0, false); err == nil {
		t.Fatal("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Recent / Trending
// ---------------------------------------------------------------------------

func TestRecent(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectQuery("SELECT DISTINCT ON \\(name\\)").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(append(append([]string{}, agentVersionCols...), "downloads")).
			AddRow(append(sampleAgentRow("2.0.0", time.Now()), int64(3))...))

	results, err := repo.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Version != "2.0.0" {
		t.Errorf("results = %+v", results)
	}
}

func TestTrending_CountsWindowOnly(t *testing.T) {
	repo, mock := newAgentRepo(t)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("WHERE downloaded_at >= \\$1").
		WithArgs(since, 5).
		WillReturnRows(sqlmock.NewRows(append(append([]string{}, agentVersionCols...), "downloads")).
			AddRow(append(sampleAgentRow("1.0.0", time.Now()), int64(17))...))

	results, err := repo.Trending(context.Background(), since, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Downloads != 17 {
		t.Errorf("results = %+v", results)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTrending_DBError(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectQuery("FROM agent_downloads").WillReturnError(errDB)

	if _, err := repo.Trending(context.Background(), time.Now(), 5); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestEscapeLike(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"100%", `100\%`},
		{"a_b", `a\_b`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeLike(tt.in); got != tt.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// RecordDownload
// ---------------------------------------------------------------------------

func TestRecordDownload(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectExec("INSERT INTO agent_downloads").
		WithArgs("web-scraper", "1.0.0", "anonymous", "10.0.0.1", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.RecordDownload(context.Background(), models.AgentDownload{
		AgentName: "web-scraper",
		Version:   "1.0.0",
		Requester: "anonymous",
		IP:        "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecordDownload_DBError(t *testing.T) {
	repo, mock := newAgentRepo(t)
	mock.ExpectExec("INSERT INTO agent_downloads").WillReturnError(errDB)

	if err := repo.RecordDownload(context.Background(), models.AgentDownload{AgentName: "a"}); err == nil {
		t.Fatal("expected error, got nil")
	}
}
