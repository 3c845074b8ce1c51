package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/atomjob/internal/job"
)

var testEpoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new SQLite table in a temp directory.
func createTestStore(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// tableFactories returns one constructor per Table implementation.
// Postgres is included only when ATOMJOB_TEST_POSTGRES_DSN is set.
func tableFactories(t *testing.T) map[string]func(t *testing.T) Table {
	t.Helper()
	factories := map[string]func(t *testing.T) Table{
		"memory": func(t *testing.T) Table { return NewMemory() },
		"sqlite": func(t *testing.T) Table { return createTestStore(t) },
	}
	if dsn := os.Getenv("ATOMJOB_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Table {
			p, err := OpenPostgres(context.Background(), PostgresConfig{DSN: dsn, DialTimeout: 5 * time.Second}, nil)
			if err != nil {
				t.Fatalf("OpenPostgres() failed: %v", err)
			}
			if _, err := p.pool.Exec(context.Background(), `TRUNCATE atomjob_jobs`); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			t.Cleanup(func() { p.Close() })
			return p
		}
	}
	return factories
}

// createTestJob creates a queued job with minimal required fields.
func createTestJob(id string, created time.Time) *job.Job {
	return &job.Job{
		ID:             id,
		TenantID:       "tenant-a",
		JobType:        job.TypeDocumentExtraction,
		TransformType:  job.TransformPayslipExtraction,
		IdempotencyKey: "idem-" + id,
		Status:         job.StatusQueued,
		CreatedAt:      created,
		ExpiresAt:      created.Add(24 * time.Hour),
		Inputs: []job.InputFile{{
			Name:        "payslip.txt",
			ContentType: "text/plain",
			Size:        5,
			SHA256:      "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
			Content:     []byte("hello"),
		}},
		Fields: map[string]any{"employer": "Acme"},
	}
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
