package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestApplySQLiteCreatesSchemaAndRecordsMigrations(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "collector.db")
	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if !sqliteTableExists(t, db, "llm_spans") {
		t.Fatal("expected llm_spans table to exist after migrations")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count schema_migrations rows: %v", err)
	}
	if count == 0 {
		t.Fatal("expected at least one applied migration row")
	}

	applied, err := Applied(context.Background(), db)
	if err != nil {
		t.Fatalf("Applied() error: %v", err)
	}
	want, err := List(DriverSQLite)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(applied) != len(want) {
		t.Fatalf("applied=%v, want %v", applied, want)
	}
}

func TestSQLiteSpanKeyIgnoresResubmission(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "collector.db")
	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	insert := `INSERT OR IGNORE INTO llm_spans (trace_id, span_id, service_name, start_time, end_time, status, created_at)
VALUES ('t1', 's1', 'api', '2026-01-01T00:00:00Z', '2026-01-01T00:00:01Z', 'ok', '2026-01-01T00:00:02Z')`
	for i := 0; i < 2; i++ {
		if _, err := db.Exec(insert); err != nil {
			t.Fatalf("insert attempt %d: %v", i+1, err)
		}
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM llm_spans`).Scan(&count); err != nil {
		t.Fatalf("count llm_spans: %v", err)
	}
	if count != 1 {
		t.Fatalf("llm_spans rows=%d, want 1", count)
	}
}

func TestListPostgresMigrationsInOrder(t *testing.T) {
	t.Parallel()

	names, err := List(DriverPostgres)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	want := []string{"postgres/001_llm_spans.sql", "postgres/002_llm_metrics.sql"}
	if len(names) != len(want) {
		t.Fatalf("List(postgres)=%v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("List(postgres)[%d]=%q, want %q", i, names[i], want[i])
		}
	}
}

func TestApplySQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "collector.db")
	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("first Apply() error: %v", err)
	}
	var firstCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&firstCount); err != nil {
		t.Fatalf("count schema_migrations after first Apply(): %v", err)
	}

	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("second Apply() error: %v", err)
	}
	var secondCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&secondCount); err != nil {
		t.Fatalf("count schema_migrations after second Apply(): %v", err)
	}
	if secondCount != firstCount {
		t.Fatalf("schema_migrations count changed after re-apply: first=%d second=%d", firstCount, secondCount)
	}
}

func TestApplyRejectsUnsupportedDriver(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "collector.db")
	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := Apply(context.Background(), db, "mysql"); err == nil {
		t.Fatal("Apply() error=nil, want unsupported driver error")
	}
}

func sqliteTableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master for table %q: %v", table, err)
	}
	return count > 0
}
