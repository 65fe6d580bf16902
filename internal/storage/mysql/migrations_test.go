package mysql

import (
	"context"
	"database/sql/driver"
	"testing"
	"testing/fstest"
)

func TestRunMigrationsAppliesOnlyPendingFiles(t *testing.T) {
	original := embeddedMigrations
	embeddedMigrations = fstest.MapFS{
		"0001_init.sql":  {Data: []byte("CREATE TABLE a (id INT);")},
		"0002_extra.sql": {Data: []byte("-- add b\nCREATE TABLE b (id INT);\nCREATE INDEX idx_b ON b (id);")},
		"README.md":      {Data: []byte("ignored")},
	}
	defer func() { embeddedMigrations = original }()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
		execOp(`CREATE TABLE b (id INT)`, mockResult{}),
		execOp(`CREATE INDEX idx_b ON b (id)`, mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, mock := newMockDB(t, ops)
	defer mock.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsRollsBackFailedStatement(t *testing.T) {
	original := embeddedMigrations
	embeddedMigrations = fstest.MapFS{
		"0001_init.sql": {Data: []byte("CREATE TABLE a (id INT);")},
	}
	defer func() { embeddedMigrations = original }()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execErrOp(`CREATE TABLE a (id INT)`, errBoom),
		rollbackOp(),
	}
	db, mock := newMockDB(t, ops)
	defer mock.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err == nil {
		t.Fatalf("expected migration failure")
	}
}

func TestEmbeddedSchemaDeclaresEveryTable(t *testing.T) {
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) == 0 || files[0].version != "0001" {
		t.Fatalf("unexpected migrations: %+v", files)
	}
	want := []string{"proofs", "anchors", "anchor_aggregates", "anchor_aggregate_members", "constraint_overrides", "verification_requests", "jobs"}
	if len(files[0].statements) != len(want) {
		t.Fatalf("expected %d statements, got %d", len(want), len(files[0].statements))
	}
	for i, table := range want {
		prefix := "CREATE TABLE IF NOT EXISTS " + table + " ("
		if got := normalizeSQL(files[0].statements[i]); len(got) < len(prefix) || got[:len(prefix)] != prefix {
			t.Fatalf("statement %d does not create %s: %q", i, table, got[:min(len(got), 60)])
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_init.sql": "0001",
		"0002.sql":      "0002",
		"bare":          "bare",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}
