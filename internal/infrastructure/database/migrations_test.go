package database

import (
	"context"
	"testing"
	"testing/fstest"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20260301_120000_create_nodes.up.sql":   {Data: []byte("CREATE TABLE nodes (id TEXT PRIMARY KEY);")},
		"20260301_120000_create_nodes.down.sql": {Data: []byte("DROP TABLE nodes;")},
		"20260302_090000_add_names.up.sql":      {Data: []byte("ALTER TABLE nodes ADD COLUMN name TEXT;")},
		"20260302_090000_add_names.down.sql":    {Data: []byte("ALTER TABLE nodes DROP COLUMN name;")},
		"README.md":                             {Data: []byte("not a migration")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := testMigrations()

	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "nodes") {
		t.Fatal("table nodes not created")
	}

	status, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(status.Applied) != 2 || len(status.Pending) != 0 {
		t.Errorf("applied=%d pending=%d, want 2 and 0", len(status.Applied), len(status.Pending))
	}
	if status.Applied[0].Version != "20260301_120000" {
		t.Errorf("first applied = %s", status.Applied[0].Version)
	}

	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := testMigrations()

	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx, fsys); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	status, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(status.Applied) != 1 || len(status.Pending) != 1 {
		t.Fatalf("applied=%d pending=%d, want 1 and 1", len(status.Applied), len(status.Pending))
	}
	if status.Pending[0].Name != "add_names" {
		t.Errorf("pending = %s", status.Pending[0].Name)
	}

	if err := db.MigrateDown(ctx, fsys); err != nil {
		t.Fatalf("second MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "nodes") {
		t.Error("table nodes still exists")
	}

	// Nothing left to roll back.
	if err := db.MigrateDown(ctx, fsys); err != nil {
		t.Errorf("MigrateDown() on empty history = %v", err)
	}
}

func TestMigrateFailureKeepsEarlierMigrations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := fstest.MapFS{
		"20260301_120000_ok.up.sql":     {Data: []byte("CREATE TABLE ok (id INTEGER);")},
		"20260301_130000_broken.up.sql": {Data: []byte("CREATE TABLE broken (;")},
	}

	if err := db.Migrate(ctx, fsys); err == nil {
		t.Fatal("Migrate() with broken SQL succeeded")
	}
	if !tableExists(t, db, "ok") {
		t.Error("earlier migration was rolled back")
	}
	status, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(status.Pending) != 1 || status.Pending[0].Name != "broken" {
		t.Errorf("pending = %+v", status.Pending)
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations(testMigrations())
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("got %d migrations, want 2", len(migrations))
	}
	if migrations[0].Name != "create_nodes" || migrations[0].DownSQL == "" {
		t.Errorf("first migration = %+v", migrations[0])
	}

	none, err := LoadMigrations(nil)
	if err != nil || none != nil {
		t.Errorf("LoadMigrations(nil) = %v, %v", none, err)
	}

	_, err = LoadMigrations(fstest.MapFS{"20260301_120000_orphan.down.sql": {Data: []byte("x")}})
	if err == nil {
		t.Error("down file without up file accepted")
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename string
		version  string
		name     string
		up       bool
		ok       bool
	}{
		{"20260301_120000_initial_schema.up.sql", "20260301_120000", "initial_schema", true, true},
		{"20260301_120000_initial_schema.down.sql", "20260301_120000", "initial_schema", false, true},
		{"20260301_120000.up.sql", "20260301_120000", "20260301_120000", true, true},
		{"20260301_120000_x.sql", "", "", false, false},
		{"initial.up.sql", "", "", false, false},
		{"2026_12_x.up.sql", "", "", false, false},
		{"notes.txt", "", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, up, ok := parseMigrationFilename(tt.filename)
			if ok != tt.ok || version != tt.version || name != tt.name || up != tt.up {
				t.Errorf("parseMigrationFilename(%q) = %q, %q, %v, %v", tt.filename, version, name, up, ok)
			}
		})
	}
}
