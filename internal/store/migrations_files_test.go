package store

import (
	"io/fs"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"parley/db/migrations"
)

var createTablePattern = regexp.MustCompile(`(?i)CREATE TABLE (?:IF NOT EXISTS )?(\w+)`)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}
	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations embedded")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestInitialMigrationCreatesChatSchema(t *testing.T) {
	up, err := fs.ReadFile(migrations.FS, "0001_init.up.sql")
	if err != nil {
		t.Fatalf("read up migration: %v", err)
	}
	tables := map[string]bool{}
	for _, match := range createTablePattern.FindAllStringSubmatch(string(up), -1) {
		tables[match[1]] = true
	}
	for _, want := range []string{"users", "refresh_sessions", "chats", "messages", "feedback", "user_keys", "attachments", "daily_usage"} {
		if !tables[want] {
			t.Errorf("up migration does not create %s", want)
		}
	}
	if !regexp.MustCompile(`parts JSONB NOT NULL`).Match(up) {
		t.Error("messages.parts must be a non-null JSONB column")
	}
	if !strings.Contains(string(up), "chats_user_updated_idx ON chats (user_id, updated_at DESC)") {
		t.Error("chats need the (user_id, updated_at DESC) index for newest-first listing")
	}
}

func TestDownMigrationDropsEveryCreatedTable(t *testing.T) {
	up, err := fs.ReadFile(migrations.FS, "0001_init.up.sql")
	if err != nil {
		t.Fatalf("read up migration: %v", err)
	}
	down, err := fs.ReadFile(migrations.FS, "0001_init.down.sql")
	if err != nil {
		t.Fatalf("read down migration: %v", err)
	}
	for _, match := range createTablePattern.FindAllStringSubmatch(string(up), -1) {
		if !strings.Contains(string(down), "DROP TABLE IF EXISTS "+match[1]+";") {
			t.Errorf("down migration does not drop %s", match[1])
		}
	}
}

func TestMigrationFilesSortsAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_usage.up.sql":  {Data: []byte("SELECT 2")},
		"0001_init.up.sql":   {Data: []byte("SELECT 1")},
		"0001_init.down.sql": {Data: []byte("SELECT 0")},
		"README.md":          {Data: []byte("notes")},
		"nested/0003.up.sql": {Data: []byte("SELECT 3")},
		"migrations.go":      {Data: []byte("package migrations")},
	}

	got, err := migrationFiles(fsys, ".up.sql")
	if err != nil {
		t.Fatalf("migrationFiles() error = %v", err)
	}
	want := []string{"0001_init.up.sql", "0002_usage.up.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("migrationFiles() = %v, want %v", got, want)
	}
}
