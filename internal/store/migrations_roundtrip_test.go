package store

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"parley/db/migrations"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("PARLEY_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PARLEY_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	applied, err := ApplyMigrations(ctx, db, migrations.FS)
	if err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("pass 1 applied no migrations")
	}
	assertColumnType(ctx, t, db, "messages", "parts", "jsonb")
	assertColumnType(ctx, t, db, "daily_usage", "message_count", "integer")

	again, err := ApplyMigrations(ctx, db, migrations.FS)
	if err != nil || len(again) != 0 {
		t.Fatalf("ApplyMigrations() rerun = %v, %v; want nothing applied", again, err)
	}

	if err := applyDownMigrations(ctx, db, migrations.FS); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	var chatsTable sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT to_regclass('public.chats')::text`).Scan(&chatsTable); err != nil {
		t.Fatalf("check chats table: %v", err)
	}
	if chatsTable.Valid {
		t.Fatal("chats table survived the down migration")
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrations.FS); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func assertColumnType(ctx context.Context, t *testing.T, db *sql.DB, table, column, want string) {
	t.Helper()
	var got string
	err := db.QueryRowContext(ctx, `
		SELECT data_type FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1 AND column_name = $2
	`, table, column).Scan(&got)
	if err != nil {
		t.Fatalf("column %s.%s: %v", table, column, err)
	}
	if got != want {
		t.Fatalf("column %s.%s type = %s, want %s", table, column, got, want)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

// applyDownMigrations runs every *.down.sql file in reverse name order.
func applyDownMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	downs, err := migrationFiles(fsys, ".down.sql")
	if err != nil {
		return err
	}
	for i := len(downs) - 1; i >= 0; i-- {
		contents, err := fs.ReadFile(fsys, downs[i])
		if err != nil {
			return err
		}
		if text := strings.TrimSpace(string(contents)); text != "" {
			if _, err := db.ExecContext(ctx, text); err != nil {
				return err
			}
		}
	}
	return nil
}
