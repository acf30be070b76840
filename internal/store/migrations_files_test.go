package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := ListMigrations(migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, migrations, "no migrations discovered")

	for _, m := range migrations {
		if m.UpPath == "" || m.DownPath == "" {
			t.Fatalf("version %s must include both up and down files", m.Version)
		}
	}
}

func TestListMigrationsOrdersByVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"0010_late.up.sql", "0010_late.down.sql",
		"0002_early.up.sql", "0002_early.down.sql",
		"README.md",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}

	migrations, err := ListMigrations(dir)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	require.Equal(t, "0002", migrations[0].Version)
	require.Equal(t, "0002_early.up.sql", migrations[0].Name)
	require.Equal(t, "0010", migrations[1].Version)
}

func TestAuditImmutabilityMigrationUsesBlockingTriggers(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, "0002_audit_immutability.up.sql"))
	require.NoError(t, err)
	sqlText := string(sqlBytes)

	for _, snippet := range []string{
		"audit_records_immutable_guard",
		"RAISE EXCEPTION",
		"CREATE TRIGGER trg_action_records_block_update",
		"CREATE TRIGGER trg_action_records_block_delete",
		"CREATE TRIGGER trg_field_records_block_update",
		"CREATE TRIGGER trg_field_records_block_delete",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail immutability guard, found silent DO INSTEAD NOTHING rule")
	}
}
