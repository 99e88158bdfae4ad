package audit

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"postgres://u:p@db:5432/pairhub?sslmode=disable", "pgx5://u:p@db:5432/pairhub?sslmode=disable"},
		{"postgresql://u@localhost/pairhub", "pgx5://u@localhost/pairhub"},
		{"pgx5://u@localhost/pairhub", "pgx5://u@localhost/pairhub"},
		{"  postgres://u@localhost/pairhub  ", "pgx5://u@localhost/pairhub"},
	}
	for _, tc := range tests {
		if got := migrateURL(tc.in); got != tc.want {
			t.Errorf("migrateURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMigrate_RejectsBadInput(t *testing.T) {
	t.Parallel()

	if err := Migrate("", "up"); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	if err := Migrate("postgres://localhost/pairhub", "sideways"); err == nil || !strings.Contains(err.Error(), "direction") {
		t.Fatalf("err = %v", err)
	}
}

func TestMigrationsArePaired(t *testing.T) {
	t.Parallel()

	ups, err := fs.Glob(migrationFS, "migrations/*.up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(ups) == 0 {
		t.Fatalf("no up migrations embedded")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(migrationFS, down); err != nil {
			t.Errorf("missing down migration for %s", up)
		}
	}
}
