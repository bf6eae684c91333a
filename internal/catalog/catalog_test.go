package catalog

import (
	"io"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func TestEmbeddedMigrations(t *testing.T) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("iofs.New failed: %v", err)
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		t.Fatalf("First failed: %v", err)
	}
	if version != 1 {
		t.Errorf("Expected first migration 1, got %d", version)
	}

	up, name, err := src.ReadUp(version)
	if err != nil {
		t.Fatalf("ReadUp failed: %v", err)
	}
	defer up.Close()
	if name != "recordings" {
		t.Errorf("Expected migration name recordings, got %s", name)
	}
	body, err := io.ReadAll(up)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	for _, col := range []string{"session_id", "containers", "skipped_samples", "stopped_at"} {
		if !strings.Contains(string(body), col) {
			t.Errorf("Expected column %s in the up migration", col)
		}
	}

	down, _, err := src.ReadDown(version)
	if err != nil {
		t.Fatalf("ReadDown failed: %v", err)
	}
	defer down.Close()
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://rec:secret@db:5432/kwik?sslmode=disable", "postgres://rec:xxxxx@db:5432/kwik?sslmode=disable"},
		{"postgres://db/kwik", "postgres://db/kwik"},
		{"not a url", "<invalid dsn>"},
	}
	for _, tt := range tests {
		if got := RedactDSN(tt.dsn); got != tt.want {
			t.Errorf("RedactDSN(%q): expected %q, got %q", tt.dsn, tt.want, got)
		}
	}
}
