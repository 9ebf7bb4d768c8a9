package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRebind(t *testing.T) {
	q := `UPDATE entities SET state=?, version=? WHERE id=? AND version=?`
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `UPDATE entities SET state=$1, version=$2 WHERE id=$3 AND version=$4`
	if got := Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind = %s", got)
	}
}

func TestOpenCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, workspaceDir)); err != nil {
		t.Fatalf("workspace dir missing: %v", err)
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Fatalf("expected error without dsn")
	}
}
