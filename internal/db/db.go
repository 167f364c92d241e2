package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// The database lives in a .taskman directory inside the workspace so a
// checkout carries its own task state.
const (
	stateDir = ".taskman"
	dbFile   = "taskman.db"
)

type Config struct {
	Workspace string
}

// Connection pragmas: foreign keys back the dependency and membership
// tables, the busy timeout covers the CLI and the server sharing one file,
// WAL keeps readers unblocked during mutations.
var pragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
}

// EnsureWorkspace creates the state directory if missing and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace database, creating the state directory if needed.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(Path(cfg.Workspace))
	dsn.WriteString("?cache=shared")
	for _, p := range pragmas {
		dsn.WriteString("&_pragma=")
		dsn.WriteString(p)
	}
	return sql.Open("sqlite", dsn.String())
}

// Path returns the database file path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, dbFile)
}
