// Package store persists verification sessions and agent records as
// YAML files under the .verifyd data directory. Writers are serialized
// per record and every save is compare-and-set on the record's
// revision.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrRevisionConflict is returned when a save carries a stale
	// revision: another writer got there first and the caller must
	// re-read and reapply.
	ErrRevisionConflict = errors.New("revision conflict")
)

// Directory layout under the .verifyd root.
const (
	SessionsDir = "sessions"
	AgentsDir   = "agents"
)

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// recordPath maps a record ID to its file. IDs are validated upstream
// but path separators are rejected here so a crafted ID can never
// escape the store directory.
func recordPath(dir, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return filepath.Join(dir, id+".yaml"), nil
}

func isYAMLRecord(name string) bool {
	return strings.HasSuffix(name, ".yaml") && !strings.HasPrefix(name, ".")
}
