// Package session manages warden's on-disk layout. Each session is an
// isolated workspace for one workflow instance, identified by a short id,
// with its own state document and event log under
// <repo>/.warden/sessions/<id>/.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/internal/util"
)

const (
	// WardenDir is the dot-directory warden owns inside a repository.
	WardenDir = ".warden"

	sessionsDir = "sessions"
	currentFile = "current"
	stateFile   = "state.json"
	logFile     = "log.jsonl"
	auditFile   = "audit.jsonl"
	coordFile   = "state.json"
	schemasDir  = "schemas"
)

// Layout resolves paths inside a repository's .warden directory.
type Layout struct {
	root string
}

// NewLayout creates a layout rooted at the repository directory.
func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

// Dir returns the .warden directory path.
func (l *Layout) Dir() string {
	return filepath.Join(l.root, WardenDir)
}

// SessionDir returns the directory for a session.
func (l *Layout) SessionDir(id string) string {
	return filepath.Join(l.Dir(), sessionsDir, id)
}

// StatePath returns the workflow state document path for a session.
func (l *Layout) StatePath(id string) string {
	return filepath.Join(l.SessionDir(id), stateFile)
}

// LogPath returns the session-scoped event log path.
func (l *Layout) LogPath(id string) string {
	return filepath.Join(l.SessionDir(id), logFile)
}

// AuditPath returns the process-global audit log path.
func (l *Layout) AuditPath() string {
	return filepath.Join(l.Dir(), auditFile)
}

// CoordinationPath returns the process-global coordination store path.
func (l *Layout) CoordinationPath() string {
	return filepath.Join(l.Dir(), coordFile)
}

// SchemasDir returns the on-disk schema override directory.
func (l *Layout) SchemasDir() string {
	return filepath.Join(l.Dir(), schemasDir)
}

// NewSessionID generates a short session id.
func NewSessionID() string {
	return uuid.NewString()[:8]
}

// SetCurrent records id as the current session, atomically.
func (l *Layout) SetCurrent(id string) error {
	return util.AtomicWriteFile(filepath.Join(l.Dir(), currentFile), []byte(id+"\n"), 0o644)
}

// Current returns the current session id, or "" when none is set.
func (l *Layout) Current() (string, error) {
	data, err := os.ReadFile(filepath.Join(l.Dir(), currentFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read current session: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ListSessions returns the ids of all sessions on disk.
func (l *Layout) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.Dir(), sessionsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}
