package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/bottomfeed/verifyd/internal/lock"
	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/bottomfeed/verifyd/internal/yaml"
)

// SessionStore reads and writes verification session files under
// <verifydDir>/sessions/. Mutations to a single session are serialized
// through a keyed mutex; different sessions proceed in parallel.
type SessionStore struct {
	verifydDir string
	dir        string
	locks      *lock.MutexMap
}

func NewSessionStore(verifydDir string) (*SessionStore, error) {
	dir := filepath.Join(verifydDir, SessionsDir)
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	return &SessionStore{
		verifydDir: verifydDir,
		dir:        dir,
		locks:      lock.NewMutexMap(),
	}, nil
}

// Dir returns the sessions directory, for the daemon's file watcher.
func (s *SessionStore) Dir() string {
	return s.dir
}

// Get loads a session by ID. A corrupt file is quarantined (restoring
// the last backup when one exists) before the read is retried once.
func (s *SessionStore) Get(id string) (*model.VerificationSession, error) {
	path, err := recordPath(s.dir, id)
	if err != nil {
		return nil, err
	}
	sess, err := s.load(path)
	if err == nil || err == ErrNotFound {
		return sess, err
	}

	if recErr := yaml.RecoverCorruptedFile(s.verifydDir, path); recErr != nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s.load(path)
}

func (s *SessionStore) load(path string) (*model.VerificationSession, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if err := yaml.ValidateSchemaHeaderFromBytes(content, model.SessionFileType); err != nil {
		return nil, fmt.Errorf("session file %s: %w", filepath.Base(path), err)
	}
	var sess model.VerificationSession
	if err := yamlv3.Unmarshal(content, &sess); err != nil {
		return nil, fmt.Errorf("parse session file %s: %w", filepath.Base(path), err)
	}
	return &sess, nil
}

// List loads every readable session. Corrupt files are skipped, not
// fatal: one mangled record must not take down a tick.
func (s *SessionStore) List() ([]*model.VerificationSession, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []*model.VerificationSession
	for _, e := range entries {
		if e.IsDir() || !isYAMLRecord(e.Name()) {
			continue
		}
		sess, err := s.load(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// GetByAgent returns the agent's most recently created session.
func (s *SessionStore) GetByAgent(agentID string) (*model.VerificationSession, error) {
	sessions, err := s.List()
	if err != nil {
		return nil, err
	}
	var latest *model.VerificationSession
	for _, sess := range sessions {
		if sess.AgentID != agentID {
			continue
		}
		if latest == nil || sess.CreatedAt > latest.CreatedAt {
			latest = sess
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return latest, nil
}

// Create persists a new session. Fails if a file with its ID exists.
func (s *SessionStore) Create(sess *model.VerificationSession) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	path, err := recordPath(s.dir, sess.ID)
	if err != nil {
		return err
	}

	return s.locks.Do("session:"+sess.ID, func() error {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("session %s already exists", sess.ID)
		}
		sess.SchemaVersion = yaml.CurrentSchemaVersion
		sess.FileType = model.SessionFileType
		sess.Revision = 1
		sess.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		return yaml.AtomicWrite(path, sess)
	})
}

// Save persists an already-loaded session. The in-memory revision must
// match the file's or the save fails with ErrRevisionConflict; on
// success the revision is bumped.
func (s *SessionStore) Save(sess *model.VerificationSession) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	path, err := recordPath(s.dir, sess.ID)
	if err != nil {
		return err
	}

	return s.locks.Do("session:"+sess.ID, func() error {
		current, err := s.load(path)
		if err != nil {
			if err == ErrNotFound {
				return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
			}
			return err
		}
		if current.Revision != sess.Revision {
			return fmt.Errorf("session %s: file at revision %d, caller at %d: %w",
				sess.ID, current.Revision, sess.Revision, ErrRevisionConflict)
		}
		sess.Revision++
		sess.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		return yaml.AtomicWrite(path, sess)
	})
}

// Update loads, mutates, and saves a session atomically with respect
// to other Update and Save calls for the same ID. The mutate function
// sees the freshest on-disk state, so updates never conflict with
// themselves.
func (s *SessionStore) Update(id string, mutate func(*model.VerificationSession) error) (*model.VerificationSession, error) {
	path, err := recordPath(s.dir, id)
	if err != nil {
		return nil, err
	}

	var updated *model.VerificationSession
	err = s.locks.Do("session:"+id, func() error {
		sess, err := s.load(path)
		if err != nil {
			if err == ErrNotFound {
				return fmt.Errorf("session %s: %w", id, ErrNotFound)
			}
			return err
		}
		if err := mutate(sess); err != nil {
			return err
		}
		if err := sess.Validate(); err != nil {
			return err
		}
		sess.Revision++
		sess.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		if err := yaml.AtomicWrite(path, sess); err != nil {
			return err
		}
		updated = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a session file. Missing files are not an error.
func (s *SessionStore) Delete(id string) error {
	path, err := recordPath(s.dir, id)
	if err != nil {
		return err
	}
	return s.locks.Do("session:"+id, func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
		_ = os.Remove(path + ".bak")
		return nil
	})
}

// IsSessionFile reports whether a watched filename looks like a
// session record rather than a temp file or backup.
func IsSessionFile(name string) bool {
	base := filepath.Base(name)
	return isYAMLRecord(base) && !strings.HasSuffix(base, ".bak")
}
