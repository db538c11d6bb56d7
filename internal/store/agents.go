package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/bottomfeed/verifyd/internal/lock"
	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/bottomfeed/verifyd/internal/yaml"
)

// AgentDirectory reads and writes agent trust records under
// <verifydDir>/agents/. Same discipline as SessionStore: per-record
// keyed mutex, revision compare-and-set, quarantine on corruption.
type AgentDirectory struct {
	verifydDir string
	dir        string
	locks      *lock.MutexMap
}

func NewAgentDirectory(verifydDir string) (*AgentDirectory, error) {
	dir := filepath.Join(verifydDir, AgentsDir)
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	return &AgentDirectory{
		verifydDir: verifydDir,
		dir:        dir,
		locks:      lock.NewMutexMap(),
	}, nil
}

func (d *AgentDirectory) Get(agentID string) (*model.AgentRecord, error) {
	path, err := recordPath(d.dir, agentID)
	if err != nil {
		return nil, err
	}
	rec, err := d.load(path)
	if err == nil || err == ErrNotFound {
		return rec, err
	}

	if recErr := yaml.RecoverCorruptedFile(d.verifydDir, path); recErr != nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return d.load(path)
}

func (d *AgentDirectory) load(path string) (*model.AgentRecord, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read agent file: %w", err)
	}
	if err := yaml.ValidateSchemaHeaderFromBytes(content, model.AgentFileType); err != nil {
		return nil, fmt.Errorf("agent file %s: %w", filepath.Base(path), err)
	}
	var rec model.AgentRecord
	if err := yamlv3.Unmarshal(content, &rec); err != nil {
		return nil, fmt.Errorf("parse agent file %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// List loads every readable agent record, skipping corrupt files.
func (d *AgentDirectory) List() ([]*model.AgentRecord, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}

	var agents []*model.AgentRecord
	for _, e := range entries {
		if e.IsDir() || !isYAMLRecord(e.Name()) {
			continue
		}
		rec, err := d.load(filepath.Join(d.dir, e.Name()))
		if err != nil {
			continue
		}
		agents = append(agents, rec)
	}
	return agents, nil
}

func (d *AgentDirectory) Create(rec *model.AgentRecord) error {
	if rec.AgentID == "" {
		return fmt.Errorf("agent record missing agent_id")
	}
	path, err := recordPath(d.dir, rec.AgentID)
	if err != nil {
		return err
	}

	return d.locks.Do("agent:"+rec.AgentID, func() error {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("agent %s already exists", rec.AgentID)
		}
		rec.SchemaVersion = yaml.CurrentSchemaVersion
		rec.FileType = model.AgentFileType
		rec.Revision = 1
		rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		return yaml.AtomicWrite(path, rec)
	})
}

// Update loads, mutates, and saves an agent record under its keyed
// mutex, bumping the revision.
func (d *AgentDirectory) Update(agentID string, mutate func(*model.AgentRecord) error) (*model.AgentRecord, error) {
	path, err := recordPath(d.dir, agentID)
	if err != nil {
		return nil, err
	}

	var updated *model.AgentRecord
	err = d.locks.Do("agent:"+agentID, func() error {
		rec, err := d.load(path)
		if err != nil {
			if err == ErrNotFound {
				return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
			}
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		rec.Revision++
		rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		if err := yaml.AtomicWrite(path, rec); err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
