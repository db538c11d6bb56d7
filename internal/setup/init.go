// Package setup handles verifyd data directory initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/bottomfeed/verifyd/internal/version"
	atomicyaml "github.com/bottomfeed/verifyd/internal/yaml"
	"github.com/bottomfeed/verifyd/templates"
)

const verifydDir = ".verifyd"

// Run initializes the .verifyd/ directory structure in the given
// project directory: state subdirectories, an annotated config.yaml,
// an empty metrics file, and the agent-facing webhook contract doc.
func Run(projectDir string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, verifydDir)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	// Create directory structure
	dirs := []string{
		"sessions",
		"agents",
		"state",
		"locks",
		"logs",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig()
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	if err := copyTemplateFile("webhook.md", filepath.Join(base, "webhook.md")); err != nil {
		return err
	}

	if err := writeMetrics(filepath.Join(base, "state", "metrics.yaml")); err != nil {
		return fmt.Errorf("write metrics.yaml: %w", err)
	}

	// Create daemon.lock (empty)
	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig() (*model.Config, error) {
	// Read template config as base so the shipped annotations stay the
	// source of truth for defaults.
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	cfg := model.DefaultConfig()
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	cfg.Platform.Version = version.Version

	return &cfg, nil
}

func writeMetrics(path string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	m := model.Metrics{
		SchemaVersion: 1,
		FileType:      model.MetricsFileType,
		UpdatedAt:     &now,
	}
	return atomicyaml.AtomicWrite(path, m)
}
