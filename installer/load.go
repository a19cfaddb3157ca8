package installer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir reads every *.yaml, *.yml and *.json file in dir as an Installer
// definition and returns a registry holding them. JSON is a subset of YAML,
// so one decoder serves both.
func LoadDir(dir string) (*MemoryRegistry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read installers dir: %w", err)
	}

	reg := NewMemoryRegistry()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read installer %s: %w", path, err)
		}
		var inst Installer
		if err := yaml.Unmarshal(data, &inst); err != nil {
			return nil, fmt.Errorf("parse installer %s: %w", path, err)
		}
		if inst.ID == "" {
			return nil, fmt.Errorf("installer %s: missing id", path)
		}
		if reg.has(inst.Key()) {
			return nil, fmt.Errorf("installer %s: duplicate key %q", path, inst.Key())
		}
		reg.Add(inst)
	}
	return reg, nil
}
