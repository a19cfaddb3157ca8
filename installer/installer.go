// Package installer models the agents that are installed into a machine by
// the in-container bootstrapper, and orders them by their dependencies.
package installer

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/internal/graph"
	"github.com/matgreaves/wsrig/spec"
)

// PropEnvironment is the property holding a comma separated VAR=VALUE list
// merged into the machine environment.
const PropEnvironment = "environment"

// Installer describes one agent installation step.
type Installer struct {
	ID           string                       `json:"id" yaml:"id"`
	Version      string                       `json:"version,omitempty" yaml:"version,omitempty"`
	Name         string                       `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string                       `json:"description,omitempty" yaml:"description,omitempty"`
	Dependencies []string                     `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Properties   map[string]string            `json:"properties,omitempty" yaml:"properties,omitempty"`
	Servers      map[string]spec.ServerConfig `json:"servers,omitempty" yaml:"servers,omitempty"`
	Script       string                       `json:"script,omitempty" yaml:"script,omitempty"`
}

// Key returns the installer's registry key, "id" or "id:version".
func (i Installer) Key() string {
	if i.Version == "" {
		return i.ID
	}
	return i.ID + ":" + i.Version
}

// ParseKey splits a "id[:version]" key.
func ParseKey(key string) (id, version string) {
	id, version, _ = strings.Cut(key, ":")
	return id, version
}

// Registry resolves installer keys.
type Registry interface {
	// Get returns the installer registered under key. A key without a
	// version resolves to the installer registered without one, or else to
	// the highest registered version of that id.
	Get(key string) (Installer, bool)
}

// MemoryRegistry is a Registry backed by a map. It is safe for concurrent use.
type MemoryRegistry struct {
	mu         sync.RWMutex
	installers map[string]Installer
}

// NewMemoryRegistry returns a registry holding installers.
func NewMemoryRegistry(installers ...Installer) *MemoryRegistry {
	r := &MemoryRegistry{installers: make(map[string]Installer)}
	for _, inst := range installers {
		r.installers[inst.Key()] = inst
	}
	return r
}

// Add registers inst, replacing any installer with the same key.
func (r *MemoryRegistry) Add(inst Installer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installers[inst.Key()] = inst
}

func (r *MemoryRegistry) Get(key string) (Installer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if inst, ok := r.installers[key]; ok {
		return inst, true
	}
	id, version := ParseKey(key)
	if version != "" {
		return Installer{}, false
	}
	var (
		best  Installer
		found bool
	)
	for _, inst := range r.installers {
		if inst.ID == id && (!found || inst.Version > best.Version) {
			best, found = inst, true
		}
	}
	return best, found
}

// has reports whether key is registered exactly.
func (r *MemoryRegistry) has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.installers[key]
	return ok
}

// Keys returns every registered key, sorted.
func (r *MemoryRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.installers))
}

// Sort resolves keys and their transitive dependencies and returns them in
// dependency order, ties broken by id. Each installer id appears once: an
// unversioned key is satisfied by whichever version of the id is requested
// elsewhere. Unknown keys, conflicting versions and dependency cycles are
// validation errors.
func Sort(reg Registry, keys []string) ([]Installer, error) {
	pins := make(map[string]string)
	for {
		resolved, deps, repin, err := resolve(reg, keys, pins)
		if err != nil {
			return nil, err
		}
		if repin {
			// A version pinned late invalidates an earlier unversioned
			// resolution; resolve again with the pin known up front.
			continue
		}

		order, err := graph.Sort(slices.Sorted(maps.Keys(resolved)), deps)
		if err != nil {
			return nil, errdefs.Validationf("installers: %v", err)
		}
		out := make([]Installer, 0, len(order))
		for _, id := range order {
			out = append(out, resolved[id])
		}
		return out, nil
	}
}

// resolve walks keys breadth first, keyed by installer id. It records
// explicit versions in pins and reports repin when a new pin disagrees with
// an installer already resolved.
func resolve(reg Registry, keys []string, pins map[string]string) (resolved map[string]Installer, deps map[string][]string, repin bool, err error) {
	resolved = make(map[string]Installer)
	deps = make(map[string][]string)

	queue := slices.Clone(keys)
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		id, version := ParseKey(key)

		if version != "" {
			pinned, ok := pins[id]
			if ok && pinned != version {
				return nil, nil, false, errdefs.Validationf("installer %q requested at versions %q and %q", id, pinned, version)
			}
			if !ok {
				pins[id] = version
			}
		}
		if inst, ok := resolved[id]; ok {
			if version != "" && inst.Version != version {
				repin = true
			}
			continue
		}

		lookup := key
		if version == "" && pins[id] != "" {
			lookup = id + ":" + pins[id]
		}
		var (
			inst Installer
			ok   bool
		)
		if reg != nil {
			inst, ok = reg.Get(lookup)
		}
		if !ok {
			return nil, nil, false, errdefs.Validationf("installer %q not found", lookup)
		}
		resolved[id] = inst
		for _, dep := range inst.Dependencies {
			depID, _ := ParseKey(dep)
			deps[id] = append(deps[id], depID)
		}
		queue = append(queue, inst.Dependencies...)
	}
	return resolved, deps, repin, nil
}

// ParseEnvironment parses a comma separated VAR=VALUE list. Entries without
// a name or an '=' are returned in bad and otherwise ignored.
func ParseEnvironment(s string) (env map[string]string, bad []string) {
	env = make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, value, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			bad = append(bad, entry)
			continue
		}
		env[name] = value
	}
	return env, bad
}

func (i Installer) String() string {
	if i.Name != "" {
		return fmt.Sprintf("%s (%s)", i.Name, i.Key())
	}
	return i.Key()
}
