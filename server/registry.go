package server

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/matgreaves/wsrig/errdefs"
)

// ErrRuntimeExists is wrapped by the internal error Add returns for a
// workspace that already has a runtime.
var ErrRuntimeExists = errors.New("runtime already exists")

// Registry holds at most one live Runtime per workspace.
type Registry struct {
	mu       sync.Mutex
	runtimes map[string]*Runtime
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]*Runtime)}
}

// Add registers rt. A workspace that already has a runtime is an internal
// error and the existing entry is kept.
func (r *Registry) Add(rt *Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := rt.Identity.WorkspaceID
	if _, ok := r.runtimes[ws]; ok {
		return &errdefs.Error{
			Kind:    errdefs.KindInternal,
			Message: "workspace " + ws,
			Err:     ErrRuntimeExists,
		}
	}
	r.runtimes[ws] = rt
	return nil
}

// Get returns the runtime of a workspace.
func (r *Registry) Get(workspaceID string) (*Runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.runtimes[workspaceID]
	return rt, ok
}

// Remove unregisters rt. It is a no-op when the workspace's entry is a
// different runtime.
func (r *Registry) Remove(rt *Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := rt.Identity.WorkspaceID
	if r.runtimes[ws] == rt {
		delete(r.runtimes, ws)
	}
}

// List returns the registered runtimes ordered by workspace id.
func (r *Registry) List() []*Runtime {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		out = append(out, rt)
	}
	slices.SortFunc(out, func(a, b *Runtime) int {
		return strings.Compare(a.Identity.WorkspaceID, b.Identity.WorkspaceID)
	})
	return out
}
