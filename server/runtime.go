package server

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/matgreaves/wsrig/server/machine"
	"github.com/matgreaves/wsrig/spec"
)

// Runtime is the live state of one workspace: its network, its machines in
// start order and its event log. It is safe for concurrent use.
type Runtime struct {
	Identity spec.RuntimeIdentity
	Events   *EventLog

	mu       sync.Mutex
	network  string
	order    []string
	machines map[string]*machine.Machine
	status   spec.RuntimeStatus
	err      error

	cancelStart      context.CancelFunc
	prepared         chan struct{} // closed once Prepare returns
	cancelBackground context.CancelFunc
	background       chan struct{} // closed when background runners exit
	unsubscribe      []func()
	stopMu           sync.Mutex
}

func newRuntime(id spec.RuntimeIdentity) *Runtime {
	background := make(chan struct{})
	close(background)
	return &Runtime{
		Identity:         id,
		Events:           NewEventLog(),
		machines:         make(map[string]*machine.Machine),
		status:           spec.RuntimeStarting,
		cancelStart:      func() {},
		prepared:         make(chan struct{}),
		cancelBackground: func() {},
		background:       background,
	}
}

// Status returns the runtime's lifecycle state.
func (rt *Runtime) Status() spec.RuntimeStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.status
}

// Err returns the error that put the runtime in ERROR, if any.
func (rt *Runtime) Err() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.err
}

// Network returns the workspace network name, empty before it is created.
func (rt *Runtime) Network() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.network
}

// Machine returns a started machine by name.
func (rt *Runtime) Machine(name string) (*machine.Machine, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, ok := rt.machines[name]
	return m, ok
}

// Machines returns the started machines keyed by name.
func (rt *Runtime) Machines() map[string]*machine.Machine {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return maps.Clone(rt.machines)
}

// Order returns the names of the started machines in start order.
func (rt *Runtime) Order() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return slices.Clone(rt.order)
}

func (rt *Runtime) setStatus(status spec.RuntimeStatus, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.status = status
	rt.err = err
}

func (rt *Runtime) addMachine(m *machine.Machine) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.machines[m.Name] = m
	rt.order = append(rt.order, m.Name)
}

// MachineInfo is the JSON view of a machine.
type MachineInfo struct {
	ContainerID   string                    `json:"container_id"`
	ContainerName string                    `json:"container_name"`
	Image         string                    `json:"image"`
	Servers       map[string]machine.Server `json:"servers,omitempty"`
}

// RuntimeInfo is the JSON view of a runtime.
type RuntimeInfo struct {
	Identity spec.RuntimeIdentity   `json:"identity"`
	Status   spec.RuntimeStatus     `json:"status"`
	Error    string                 `json:"error,omitempty"`
	Network  string                 `json:"network,omitempty"`
	Order    []string               `json:"order,omitempty"`
	Machines map[string]MachineInfo `json:"machines"`
}

// Info returns a point-in-time snapshot of the runtime.
func (rt *Runtime) Info() RuntimeInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	info := RuntimeInfo{
		Identity: rt.Identity,
		Status:   rt.status,
		Network:  rt.network,
		Order:    slices.Clone(rt.order),
		Machines: make(map[string]MachineInfo, len(rt.machines)),
	}
	if rt.err != nil {
		info.Error = rt.err.Error()
	}
	for name, m := range rt.machines {
		info.Machines[name] = MachineInfo{
			ContainerID:   m.ContainerID,
			ContainerName: m.ContainerName,
			Image:         m.Image,
			Servers:       m.Servers(),
		}
	}
	return info
}
