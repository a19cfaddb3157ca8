// Package machine manages the container behind each workspace machine:
// image preparation, creation, network attachment, start, validation and
// rollback, plus the live Machine handle and its log stream.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"

	"github.com/matgreaves/wsrig/engine"
	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/spec"
)

// Phase is a step of the start state machine.
type Phase string

const (
	PhasePreparingImage     Phase = "PREPARING_IMAGE"
	PhaseCreating           Phase = "CREATING"
	PhaseConnectingNetworks Phase = "CONNECTING_NETWORKS"
	PhaseStarting           Phase = "STARTING"
	PhaseValidating         Phase = "VALIDATING"
	PhaseRunning            Phase = "RUNNING"
	PhaseFailed             Phase = "FAILED"
)

// Labels written on every machine container.
const (
	LabelWorkspaceID = "org.wsrig.workspace.id"
	LabelEnvName     = "org.wsrig.env.name"
	LabelOwner       = "org.wsrig.owner"
	LabelMachineName = "org.wsrig.machine.name"
)

// StopDetector is notified of started and destroyed machines so it can
// report containers that die on their own.
type StopDetector interface {
	StartDetection(containerID, machineName string, id spec.RuntimeIdentity)
	StopDetection(containerID string)
}

type noopDetector struct{}

func (noopDetector) StartDetection(string, string, spec.RuntimeIdentity) {}
func (noopDetector) StopDetection(string)                                {}

// Server is a server declared on a machine.
type Server struct {
	Ref      string            `json:"ref"`
	Port     string            `json:"port"`
	Protocol string            `json:"protocol,omitempty"`
	Path     string            `json:"path,omitempty"`
	URL      string            `json:"url"`
	Status   spec.ServerStatus `json:"status"`
}

// Machine is a started container.
type Machine struct {
	Name          string
	Identity      spec.RuntimeIdentity
	ContainerID   string
	ContainerName string
	// Image is the deterministic tag the container was created from.
	Image string

	engine   engine.Client
	detector StopDetector
	log      *slog.Logger
	release  func()

	mu        sync.Mutex
	servers   map[string]Server
	destroyed bool
}

// Servers returns a snapshot of the machine's servers keyed by ref.
func (m *Machine) Servers() map[string]Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.servers)
}

// SetServerStatus records the last observed status of a server.
func (m *Machine) SetServerStatus(ref string, status spec.ServerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.servers[ref]; ok {
		s.Status = status
		m.servers[ref] = s
	}
}

// Exec runs cmd in the machine and returns its exit code.
func (m *Machine) Exec(ctx context.Context, cmd []string, stdout, stderr io.Writer) (int, error) {
	code, err := m.engine.Exec(ctx, m.ContainerID, cmd, stdout, stderr)
	if err != nil {
		return 0, errdefs.Infrastructuref(err, "machine %q: exec %v", m.Name, cmd)
	}
	return code, nil
}

// ExecDetached starts cmd in the machine without waiting for it.
func (m *Machine) ExecDetached(ctx context.Context, cmd []string) error {
	if err := m.engine.ExecDetached(ctx, m.ContainerID, cmd); err != nil {
		return errdefs.Infrastructuref(err, "machine %q: exec %v", m.Name, cmd)
	}
	return nil
}

// PutResource extracts a tar archive into dir inside the machine.
func (m *Machine) PutResource(ctx context.Context, dir string, archive io.Reader) error {
	if err := m.engine.CopyToContainer(ctx, m.ContainerID, dir, archive); err != nil {
		return errdefs.Infrastructuref(err, "machine %q: copy resources to %s", m.Name, dir)
	}
	return nil
}

// Destroy removes the container with its volumes and the machine image tag.
// Destroying an already destroyed machine is a no-op; a machine whose
// removal failed can be destroyed again.
func (m *Machine) Destroy(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.detector.StopDetection(m.ContainerID)

	err := m.engine.RemoveContainer(ctx, m.ContainerID, true)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return errdefs.Infrastructuref(err, "machine %q: remove container", m.Name)
	}

	m.mu.Lock()
	m.destroyed = true
	for ref, s := range m.servers {
		s.Status = spec.ServerStopped
		m.servers[ref] = s
	}
	m.mu.Unlock()

	if m.release != nil {
		m.release()
	}
	if err := m.engine.RemoveImage(ctx, m.Image); err != nil && !errors.Is(err, engine.ErrNotFound) {
		m.log.Warn("failed to remove machine image", slog.String("image", m.Image), slog.String("error", err.Error()))
	}
	return nil
}

// Destroyed reports whether Destroy has been called.
func (m *Machine) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

func (m *Machine) String() string {
	return fmt.Sprintf("%s (%s)", m.Name, m.ContainerName)
}
