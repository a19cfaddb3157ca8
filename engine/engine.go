// Package engine defines the container engine capability the orchestrator
// consumes, and a Docker implementation of it.
//
// The orchestrator never talks to the engine's wire protocol directly; it
// builds container configurations with the Docker API types and hands them to
// a Client. Tests substitute enginetest.Fake.
package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
)

// ErrNotFound is wrapped by every Client error caused by a missing image,
// repository, container or network.
var ErrNotFound = errors.New("not found")

// Client is the container engine capability.
type Client interface {
	// BuildImage builds an image and tags it with opts.Tag. A missing base
	// image or build context wraps ErrNotFound.
	BuildImage(ctx context.Context, opts BuildOptions) error
	// PullImage pulls ref. A missing repository wraps ErrNotFound.
	PullImage(ctx context.Context, ref string) error
	TagImage(ctx context.Context, source, target string) error
	RemoveImage(ctx context.Context, ref string) error
	// InspectImage returns ErrNotFound when ref is not present locally.
	InspectImage(ctx context.Context, ref string) (ImageInfo, error)

	// CreateContainer creates (but does not start) a container and returns its id.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerInfo, error)
	// RemoveContainer force-removes a container, optionally with its
	// anonymous volumes.
	RemoveContainer(ctx context.Context, id string, removeVolumes bool) error

	CreateNetwork(ctx context.Context, name string, labels map[string]string) error
	RemoveNetwork(ctx context.Context, name string) error
	ConnectNetwork(ctx context.Context, networkName, containerID string, aliases []string) error

	// Exec runs cmd inside the container, copies its output and returns
	// the exit code.
	Exec(ctx context.Context, containerID string, cmd []string, stdout, stderr io.Writer) (int, error)
	// ExecDetached starts cmd inside the container without waiting for it.
	ExecDetached(ctx context.Context, containerID string, cmd []string) error
	// Logs copies container output to stdout and stderr until the stream
	// ends, ctx is cancelled, or (when not following) the backlog is drained.
	Logs(ctx context.Context, containerID string, opts LogsOptions, stdout, stderr io.Writer) error
	// CopyToContainer extracts a tar archive into dir inside the container.
	CopyToContainer(ctx context.Context, containerID, dir string, archive io.Reader) error
}

// BuildOptions configures an image build. Exactly one of Context (a tar
// stream) and RemoteContext (a URL the engine fetches) is set.
type BuildOptions struct {
	Tag           string
	Context       io.Reader
	RemoteContext string
	Dockerfile    string
	Args          map[string]string
	Memory        int64
	MemorySwap    int64
	ForcePull     bool
}

// ImageInfo is the subset of image metadata the orchestrator needs.
type ImageInfo struct {
	ID         string
	Tags       []string
	Cmd        []string
	Entrypoint []string
}

// ContainerSpec is everything needed to create a container.
type ContainerSpec struct {
	Name       string
	Config     *container.Config
	Host       *container.HostConfig
	Networking *network.NetworkingConfig
}

// ContainerInfo is the subset of container state the orchestrator needs.
type ContainerInfo struct {
	ID       string
	Name     string
	Image    string
	Status   string // "created", "running", "exited", ...
	Running  bool
	ExitCode int

	// Addresses maps network name to the container's IP on it.
	Addresses map[string]string
	// HostPorts maps "<port>/<proto>" to the published host port.
	HostPorts map[string]string
}

// LogsOptions selects which container output to read.
type LogsOptions struct {
	Since  time.Time
	Follow bool
}
