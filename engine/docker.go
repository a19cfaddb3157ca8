package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker is a Client backed by the Docker Engine API.
type Docker struct {
	cli *client.Client
}

// NewDocker connects to the local Docker daemon and verifies it is reachable.
func NewDocker(ctx context.Context) (*Docker, error) {
	cli, err := newDockerAPIClient()
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("cannot connect to Docker daemon (is Docker running?): %w", err)
	}
	return &Docker{cli: cli}, nil
}

// Close releases the underlying API client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// notFound wraps err with ErrNotFound when the daemon reported a missing
// object. Registries report missing repositories and tags only in the
// message text of pull and build streams, so those phrases are matched too.
func notFound(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) || client.IsErrNotFound(err) || missingSource(err.Error()) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// missingSource reports registry and build-context messages for an image
// or context that does not exist.
func missingSource(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"repository does not exist", "manifest unknown", "pull access denied", "404 not found"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return strings.Contains(msg, "manifest for ") && strings.Contains(msg, " not found")
}

func (d *Docker) BuildImage(ctx context.Context, opts BuildOptions) error {
	args := make(map[string]*string, len(opts.Args))
	for k, v := range opts.Args {
		args[k] = &v
	}
	resp, err := d.cli.ImageBuild(ctx, opts.Context, types.ImageBuildOptions{
		Tags:          []string{opts.Tag},
		RemoteContext: opts.RemoteContext,
		Dockerfile:    opts.Dockerfile,
		BuildArgs:     args,
		Memory:        opts.Memory,
		MemorySwap:    opts.MemorySwap,
		PullParent:    opts.ForcePull,
		Remove:        true,
		ForceRemove:   true,
	})
	if err != nil {
		return fmt.Errorf("docker build %s: %w", opts.Tag, notFound(err))
	}
	defer resp.Body.Close()
	// The build isn't done until the response body is fully read; build
	// failures arrive as error messages inside the stream.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("docker build %s: %w", opts.Tag, notFound(err))
	}
	return nil
}

func (d *Docker) PullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker pull %s: %w", ref, notFound(err))
	}
	defer rc.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("docker pull %s: %w", ref, notFound(err))
	}
	return nil
}

func (d *Docker) TagImage(ctx context.Context, source, target string) error {
	if err := d.cli.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("docker tag %s %s: %w", source, target, notFound(err))
	}
	return nil
}

func (d *Docker) RemoveImage(ctx context.Context, ref string) error {
	_, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil {
		return fmt.Errorf("docker rmi %s: %w", ref, notFound(err))
	}
	return nil
}

func (d *Docker) InspectImage(ctx context.Context, ref string) (ImageInfo, error) {
	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("docker inspect %s: %w", ref, notFound(err))
	}
	info := ImageInfo{ID: inspect.ID, Tags: inspect.RepoTags}
	if inspect.Config != nil {
		info.Cmd = inspect.Config.Cmd
		info.Entrypoint = inspect.Config.Entrypoint
	}
	return info, nil
}

func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, spec.Config, spec.Host, spec.Networking, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, notFound(err))
	}
	return resp.ID, nil
}

func (d *Docker) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, notFound(err))
	}
	return nil
}

func (d *Docker) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("inspect container %s: %w", id, notFound(err))
	}
	info := ContainerInfo{
		Addresses: make(map[string]string),
		HostPorts: make(map[string]string),
	}
	if inspect.ContainerJSONBase != nil {
		info.ID = inspect.ID
		info.Name = strings.TrimPrefix(inspect.Name, "/")
		info.Image = inspect.Image
		if inspect.State != nil {
			info.Status = inspect.State.Status
			info.Running = inspect.State.Running
			info.ExitCode = inspect.State.ExitCode
		}
	}
	if inspect.NetworkSettings != nil {
		for name, ep := range inspect.NetworkSettings.Networks {
			if ep != nil {
				info.Addresses[name] = ep.IPAddress
			}
		}
		for port, bindings := range inspect.NetworkSettings.Ports {
			if len(bindings) > 0 {
				info.HostPorts[string(port)] = bindings[0].HostPort
			}
		}
	}
	return info, nil
}

func (d *Docker) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: removeVolumes})
	if err != nil {
		return fmt.Errorf("remove container %s: %w", id, notFound(err))
	}
	return nil
}

func (d *Docker) CreateNetwork(ctx context.Context, name string, labels map[string]string) error {
	_, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	return nil
}

func (d *Docker) RemoveNetwork(ctx context.Context, name string) error {
	if err := d.cli.NetworkRemove(ctx, name); err != nil {
		return fmt.Errorf("remove network %s: %w", name, notFound(err))
	}
	return nil
}

func (d *Docker) ConnectNetwork(ctx context.Context, networkName, containerID string, aliases []string) error {
	err := d.cli.NetworkConnect(ctx, networkName, containerID, &network.EndpointSettings{Aliases: aliases})
	if err != nil {
		return fmt.Errorf("connect %s to network %s: %w", containerID, networkName, notFound(err))
	}
	return nil
}

func (d *Docker) Exec(ctx context.Context, containerID string, cmd []string, stdout, stderr io.Writer) (int, error) {
	exec, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, fmt.Errorf("exec create: %w", notFound(err))
	}

	resp, err := d.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, fmt.Errorf("exec attach: %w", err)
	}
	_, err = stdcopy.StdCopy(stdout, stderr, resp.Reader)
	resp.Close()
	if err != nil {
		return 0, fmt.Errorf("exec read output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return 0, fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

func (d *Docker) ExecDetached(ctx context.Context, containerID string, cmd []string) error {
	exec, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:    cmd,
		Detach: true,
	})
	if err != nil {
		return fmt.Errorf("exec create: %w", notFound(err))
	}
	if err := d.cli.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("exec start: %w", err)
	}
	return nil
}

func (d *Docker) Logs(ctx context.Context, containerID string, opts LogsOptions, stdout, stderr io.Writer) error {
	lo := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
	}
	if !opts.Since.IsZero() {
		lo.Since = opts.Since.UTC().Format(time.RFC3339Nano)
	}
	rc, err := d.cli.ContainerLogs(ctx, containerID, lo)
	if err != nil {
		return fmt.Errorf("container logs %s: %w", containerID, notFound(err))
	}
	defer rc.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil && ctx.Err() == nil {
		return fmt.Errorf("container logs %s: %w", containerID, err)
	}
	return nil
}

func (d *Docker) CopyToContainer(ctx context.Context, containerID, dir string, archive io.Reader) error {
	err := d.cli.CopyToContainer(ctx, containerID, dir, archive, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("copy to container %s:%s: %w", containerID, dir, notFound(err))
	}
	return nil
}

var _ Client = (*Docker)(nil)
