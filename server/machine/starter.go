package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/matgreaves/run/onexit"

	"github.com/matgreaves/wsrig/engine"
	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/server/provision"
	"github.com/matgreaves/wsrig/spec"
)

// Starter starts machines on a container engine.
type Starter struct {
	Engine   engine.Client
	Settings Settings
	// StopDetector defaults to a no-op.
	StopDetector StopDetector
	// OnPhase, when set, is called on every phase transition. err is set
	// for PhaseFailed.
	OnPhase func(machineName string, phase Phase, err error)
	Log     *slog.Logger
}

func (s *Starter) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default().With(slog.String("component", "machine-starter"))
}

func (s *Starter) detector() StopDetector {
	if s.StopDetector != nil {
		return s.StopDetector
	}
	return noopDetector{}
}

// Start prepares the image, creates the container on networkName, connects
// it to any additional networks, starts it and checks it is still running.
// Any failure removes the container, including its volumes, before the
// error is returned.
func (s *Starter) Start(ctx context.Context, networkName, machineName string, svc spec.ServiceConfig, id spec.RuntimeIdentity, isDev bool) (*Machine, error) {
	log := s.log().With(
		slog.String("machine", machineName),
		slog.String("workspace", id.WorkspaceID),
		slog.String("container", svc.ContainerName),
	)
	tag := imageTag(svc.ContainerName)

	var (
		containerID string
		release     func()
	)
	phase := func(p Phase, err error) {
		if err != nil {
			log.Error("machine start failed", slog.String("phase", string(p)), slog.String("error", err.Error()))
		} else {
			log.Info("machine phase", slog.String("phase", string(p)))
		}
		if s.OnPhase != nil {
			s.OnPhase(machineName, p, err)
		}
	}

	fail := func(err error) (*Machine, error) {
		phase(PhaseFailed, err)
		if containerID != "" {
			// The caller's context may already be cancelled.
			cleanCtx := context.WithoutCancel(ctx)
			if rmErr := s.Engine.RemoveContainer(cleanCtx, containerID, true); rmErr != nil && !errors.Is(rmErr, engine.ErrNotFound) {
				log.Error("failed to remove container after failed start",
					slog.String("container_id", containerID),
					slog.String("error", rmErr.Error()))
			}
			if release != nil {
				release()
			}
		}
		return nil, err
	}

	phase(PhasePreparingImage, nil)
	if err := s.prepareImage(ctx, machineName, svc, tag); err != nil {
		return fail(err)
	}

	phase(PhaseCreating, nil)
	cfg, err := s.containerSpec(ctx, networkName, machineName, svc, id, tag, isDev)
	if err != nil {
		return fail(err)
	}
	containerID, err = s.Engine.CreateContainer(ctx, cfg)
	if err != nil {
		return fail(errdefs.Infrastructuref(err, "machine %q: create container", machineName))
	}
	// Backup cleanup in case the process dies before rollback or teardown.
	cancelOnexit, _ := onexit.OnExitF("docker rm -f %s", containerID)
	release = func() {
		if cancelOnexit != nil {
			cancelOnexit()
		}
	}

	phase(PhaseConnectingNetworks, nil)
	for _, n := range spec.SortedSet(svc.Networks) {
		if n == networkName {
			continue
		}
		if err := s.Engine.ConnectNetwork(ctx, n, containerID, []string{machineName}); err != nil {
			return fail(errdefs.Infrastructuref(err, "machine %q: connect network %q", machineName, n))
		}
	}

	phase(PhaseStarting, nil)
	if err := s.Engine.StartContainer(ctx, containerID); err != nil {
		return fail(errdefs.Infrastructuref(err, "machine %q: start container", machineName))
	}

	phase(PhaseValidating, nil)
	info, err := s.Engine.InspectContainer(ctx, containerID)
	if err != nil {
		return fail(errdefs.Infrastructuref(err, "machine %q: inspect container", machineName))
	}
	if info.Status == "exited" {
		return fail(errdefs.Infrastructuref(nil,
			"machine %q: container exited unexpectedly with code %d; the image entrypoint may be interactive-only or require arguments",
			machineName, info.ExitCode))
	}

	m := &Machine{
		Name:          machineName,
		Identity:      id,
		ContainerID:   containerID,
		ContainerName: svc.ContainerName,
		Image:         tag,
		engine:        s.Engine,
		detector:      s.detector(),
		log:           log,
		release:       release,
		servers:       serversFromLabels(s.labelPrefix(), cfg.Config.Labels, machineHost(info, networkName, svc.ContainerName)),
	}
	m.detector.StartDetection(containerID, machineName, id)

	phase(PhaseRunning, nil)
	return m, nil
}

func (s *Starter) labelPrefix() string {
	if s.Settings.LabelPrefix != "" {
		return s.Settings.LabelPrefix
	}
	return provision.DefaultLabelPrefix
}

// containerSpec builds the full engine configuration of a machine container.
func (s *Starter) containerSpec(ctx context.Context, networkName, machineName string, svc spec.ServiceConfig, id spec.RuntimeIdentity, image string, isDev bool) (engine.ContainerSpec, error) {
	classes := []ClassSettings{s.Settings.Common}
	if isDev {
		classes = append(classes, s.Settings.Dev)
	}

	env := make(map[string]string)
	exposed := nat.PortSet{}
	var volumes []string
	for _, c := range classes {
		maps.Copy(env, c.Env)
		for _, p := range c.ExposedPorts {
			exposed[nat.Port(spec.NormalizePort(p))] = struct{}{}
		}
		volumes = append(volumes, c.Volumes...)
	}
	maps.Copy(env, svc.Environment)
	volumes = append(volumes, svc.Volumes...)

	for p := range svc.Expose {
		exposed[nat.Port(p)] = struct{}{}
	}
	bindings := nat.PortMap{}
	for p := range svc.Ports {
		exposed[nat.Port(p)] = struct{}{}
		bindings[nat.Port(p)] = []nat.PortBinding{{}}
	}

	labels := maps.Clone(svc.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[LabelWorkspaceID] = id.WorkspaceID
	labels[LabelEnvName] = id.EnvName
	labels[LabelOwner] = id.Owner
	labels[LabelMachineName] = machineName

	cfg := &container.Config{
		Image:        image,
		Env:          envList(env),
		Labels:       labels,
		ExposedPorts: exposed,
		Cmd:          svc.Command,
		Entrypoint:   svc.Entrypoint,
	}

	cmd, entrypoint := svc.Command, svc.Entrypoint
	if len(cmd) == 0 || len(entrypoint) == 0 {
		img, err := s.Engine.InspectImage(ctx, image)
		if err != nil {
			return engine.ContainerSpec{}, errdefs.Infrastructuref(err, "machine %q: inspect image", machineName)
		}
		if len(cmd) == 0 {
			cmd = img.Cmd
		}
		if len(entrypoint) == 0 {
			entrypoint = img.Entrypoint
		}
	}
	if exitsImmediately(cmd, entrypoint) {
		s.log().Info("replacing interactive command with a long-running one",
			slog.String("machine", machineName),
			slog.String("command", strings.Join(cmd, " ")))
		// Overriding the entrypoint also drops the image command.
		cfg.Entrypoint = slices.Clone(keepAlive)
		cfg.Cmd = nil
	}

	binds, mounts, anon := splitVolumes(volumes)
	if len(anon) > 0 {
		cfg.Volumes = make(map[string]struct{}, len(anon))
		for _, v := range anon {
			cfg.Volumes[v] = struct{}{}
		}
	}

	var pids *int64
	if s.Settings.PidsLimit > 0 {
		pids = &s.Settings.PidsLimit
	}
	host := &container.HostConfig{
		NetworkMode:  container.NetworkMode(networkName),
		PortBindings: bindings,
		Binds:        binds,
		Mounts:       mounts,
		VolumesFrom:  svc.VolumesFrom,
		ExtraHosts:   s.Settings.ExtraHosts,
		DNS:          s.Settings.DNS,
		Resources: container.Resources{
			Memory:       svc.MemLimit,
			MemorySwap:   s.Settings.memorySwap(svc.MemLimit),
			CPUPeriod:    s.Settings.CPUPeriod,
			CPUQuota:     s.Settings.CPUQuota,
			CpusetCpus:   s.Settings.CPUSet,
			PidsLimit:    pids,
			CgroupParent: s.Settings.CgroupParent,
		},
	}

	networking := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {
				Aliases: []string{machineName},
				Links:   svc.Links,
			},
		},
	}

	return engine.ContainerSpec{
		Name:       svc.ContainerName,
		Config:     cfg,
		Host:       host,
		Networking: networking,
	}, nil
}

// splitVolumes sorts volume specs into host binds (source contains a path
// separator), named volume mounts, and anonymous volumes (no source).
func splitVolumes(volumes []string) (binds []string, mounts []mount.Mount, anon []string) {
	for _, v := range volumes {
		parts := strings.Split(v, ":")
		if len(parts) == 1 {
			anon = append(anon, v)
			continue
		}
		source := parts[0]
		if strings.ContainsAny(source, `/\`) || strings.HasPrefix(source, ".") || strings.HasPrefix(source, "~") {
			binds = append(binds, v)
			continue
		}
		m := mount.Mount{Type: mount.TypeVolume, Source: source, Target: parts[1]}
		if len(parts) > 2 && parts[2] == "ro" {
			m.ReadOnly = true
		}
		mounts = append(mounts, m)
	}
	return binds, mounts, anon
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// host returns the address other machines reach the container on.
func machineHost(info engine.ContainerInfo, networkName, containerName string) string {
	if ip := info.Addresses[networkName]; ip != "" {
		return ip
	}
	return containerName
}

// serversFromLabels rebuilds the machine's servers from the labels written
// by the provisioner.
func serversFromLabels(prefix string, labels map[string]string, hostname string) map[string]Server {
	servers := make(map[string]Server)
	for key, ref := range labels {
		rest, ok := strings.CutPrefix(key, prefix+":")
		if !ok {
			continue
		}
		port, ok := strings.CutSuffix(rest, ":ref")
		if !ok {
			continue
		}
		srv := Server{
			Ref:      ref,
			Port:     port,
			Protocol: labels[provision.Label(prefix, port, "protocol")],
			Path:     labels[provision.Label(prefix, port, "path")],
			Status:   spec.ServerUnknown,
		}
		srv.URL = serverURL(srv, hostname)
		servers[ref] = srv
	}
	return servers
}

func serverURL(s Server, hostname string) string {
	portNum, _, _ := strings.Cut(s.Port, "/")
	scheme := s.Protocol
	if scheme == "" {
		scheme = "tcp"
	}
	path := s.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(hostname, portNum), path)
}
