package machine_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matgreaves/wsrig/engine"
	"github.com/matgreaves/wsrig/engine/enginetest"
	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/server/machine"
	"github.com/matgreaves/wsrig/spec"
	"github.com/matryer/is"
)

var testID = spec.RuntimeIdentity{WorkspaceID: "ws1", EnvName: "default", Owner: "alice"}

func webService() spec.ServiceConfig {
	return spec.ServiceConfig{
		ContainerName: "ws1_abc_ns_web",
		Image:         "alpine:3.20",
		Command:       []string{"sleep", "infinity"},
		Environment:   map[string]string{"MODE": "service"},
		Expose:        map[string]struct{}{"8080/tcp": {}},
		Ports:         map[string]struct{}{"9090/tcp": {}},
		Labels: map[string]string{
			"org.wsrig.server:8080/tcp:protocol": "http",
			"org.wsrig.server:8080/tcp:ref":      "app",
			"org.wsrig.server:8080/tcp:path":     "api",
		},
		Links:    []string{"ws1_def_ns_db:database"},
		MemLimit: 512 << 20,
	}
}

func TestStart(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	var phases []machine.Phase
	s := &machine.Starter{
		Engine:   fake,
		Settings: machine.Settings{MemorySwapMultiplier: 2, PidsLimit: 100},
		OnPhase: func(_ string, p machine.Phase, _ error) {
			phases = append(phases, p)
		},
	}

	m, err := s.Start(context.Background(), "ws1_net", "web", webService(), testID, false)
	is.NoErr(err)
	is.Equal(m.Name, "web")
	is.Equal(m.Image, "wsrig/ws1_abc_ns_web")
	is.Equal(phases, []machine.Phase{
		machine.PhasePreparingImage,
		machine.PhaseCreating,
		machine.PhaseConnectingNetworks,
		machine.PhaseStarting,
		machine.PhaseValidating,
		machine.PhaseRunning,
	})
	is.Equal(len(fake.CallsTo("PullImage")), 1)
	is.Equal(fake.CallsTo("TagImage"), []string{"TagImage alpine:3.20 wsrig/ws1_abc_ns_web"})

	c, ok := fake.ContainerByName("ws1_abc_ns_web")
	is.True(ok)
	is.True(c.Running)
	cfg, host := c.Spec.Config, c.Spec.Host
	is.Equal(cfg.Image, "wsrig/ws1_abc_ns_web")
	is.Equal(cfg.Labels[machine.LabelWorkspaceID], "ws1")
	is.Equal(cfg.Labels[machine.LabelOwner], "alice")
	is.Equal(cfg.Labels[machine.LabelMachineName], "web")
	is.True(slices.Contains(cfg.Env, "MODE=service"))
	_, exposed := cfg.ExposedPorts["8080/tcp"]
	is.True(exposed)
	_, published := host.PortBindings["9090/tcp"]
	is.True(published)
	is.Equal(host.Memory, int64(512<<20))
	is.Equal(host.MemorySwap, int64(1024<<20))
	is.Equal(*host.PidsLimit, int64(100))
	is.Equal(string(host.NetworkMode), "ws1_net")

	ep := c.Spec.Networking.EndpointsConfig["ws1_net"]
	is.Equal(ep.Aliases, []string{"web"})
	is.Equal(ep.Links, []string{"ws1_def_ns_db:database"})

	servers := m.Servers()
	is.Equal(servers["app"].Port, "8080/tcp")
	is.Equal(servers["app"].URL, "http://ws1_abc_ns_web:8080/api")
	is.Equal(servers["app"].Status, spec.ServerUnknown)
}

func TestStart_PinnedImagePresentSkipsPull(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	fake.Images["alpine:3.20"] = engine.ImageInfo{ID: "sha256:a"}
	s := &machine.Starter{Engine: fake}

	_, err := s.Start(context.Background(), "net", "web", webService(), testID, false)
	is.NoErr(err)
	is.Equal(len(fake.CallsTo("PullImage")), 0)
}

func TestStart_LatestAlwaysPulled(t *testing.T) {
	is := is.New(t)

	for _, image := range []string{"alpine", "alpine:latest", "example.com/app:1.0-SNAPSHOT"} {
		fake := enginetest.New()
		fake.Images[image] = engine.ImageInfo{ID: "sha256:a"}
		s := &machine.Starter{Engine: fake}

		svc := webService()
		svc.Image = image
		_, err := s.Start(context.Background(), "net", "web", svc, testID, false)
		is.NoErr(err)
		is.Equal(len(fake.CallsTo("PullImage")), 1) // image should be pulled
	}
}

func TestStart_ForcePull(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	fake.Images["alpine:3.20"] = engine.ImageInfo{ID: "sha256:a"}
	s := &machine.Starter{Engine: fake, Settings: machine.Settings{ForcePull: true}}

	_, err := s.Start(context.Background(), "net", "web", webService(), testID, false)
	is.NoErr(err)
	is.Equal(len(fake.CallsTo("PullImage")), 1)
}

func TestStart_ImageNotFound(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	fake.SetFail("PullImage", fmt.Errorf("docker pull: %w", engine.ErrNotFound))
	s := &machine.Starter{Engine: fake}

	_, err := s.Start(context.Background(), "net", "web", webService(), testID, false)
	is.True(errdefs.IsSourceNotFound(err))
	is.True(strings.Contains(err.Error(), `"web"`))
	is.Equal(len(fake.CallsTo("CreateContainer")), 0)
}

func TestStart_PullInfrastructureError(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	fake.SetFail("PullImage", errors.New("connection reset"))
	s := &machine.Starter{Engine: fake}

	_, err := s.Start(context.Background(), "net", "web", webService(), testID, false)
	is.True(errdefs.IsInfrastructure(err))
}

func TestStart_RollbackAfterCreate(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	fake.FailFor["StartContainer:ws1_abc_ns_web"] = errors.New("port already allocated")
	var failed error
	s := &machine.Starter{
		Engine: fake,
		OnPhase: func(_ string, p machine.Phase, err error) {
			if p == machine.PhaseFailed {
				failed = err
			}
		},
	}

	svc := webService()
	svc.Networks = map[string]struct{}{"net": {}, "extra": {}}
	_, err := s.Start(context.Background(), "net", "web", svc, testID, false)
	is.True(errdefs.IsInfrastructure(err))
	is.True(strings.Contains(err.Error(), "port already allocated"))
	is.True(failed != nil)

	// The container is gone, and with it every network attachment.
	is.Equal(fake.LiveContainers(), nil)
	is.Equal(fake.CallsTo("RemoveContainer"), []string{"RemoveContainer ws1_abc_ns_web"})
}

func TestStart_RemovalFailureDoesNotMaskError(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	fake.FailFor["StartContainer:ws1_abc_ns_web"] = errors.New("start failed")
	fake.SetFail("RemoveContainer", errors.New("remove failed"))
	s := &machine.Starter{Engine: fake}

	_, err := s.Start(context.Background(), "net", "web", webService(), testID, false)
	is.True(strings.Contains(err.Error(), "start failed"))
	is.True(!strings.Contains(err.Error(), "remove failed"))
}

func TestStart_ExitedContainerFails(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	fake.ExitAfterStart["ws1_abc_ns_web"] = true
	s := &machine.Starter{Engine: fake}

	_, err := s.Start(context.Background(), "net", "web", webService(), testID, false)
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "exited unexpectedly"))
	is.Equal(fake.LiveContainers(), nil)
}

func TestStart_InteractiveImageKeptAlive(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	fake.Images["ubuntu:22.04"] = engine.ImageInfo{ID: "sha256:u", Cmd: []string{"/bin/bash"}}
	s := &machine.Starter{Engine: fake}

	svc := webService()
	svc.Image = "ubuntu:22.04"
	svc.Command = nil
	_, err := s.Start(context.Background(), "net", "dev", svc, testID, false)
	is.NoErr(err)

	c, _ := fake.ContainerByName(svc.ContainerName)
	is.Equal([]string(c.Spec.Config.Entrypoint), []string{"tail", "-f", "/dev/null"})
	is.Equal(len(c.Spec.Config.Cmd), 0)
}

func TestStart_AdditionalNetworks(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	s := &machine.Starter{Engine: fake}

	svc := webService()
	svc.Networks = map[string]struct{}{"net": {}, "frontend": {}, "backend": {}}
	_, err := s.Start(context.Background(), "net", "web", svc, testID, false)
	is.NoErr(err)

	c, _ := fake.ContainerByName(svc.ContainerName)
	is.Equal(c.Networks, []string{"backend", "frontend"})
}

func TestStart_DevClassSettings(t *testing.T) {
	is := is.New(t)

	settings := machine.Settings{
		Common: machine.ClassSettings{Env: map[string]string{"COMMON": "1", "MODE": "default"}, ExposedPorts: []string{"22"}},
		Dev:    machine.ClassSettings{Env: map[string]string{"DEV": "1"}, Volumes: []string{"/var/run/docker.sock:/var/run/docker.sock"}},
	}

	for _, isDev := range []bool{false, true} {
		fake := enginetest.New()
		s := &machine.Starter{Engine: fake, Settings: settings}
		_, err := s.Start(context.Background(), "net", "web", webService(), testID, isDev)
		is.NoErr(err)

		c, _ := fake.ContainerByName("ws1_abc_ns_web")
		env := c.Spec.Config.Env
		is.True(slices.Contains(env, "COMMON=1"))
		is.True(slices.Contains(env, "MODE=service")) // service value wins
		is.Equal(slices.Contains(env, "DEV=1"), isDev)
		_, ssh := c.Spec.Config.ExposedPorts["22/tcp"]
		is.True(ssh)
		is.Equal(len(c.Spec.Host.Binds) == 1, isDev)
	}
}

func TestStart_BuildFromDockerfileContent(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	s := &machine.Starter{Engine: fake}

	svc := webService()
	svc.Image = ""
	svc.Build = &spec.BuildConfig{DockerfileContent: "FROM alpine\nCMD [\"sleep\", \"infinity\"]\n"}
	m, err := s.Start(context.Background(), "net", "web", svc, testID, false)
	is.NoErr(err)
	is.Equal(fake.CallsTo("BuildImage"), []string{"BuildImage " + m.Image})
	is.Equal(len(fake.CallsTo("PullImage")), 0)
}

func TestStart_BuildBaseImageNotFound(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	fake.SetFail("BuildImage", fmt.Errorf("docker build: %w", engine.ErrNotFound))
	s := &machine.Starter{Engine: fake}

	svc := webService()
	svc.Image = ""
	svc.Build = &spec.BuildConfig{DockerfileContent: "FROM example/missing:1\n"}
	_, err := s.Start(context.Background(), "net", "web", svc, testID, false)
	is.True(errdefs.IsSourceNotFound(err))
	is.True(!errdefs.IsInfrastructure(err))
	is.Equal(len(fake.CallsTo("CreateContainer")), 0)
}

func TestMachine_Destroy(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	s := &machine.Starter{Engine: fake}
	m, err := s.Start(context.Background(), "net", "web", webService(), testID, false)
	is.NoErr(err)

	is.NoErr(m.Destroy(context.Background()))
	is.NoErr(m.Destroy(context.Background()))
	is.True(m.Destroyed())
	is.Equal(fake.LiveContainers(), nil)
	is.Equal(len(fake.CallsTo("RemoveContainer")), 1)
	is.Equal(m.Servers()["app"].Status, spec.ServerStopped)
}

func TestMachine_DestroyRetriesFailedRemoval(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	s := &machine.Starter{Engine: fake}
	m, err := s.Start(context.Background(), "net", "web", webService(), testID, false)
	is.NoErr(err)

	fake.SetFail("RemoveContainer", errors.New("daemon busy"))
	is.True(m.Destroy(context.Background()) != nil)
	is.True(!m.Destroyed())
	is.Equal(m.Servers()["app"].Status, spec.ServerUnknown)

	fake.SetFail("RemoveContainer", nil)
	is.NoErr(m.Destroy(context.Background()))
	is.True(m.Destroyed())
	is.Equal(fake.LiveContainers(), nil)
	is.Equal(len(fake.CallsTo("RemoveContainer")), 2)
}

type recordingDetector struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (d *recordingDetector) StartDetection(id, name string, _ spec.RuntimeIdentity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = append(d.started, name)
}

func (d *recordingDetector) StopDetection(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, id)
}

func TestStart_RegistersStopDetection(t *testing.T) {
	is := is.New(t)

	det := &recordingDetector{}
	s := &machine.Starter{Engine: enginetest.New(), StopDetector: det}
	m, err := s.Start(context.Background(), "net", "web", webService(), testID, false)
	is.NoErr(err)
	is.Equal(det.started, []string{"web"})

	is.NoErr(m.Destroy(context.Background()))
	is.Equal(det.stopped, []string{m.ContainerID})
}

func TestMachine_ExecAndPutResource(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	fake.ExecOutput = "hello\n"
	s := &machine.Starter{Engine: fake}
	m, err := s.Start(context.Background(), "net", "web", webService(), testID, false)
	is.NoErr(err)

	var out strings.Builder
	code, err := m.Exec(context.Background(), []string{"echo", "hello"}, &out, nil)
	is.NoErr(err)
	is.Equal(code, 0)
	is.Equal(out.String(), "hello\n")

	is.NoErr(m.PutResource(context.Background(), "/tmp", strings.NewReader("archive")))
	c, _ := fake.ContainerByName("ws1_abc_ns_web")
	is.Equal(string(c.Files["/tmp"]), "archive")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	is.NoErr(m.ExecDetached(ctx, []string{"true"}))
}
