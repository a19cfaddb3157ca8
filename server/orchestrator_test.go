package server_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/matgreaves/wsrig/engine"
	"github.com/matgreaves/wsrig/engine/enginetest"
	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/installer"
	"github.com/matgreaves/wsrig/server"
	"github.com/matgreaves/wsrig/server/bootstrap"
	"github.com/matgreaves/wsrig/server/event"
	"github.com/matgreaves/wsrig/server/machine"
	"github.com/matgreaves/wsrig/server/provision"
	"github.com/matgreaves/wsrig/spec"
	"github.com/matryer/is"
)

const composeDBWeb = `
services:
  db:
    image: postgres:16
  web:
    image: nginx:1.27
    links:
      - db:database
`

func dbWebEnv() spec.Environment {
	return spec.Environment{
		Recipe:   &spec.Recipe{Type: spec.RecipeCompose, Content: composeDBWeb},
		Machines: map[string]spec.MachineConfig{"db": {}, "web": {}},
	}
}

func devEnv() spec.Environment {
	return spec.Environment{Machines: map[string]spec.MachineConfig{
		"dev": {Image: "alpine:3.20", Installers: []string{"terminal"}},
	}}
}

// newTestOrchestrator returns an orchestrator on fake with a terminal
// installer registered and server checks disabled.
func newTestOrchestrator(t *testing.T, fake *enginetest.Fake, bootstrapTimeout time.Duration) *server.Orchestrator {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "bootstrapper")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	installers := installer.NewMemoryRegistry(
		installer.Installer{ID: "exec"},
		installer.Installer{
			ID:           "terminal",
			Dependencies: []string{"exec"},
			Servers:      map[string]spec.ServerConfig{"terminal": {Port: "4411", Protocol: "ws"}},
		},
	)
	return &server.Orchestrator{
		Engine:      fake,
		Provisioner: &provision.Provisioner{Installers: installers},
		Starter:     &machine.Starter{Engine: fake},
		Bootstrappers: &bootstrap.Factory{
			Bus: event.NewBus[spec.BootstrapperStatusEvent](),
			Config: bootstrap.Config{
				BinaryPath:   bin,
				Timeout:      bootstrapTimeout,
				EndpointBase: "ws://wsrig/bootstrapper",
			},
		},
		Registry:          server.NewRegistry(),
		ServerCheckPeriod: -1,
	}
}

// reportOnExec makes the fake publish status for the dev machine as soon as
// the bootstrapper is started.
func reportOnExec(o *server.Orchestrator, fake *enginetest.Fake, status spec.BootstrapperStatus, msg string) {
	fake.OnExecDetached = func(string, []string) {
		o.Bootstrappers.Bus.Publish(context.Background(), spec.BootstrapperStatusEvent{
			RuntimeID: testID, MachineName: "dev", Status: status, Error: msg,
		})
	}
}

func eventTypes(rt *server.Runtime) []server.EventType {
	var out []server.EventType
	for _, e := range rt.Events.Events() {
		if e.Type != server.EventMachinePhase && e.Type != server.EventMachineLog {
			out = append(out, e.Type)
		}
	}
	return out
}

func TestPrepare_StartsInDependencyOrder(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	o := newTestOrchestrator(t, fake, time.Minute)

	rt, err := o.Prepare(context.Background(), dbWebEnv(), testID)
	is.NoErr(err)
	t.Cleanup(func() { o.Stop(context.Background(), rt) })

	is.Equal(rt.Status(), spec.RuntimeRunning)
	is.Equal(rt.Order(), []string{"db", "web"})

	db, ok := rt.Machine("db")
	is.True(ok)
	web, ok := rt.Machine("web")
	is.True(ok)
	is.Equal(fake.CallsTo("CreateContainer"), []string{
		"CreateContainer " + db.ContainerName,
		"CreateContainer " + web.ContainerName,
	})
	is.Equal(fake.LiveContainers(), []string{db.ContainerName, web.ContainerName})

	c, _ := fake.ContainerByName(web.ContainerName)
	is.Equal(c.Spec.Networking.EndpointsConfig[rt.Network()].Links, []string{db.ContainerName + ":database"})
	is.True(strings.HasPrefix(rt.Network(), "ws1_"))
	is.Equal(fake.CallsTo("CreateNetwork"), []string{"CreateNetwork " + rt.Network()})

	got, ok := o.Runtime("ws1")
	is.True(ok)
	is.True(got == rt)

	is.Equal(eventTypes(rt), []server.EventType{
		server.EventRuntimeStarting,
		server.EventMachineRunning,
		server.EventMachineRunning,
		server.EventRuntimeUp,
	})
}

func TestEstimate_NoSideEffects(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	o := newTestOrchestrator(t, fake, time.Minute)

	ienv, order, err := o.Estimate(context.Background(), dbWebEnv(), testID)
	is.NoErr(err)
	is.Equal(order, []string{"db", "web"})
	is.Equal(ienv.Services["web"].Links, []string{"db:database"})
	is.Equal(len(fake.Calls()), 0)
}

func TestPrepare_CycleRejectedBeforeAnyContainer(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	o := newTestOrchestrator(t, fake, time.Minute)
	env := spec.Environment{
		Recipe: &spec.Recipe{Type: spec.RecipeCompose, Content: `
services:
  a:
    image: alpine
    links: [b]
  b:
    image: alpine
    volumes_from: [a]
`},
		Machines: map[string]spec.MachineConfig{"a": {}, "b": {}},
	}

	_, _, err := o.Estimate(context.Background(), env, testID)
	is.True(errdefs.IsValidation(err))

	rt, err := o.Prepare(context.Background(), env, testID)
	is.True(errdefs.IsValidation(err))
	is.True(strings.Contains(err.Error(), "cycle detected"))
	is.True(rt == nil)
	is.Equal(len(fake.Calls()), 0)
	_, ok := o.Runtime("ws1")
	is.True(!ok)
}

func TestPrepare_RejectsIdentityThatCannotRoundTrip(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	o := newTestOrchestrator(t, fake, time.Minute)

	for _, id := range []spec.RuntimeIdentity{
		{WorkspaceID: "ws:1", EnvName: "default", Owner: "alice"},
		{WorkspaceID: "ws1", EnvName: "dev:2", Owner: "alice"},
		{EnvName: "default", Owner: "alice"},
	} {
		rt, err := o.Prepare(context.Background(), dbWebEnv(), id)
		is.True(errdefs.IsValidation(err))
		is.True(rt == nil)
	}
	is.Equal(len(fake.Calls()), 0)
	is.Equal(len(o.Registry.List()), 0)
}

func TestPrepare_DuplicateWorkspace(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	o := newTestOrchestrator(t, fake, time.Minute)

	rt, err := o.Prepare(context.Background(), dbWebEnv(), testID)
	is.NoErr(err)
	t.Cleanup(func() { o.Stop(context.Background(), rt) })

	_, err = o.Prepare(context.Background(), dbWebEnv(), testID)
	is.True(errdefs.IsInternal(err))
	is.Equal(len(fake.CallsTo("CreateContainer")), 2) // nothing new started

	got, _ := o.Runtime("ws1")
	is.True(got == rt)
	is.Equal(rt.Status(), spec.RuntimeRunning)
}

func TestPrepare_StartFailureRollsBack(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	fake.FailFor["PullImage:nginx:1.27"] = fmt.Errorf("pull: %w", engine.ErrNotFound)
	o := newTestOrchestrator(t, fake, time.Minute)

	rt, err := o.Prepare(context.Background(), dbWebEnv(), testID)
	is.True(rt == nil)
	is.True(errdefs.IsSourceNotFound(err))
	is.True(strings.Contains(err.Error(), `"web"`))

	// db was started, then removed with the network.
	is.Equal(len(fake.CallsTo("CreateContainer")), 1)
	is.Equal(fake.LiveContainers(), nil)
	is.Equal(len(fake.CallsTo("RemoveNetwork")), 1)
	is.Equal(len(fake.Networks), 0)
	_, ok := o.Runtime("ws1")
	is.True(!ok)
}

func TestPrepare_Bootstraps(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	o := newTestOrchestrator(t, fake, time.Minute)
	reportOnExec(o, fake, spec.BootstrapperDone, "")

	rt, err := o.Prepare(context.Background(), devEnv(), testID)
	is.NoErr(err)
	t.Cleanup(func() { o.Stop(context.Background(), rt) })

	is.Equal(rt.Status(), spec.RuntimeRunning)
	execs := fake.CallsTo("ExecDetached")
	is.Equal(len(execs), 1)
	is.True(strings.Contains(execs[0], "-runtime-id ws1:default:alice"))

	dev, _ := rt.Machine("dev")
	c, _ := fake.ContainerByName(dev.ContainerName)
	is.True(len(c.Files["/tmp/bootstrapper"]) > 0)
	is.Equal(dev.Servers()["terminal"].Port, "4411/tcp")

	is.True(slices.Contains(eventTypes(rt), server.EventBootstrapDone))
}

func TestPrepare_BootstrapTimeoutKeepsMachines(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	o := newTestOrchestrator(t, fake, 50*time.Millisecond)

	rt, err := o.Prepare(context.Background(), devEnv(), testID)
	is.True(errdefs.IsTimeout(err))
	is.True(rt != nil)
	is.Equal(rt.Status(), spec.RuntimeError)
	is.Equal(len(fake.LiveContainers()), 1)
	_, ok := o.Runtime("ws1")
	is.True(ok)

	is.NoErr(o.Stop(context.Background(), rt))
	is.Equal(rt.Status(), spec.RuntimeStopped)
	is.Equal(fake.LiveContainers(), nil)
	is.Equal(len(fake.Networks), 0)
	is.Equal(o.Bootstrappers.Bus.SubscriberCount(), 0)
	_, ok = o.Runtime("ws1")
	is.True(!ok)
}

func TestPrepare_BootstrapFailure(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	o := newTestOrchestrator(t, fake, time.Minute)
	reportOnExec(o, fake, spec.BootstrapperFailed, "terminal: port in use")

	rt, err := o.Prepare(context.Background(), devEnv(), testID)
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "terminal: port in use"))
	is.Equal(rt.Status(), spec.RuntimeError)
	is.True(slices.Contains(eventTypes(rt), server.EventBootstrapFailed))
	is.NoErr(o.Stop(context.Background(), rt))
}

func TestStop_DuringBootstrap(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	o := newTestOrchestrator(t, fake, time.Minute)
	started := make(chan struct{})
	fake.OnExecDetached = func(string, []string) { close(started) }

	type result struct {
		rt  *server.Runtime
		err error
	}
	done := make(chan result, 1)
	go func() {
		rt, err := o.Prepare(context.Background(), devEnv(), testID)
		done <- result{rt, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("bootstrapper never started")
	}
	rt, ok := o.Runtime("ws1")
	is.True(ok)
	is.NoErr(o.Stop(context.Background(), rt))

	res := <-done
	is.True(errdefs.IsInfrastructure(res.err))
	is.True(strings.Contains(res.err.Error(), "interrupted"))
	is.Equal(rt.Status(), spec.RuntimeStopped)
	is.Equal(fake.LiveContainers(), nil)
	is.Equal(len(fake.Networks), 0)
}

func TestStop_Idempotent(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	o := newTestOrchestrator(t, fake, time.Minute)
	rt, err := o.Prepare(context.Background(), dbWebEnv(), testID)
	is.NoErr(err)

	is.NoErr(o.Stop(context.Background(), rt))
	is.NoErr(o.Stop(context.Background(), rt))
	is.Equal(len(fake.CallsTo("RemoveContainer")), 2)
	is.Equal(eventTypes(rt)[len(eventTypes(rt))-1], server.EventRuntimeDown)
}

func TestStop_RetriesAfterRemovalFailure(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	o := newTestOrchestrator(t, fake, time.Minute)
	rt, err := o.Prepare(context.Background(), dbWebEnv(), testID)
	is.NoErr(err)

	fake.SetFail("RemoveContainer", fmt.Errorf("daemon busy"))
	err = o.Stop(context.Background(), rt)
	is.True(errdefs.IsInfrastructure(err))
	is.Equal(rt.Status(), spec.RuntimeError)
	_, registered := o.Runtime(testID.WorkspaceID)
	is.True(registered) // kept so Stop can be retried
	is.Equal(len(fake.LiveContainers()), 2)

	fake.SetFail("RemoveContainer", nil)
	is.NoErr(o.Stop(context.Background(), rt))
	is.Equal(rt.Status(), spec.RuntimeStopped)
	_, registered = o.Runtime(testID.WorkspaceID)
	is.True(!registered)
	is.Equal(fake.LiveContainers(), nil)
	is.Equal(eventTypes(rt)[len(eventTypes(rt))-1], server.EventRuntimeDown)
}

func TestPrepare_DevMachineSettings(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	o := newTestOrchestrator(t, fake, time.Minute)
	o.Starter.Settings.Dev.Env = map[string]string{"DEV": "1"}
	env := dbWebEnv()
	env.Machines["web"] = spec.MachineConfig{Attributes: map[string]string{server.AttrDevMachine: "true"}}

	rt, err := o.Prepare(context.Background(), env, testID)
	is.NoErr(err)
	t.Cleanup(func() { o.Stop(context.Background(), rt) })

	web, _ := rt.Machine("web")
	db, _ := rt.Machine("db")
	cw, _ := fake.ContainerByName(web.ContainerName)
	cd, _ := fake.ContainerByName(db.ContainerName)
	is.True(slices.Contains(cw.Spec.Config.Env, "DEV=1"))
	is.True(!slices.Contains(cd.Spec.Config.Env, "DEV=1"))
}

func TestPrepare_MachineLogsReachEventLog(t *testing.T) {
	is := is.New(t)

	fake := enginetest.New()
	fake.LogsOutput = "database system is ready\n"
	o := newTestOrchestrator(t, fake, time.Minute)
	env := spec.Environment{Machines: map[string]spec.MachineConfig{"db": {Image: "postgres:16"}}}

	rt, err := o.Prepare(context.Background(), env, testID)
	is.NoErr(err)
	t.Cleanup(func() { o.Stop(context.Background(), rt) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := rt.Events.WaitFor(ctx, func(e server.Event) bool {
		return e.Type == server.EventMachineLog
	})
	is.NoErr(err)
	is.Equal(e.Machine, "db")
	is.Equal(e.Log.Data, "database system is ready")
}
