package server

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/matgreaves/run"
	"github.com/sourcegraph/conc/pool"

	"github.com/matgreaves/wsrig/engine"
	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/installer"
	"github.com/matgreaves/wsrig/server/bootstrap"
	"github.com/matgreaves/wsrig/server/event"
	"github.com/matgreaves/wsrig/server/machine"
	"github.com/matgreaves/wsrig/server/provision"
	"github.com/matgreaves/wsrig/server/ready"
	"github.com/matgreaves/wsrig/server/recipe"
	"github.com/matgreaves/wsrig/spec"
)

// AttrDevMachine marks the development machine of an environment when set
// to "true" in its attributes.
const AttrDevMachine = "dev"

// DefaultDevInstaller is the installer whose presence marks the development
// machine.
const DefaultDevInstaller = "wsagent"

// Orchestrator turns Environments into running Runtimes and tears them down.
type Orchestrator struct {
	Engine      engine.Client
	Parser      *recipe.Parser
	Normalizer  *Normalizer
	Provisioner *provision.Provisioner
	Starter     *machine.Starter
	// Bootstrappers is required when any machine declares installers.
	Bootstrappers *bootstrap.Factory
	// InstallerLogs, when set, feeds installer output into runtime events.
	InstallerLogs *event.Bus[spec.InstallerLogEvent]
	Registry      *Registry

	// DevInstaller defaults to DefaultDevInstaller.
	DevInstaller string
	// ServerCheckPeriod is the servers checker interval; negative disables
	// server checks.
	ServerCheckPeriod time.Duration

	Log *slog.Logger
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default().With(slog.String("component", "orchestrator"))
}

func (o *Orchestrator) parser() *recipe.Parser {
	if o.Parser != nil {
		return o.Parser
	}
	return &recipe.Parser{}
}

func (o *Orchestrator) normalizer() *Normalizer {
	if o.Normalizer != nil {
		return o.Normalizer
	}
	return &Normalizer{}
}

func (o *Orchestrator) provisioner() *provision.Provisioner {
	if o.Provisioner != nil {
		return o.Provisioner
	}
	return &provision.Provisioner{Installers: installer.NewMemoryRegistry()}
}

// Runtime returns the live runtime of a workspace.
func (o *Orchestrator) Runtime(workspaceID string) (*Runtime, bool) {
	return o.Registry.Get(workspaceID)
}

// Estimate materialises and provisions env and resolves the start order
// without touching the engine.
func (o *Orchestrator) Estimate(ctx context.Context, env spec.Environment, id spec.RuntimeIdentity) (spec.InternalEnvironment, []string, error) {
	if err := id.Validate(); err != nil {
		return spec.InternalEnvironment{}, nil, errdefs.Validationf("runtime identity: %v", err)
	}
	ienv, err := o.parser().Parse(ctx, env)
	if err != nil {
		return spec.InternalEnvironment{}, nil, err
	}
	ienv, err = o.provisioner().Apply(env, ienv)
	if err != nil {
		return spec.InternalEnvironment{}, nil, err
	}
	order, err := StartOrder(ienv)
	if err != nil {
		return spec.InternalEnvironment{}, nil, err
	}
	o.log().Debug("environment estimated",
		slog.String("workspace", id.WorkspaceID),
		slog.Any("order", order))
	return ienv, order, nil
}

// Prepare starts every machine of env in dependency order on a fresh
// network, then bootstraps the machines that declare installers.
//
// A failure before bootstrapping removes everything created and returns a
// nil Runtime. A bootstrap failure leaves the Runtime in ERROR with its
// machines running; it is returned with the error and the caller decides
// when to Stop it.
func (o *Orchestrator) Prepare(ctx context.Context, env spec.Environment, id spec.RuntimeIdentity) (*Runtime, error) {
	ws := id.WorkspaceID
	if ws == "" {
		return nil, errdefs.Validationf("runtime identity: workspace_id is required")
	}
	log := o.log().With(slog.String("workspace", ws))

	ienv, _, err := o.Estimate(ctx, env, id)
	if err != nil {
		return nil, err
	}

	rt := newRuntime(id)
	startCtx, cancel := context.WithCancel(ctx)
	rt.cancelStart = cancel
	rt.unsubscribe = o.forwardEvents(rt)
	if err := o.Registry.Add(rt); err != nil {
		cancel()
		for _, unsubscribe := range rt.unsubscribe {
			unsubscribe()
		}
		return nil, err
	}
	defer func() {
		cancel()
		close(rt.prepared)
	}()

	rt.Events.Publish(Event{Type: EventRuntimeStarting, Workspace: ws})
	log.Info("starting runtime", slog.String("runtime_id", id.String()))

	nenv, err := o.normalizer().Normalize(startCtx, env, ienv, id)
	if err != nil {
		return nil, o.abort(rt, err)
	}
	order, err := StartOrder(nenv)
	if err != nil {
		return nil, o.abort(rt, err)
	}

	labels := map[string]string{
		machine.LabelWorkspaceID: ws,
		machine.LabelEnvName:     id.EnvName,
		machine.LabelOwner:       id.Owner,
	}
	if err := o.Engine.CreateNetwork(startCtx, nenv.Network, labels); err != nil {
		return nil, o.abort(rt, errdefs.Infrastructuref(err, "workspace %q: create network", ws))
	}
	rt.mu.Lock()
	rt.network = nenv.Network
	rt.mu.Unlock()

	starter := *o.Starter
	onPhase := starter.OnPhase
	starter.OnPhase = func(name string, p machine.Phase, err error) {
		ev := Event{Type: EventMachinePhase, Workspace: ws, Machine: name, Phase: string(p)}
		if err != nil {
			ev.Error = err.Error()
		}
		rt.Events.Publish(ev)
		if onPhase != nil {
			onPhase(name, p, err)
		}
	}

	dev := o.devMachine(env)
	for _, name := range order {
		m, err := starter.Start(startCtx, nenv.Network, name, nenv.Services[name], id, name == dev)
		if err != nil {
			rt.Events.Publish(Event{Type: EventMachineFailed, Workspace: ws, Machine: name, Error: err.Error()})
			return nil, o.abort(rt, err)
		}
		rt.addMachine(m)
		rt.Events.Publish(Event{Type: EventMachineRunning, Workspace: ws, Machine: name})
	}

	o.startBackground(rt, order)

	for _, name := range order {
		keys := env.Machines[name].Installers
		if len(keys) == 0 {
			continue
		}
		if err := o.bootstrap(startCtx, rt, name, keys); err != nil {
			log.Error("runtime bootstrap failed", slog.String("machine", name), slog.String("error", err.Error()))
			rt.setStatus(spec.RuntimeError, err)
			rt.Events.Publish(Event{Type: EventRuntimeError, Workspace: ws, Machine: name, Status: spec.RuntimeError, Error: err.Error()})
			return rt, err
		}
	}

	rt.setStatus(spec.RuntimeRunning, nil)
	rt.Events.Publish(Event{Type: EventRuntimeUp, Workspace: ws, Status: spec.RuntimeRunning})
	log.Info("runtime running", slog.Int("machines", len(order)))
	return rt, nil
}

func (o *Orchestrator) bootstrap(ctx context.Context, rt *Runtime, name string, keys []string) error {
	if o.Bootstrappers == nil {
		return errdefs.Internalf("machine %q declares installers but no bootstrapper is configured", name)
	}
	insts, err := installer.Sort(o.provisioner().Installers, keys)
	if err != nil {
		return err
	}
	m, ok := rt.Machine(name)
	if !ok {
		return errdefs.Internalf("machine %q was not started", name)
	}
	return o.Bootstrappers.New(name, rt.Identity, m, insts).Bootstrap(ctx)
}

// Stop cancels any in-flight start or bootstrap, waits for it to unwind,
// then destroys every machine and the network. Stopping a stopped runtime
// is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, rt *Runtime) error {
	rt.stopMu.Lock()
	defer rt.stopMu.Unlock()
	if rt.Status() == spec.RuntimeStopped {
		return nil
	}
	log := o.log().With(slog.String("workspace", rt.Identity.WorkspaceID))

	rt.setStatus(spec.RuntimeStopping, rt.Err())
	rt.cancelStart()
	select {
	case <-rt.prepared:
	case <-ctx.Done():
		return errdefs.Infrastructuref(ctx.Err(), "workspace %q: interrupted while waiting for start to finish", rt.Identity.WorkspaceID)
	}

	if err := o.teardown(context.WithoutCancel(ctx), rt); err != nil {
		// The runtime stays registered in ERROR so Stop can be retried.
		log.Error("runtime teardown incomplete", slog.String("error", err.Error()))
		rt.setStatus(spec.RuntimeError, err)
		rt.Events.Publish(Event{Type: EventRuntimeError, Workspace: rt.Identity.WorkspaceID, Status: spec.RuntimeError, Error: err.Error()})
		return err
	}
	rt.setStatus(spec.RuntimeStopped, nil)
	rt.Events.Publish(Event{Type: EventRuntimeDown, Workspace: rt.Identity.WorkspaceID, Status: spec.RuntimeStopped})
	log.Info("runtime stopped")
	return nil
}

// abort rolls back a failed Prepare. Cleanup failures are logged and err is
// returned unchanged; an incompletely rolled back runtime stays registered
// in ERROR until Stop succeeds.
func (o *Orchestrator) abort(rt *Runtime, err error) error {
	ws := rt.Identity.WorkspaceID
	o.log().Error("runtime start failed, rolling back",
		slog.String("workspace", ws),
		slog.String("error", err.Error()))

	terr := o.teardown(context.Background(), rt)
	rt.setStatus(spec.RuntimeError, err)
	rt.Events.Publish(Event{Type: EventRuntimeError, Workspace: ws, Status: spec.RuntimeError, Error: err.Error()})
	if terr != nil {
		// Still registered, so Stop can finish the rollback.
		o.log().Error("rollback incomplete", slog.String("workspace", ws), slog.String("error", terr.Error()))
		return err
	}
	rt.Events.Publish(Event{Type: EventRuntimeDown, Workspace: ws})
	return err
}

// teardown stops background work, destroys machines concurrently, removes
// the network and unregisters the runtime. On failure the runtime stays
// registered and teardown can run again.
func (o *Orchestrator) teardown(ctx context.Context, rt *Runtime) error {
	rt.mu.Lock()
	cancelBackground, background := rt.cancelBackground, rt.background
	rt.mu.Unlock()
	cancelBackground()
	<-background

	machines := rt.Machines()
	p := pool.New().WithContext(ctx)
	for _, name := range slices.Sorted(maps.Keys(machines)) {
		m := machines[name]
		p.Go(func(ctx context.Context) error {
			if err := m.Destroy(ctx); err != nil {
				return err
			}
			rt.Events.Publish(Event{Type: EventMachineStopped, Workspace: rt.Identity.WorkspaceID, Machine: name})
			return nil
		})
	}
	err := p.Wait()

	if network := rt.Network(); network != "" {
		if nerr := o.Engine.RemoveNetwork(ctx, network); nerr != nil && !errors.Is(nerr, engine.ErrNotFound) {
			err = errors.Join(err, errdefs.Infrastructuref(nerr, "workspace %q: remove network %q", rt.Identity.WorkspaceID, network))
		}
	}

	if err != nil {
		return err
	}
	rt.mu.Lock()
	unsubscribe := rt.unsubscribe
	rt.unsubscribe = nil
	rt.mu.Unlock()
	for _, u := range unsubscribe {
		u()
	}
	o.Registry.Remove(rt)
	return nil
}

// forwardEvents copies the runtime's bootstrap statuses and installer output
// into its event log.
func (o *Orchestrator) forwardEvents(rt *Runtime) []func() {
	var unsubscribe []func()
	ws := rt.Identity.WorkspaceID
	if o.Bootstrappers != nil && o.Bootstrappers.Bus != nil {
		unsubscribe = append(unsubscribe, o.Bootstrappers.Bus.Subscribe(func(_ context.Context, ev spec.BootstrapperStatusEvent) {
			if ev.RuntimeID != rt.Identity {
				return
			}
			typ := EventBootstrapStarting
			switch ev.Status {
			case spec.BootstrapperDone:
				typ = EventBootstrapDone
			case spec.BootstrapperFailed:
				typ = EventBootstrapFailed
			}
			rt.Events.Publish(Event{Type: typ, Workspace: ws, Machine: ev.MachineName, Error: ev.Error})
		}))
	}
	if o.InstallerLogs != nil {
		unsubscribe = append(unsubscribe, o.InstallerLogs.Subscribe(func(_ context.Context, ev spec.InstallerLogEvent) {
			if ev.RuntimeID != rt.Identity {
				return
			}
			rt.Events.Publish(Event{
				Type:      EventInstallerLog,
				Workspace: ws,
				Machine:   ev.MachineName,
				Log:       &LogEntry{Stream: ev.Stream, Installer: ev.Installer, Data: ev.Text},
			})
		}))
	}
	return unsubscribe
}

// startBackground follows the logs of every machine and, unless disabled,
// checks their servers, until the runtime is torn down.
func (o *Orchestrator) startBackground(rt *Runtime, order []string) {
	ws := rt.Identity.WorkspaceID
	group := run.Group{}
	for _, name := range order {
		m, ok := rt.Machine(name)
		if !ok {
			continue
		}
		log := o.log().With(slog.String("workspace", ws), slog.String("machine", name))
		lineWriter := func(stream string) *machine.LineWriter {
			return machine.NewLineWriter(func(line string) {
				rt.Events.Publish(Event{
					Type:      EventMachineLog,
					Workspace: ws,
					Machine:   name,
					Log:       &LogEntry{Stream: stream, Data: line},
				})
			})
		}
		stdout, stderr := lineWriter("stdout"), lineWriter("stderr")
		streamer := &machine.LogStreamer{
			Engine:      o.Engine,
			ContainerID: m.ContainerID,
			Stdout:      stdout,
			Stderr:      stderr,
			Log:         log,
		}
		group[name+"/logs"] = keepGroupAlive(log, run.Func(func(ctx context.Context) error {
			defer stdout.Flush()
			defer stderr.Flush()
			return streamer.Run(ctx)
		}))

		if o.ServerCheckPeriod >= 0 && len(m.Servers()) > 0 {
			group[name+"/servers"] = keepGroupAlive(log, &ready.ServersChecker{
				Machine: name,
				Target:  m,
				Period:  o.ServerCheckPeriod,
				Log:     log,
			})
		}
	}
	if len(group) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	rt.mu.Lock()
	rt.cancelBackground = cancel
	rt.background = done
	rt.mu.Unlock()

	go func() {
		defer close(done)
		group.Run(ctx)
	}()
}

// keepGroupAlive runs r and then idles, so a runner that ends on its own
// does not stop the rest of the group.
func keepGroupAlive(log *slog.Logger, r run.Runner) run.Runner {
	return run.Sequence{
		run.Func(func(ctx context.Context) error {
			if err := r.Run(ctx); err != nil {
				log.Warn("background task ended", slog.String("error", err.Error()))
			}
			return nil
		}),
		run.Idle,
	}
}

func (o *Orchestrator) devMachine(env spec.Environment) string {
	devInstaller := o.DevInstaller
	if devInstaller == "" {
		devInstaller = DefaultDevInstaller
	}
	for _, name := range slices.Sorted(maps.Keys(env.Machines)) {
		mc := env.Machines[name]
		if mc.Attributes[AttrDevMachine] == "true" {
			return name
		}
		for _, key := range mc.Installers {
			if id, _ := installer.ParseKey(key); id == devInstaller {
				return name
			}
		}
	}
	return ""
}
