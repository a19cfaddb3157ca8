// Package bootstrap installs agents into a running machine. It copies the
// bootstrapper executable and its installer list into the container, runs
// it detached and waits for the status event the bootstrapper pushes back.
package bootstrap

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/installer"
	"github.com/matgreaves/wsrig/server/event"
	"github.com/matgreaves/wsrig/spec"
)

const (
	binaryName = "bootstrapper"
	configName = "config.json"
)

// Config holds the settings shared by every Bootstrapper of a Factory.
type Config struct {
	// BinaryPath is the host path of the bootstrapper executable.
	BinaryPath string
	// InstallDir is the directory inside the machine the archive is
	// extracted into.
	InstallDir string
	// Timeout bounds the wait for the DONE or FAILED event.
	Timeout time.Duration
	// InstallerTimeout bounds each installer inside the machine.
	InstallerTimeout time.Duration
	// ServerCheckPeriod is how often the bootstrapper checks installer
	// servers.
	ServerCheckPeriod time.Duration
	// EndpointBase is the websocket URL machines push events to, without
	// the trailing counter, e.g. ws://host:8080/bootstrapper.
	EndpointBase string
}

func (c Config) withDefaults() Config {
	if c.InstallDir == "" {
		c.InstallDir = "/tmp/bootstrapper"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.InstallerTimeout <= 0 {
		c.InstallerTimeout = 3 * time.Minute
	}
	if c.ServerCheckPeriod <= 0 {
		c.ServerCheckPeriod = 3 * time.Second
	}
	return c
}

// Target is the machine a Bootstrapper installs into.
type Target interface {
	PutResource(ctx context.Context, dir string, archive io.Reader) error
	ExecDetached(ctx context.Context, cmd []string) error
}

// Factory creates Bootstrappers that share one status bus and one endpoint
// counter.
type Factory struct {
	Bus    *event.Bus[spec.BootstrapperStatusEvent]
	Config Config
	Log    *slog.Logger

	counter atomic.Int64
}

func (f *Factory) log() *slog.Logger {
	if f.Log != nil {
		return f.Log
	}
	return slog.Default().With(slog.String("component", "bootstrapper"))
}

// New returns a Bootstrapper for one machine. installers must already be in
// dependency order.
func (f *Factory) New(machineName string, id spec.RuntimeIdentity, target Target, installers []installer.Installer) *Bootstrapper {
	return &Bootstrapper{
		machineName: machineName,
		id:          id,
		target:      target,
		installers:  installers,
		bus:         f.Bus,
		cfg:         f.Config.withDefaults(),
		endpoint:    f.Config.EndpointBase + "/" + strconv.FormatInt(f.counter.Add(1), 10),
		log: f.log().With(
			slog.String("machine", machineName),
			slog.String("workspace", id.WorkspaceID),
		),
	}
}

// Bootstrapper runs the bootstrapper process of one machine.
type Bootstrapper struct {
	machineName string
	id          spec.RuntimeIdentity
	target      Target
	installers  []installer.Installer
	bus         *event.Bus[spec.BootstrapperStatusEvent]
	cfg         Config
	endpoint    string
	log         *slog.Logger

	used atomic.Bool
}

// Endpoint returns the push endpoint URL handed to the bootstrapper.
func (b *Bootstrapper) Endpoint() string {
	return b.endpoint
}

// Bootstrap injects the bootstrapper, starts it and waits until it reports
// DONE or FAILED, the timeout elapses, or ctx is done. It may be called once.
func (b *Bootstrapper) Bootstrap(ctx context.Context) error {
	if !b.used.CompareAndSwap(false, true) {
		return errdefs.Internalf("bootstrapper for machine %q already used", b.machineName)
	}

	archive, err := b.archive()
	if err != nil {
		return errdefs.Infrastructuref(err, "machine %q: prepare bootstrapper", b.machineName)
	}
	if err := b.target.PutResource(ctx, b.cfg.InstallDir, archive); err != nil {
		return err
	}

	// Subscribe before starting the process so a fast DONE is not missed.
	done := make(chan spec.BootstrapperStatusEvent, 1)
	unsubscribe := b.bus.Subscribe(func(_ context.Context, ev spec.BootstrapperStatusEvent) {
		if ev.MachineName != b.machineName || ev.RuntimeID != b.id || !ev.Status.Terminal() {
			return
		}
		select {
		case done <- ev:
		default:
		}
	})
	defer unsubscribe()

	b.log.Info("starting bootstrapper", slog.String("endpoint", b.endpoint), slog.Int("installers", len(b.installers)))
	if err := b.target.ExecDetached(ctx, b.command()); err != nil {
		return err
	}

	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()

	select {
	case ev := <-done:
		if ev.Status == spec.BootstrapperFailed {
			msg := ev.Error
			if msg == "" {
				msg = "no error reported"
			}
			b.log.Error("bootstrapping failed", slog.String("error", msg))
			return errdefs.Infrastructuref(errors.New(msg), "machine %q: bootstrapping failed", b.machineName)
		}
		b.log.Info("bootstrapping done")
		return nil
	case <-timer.C:
		b.log.Error("bootstrapping timed out", slog.Duration("timeout", b.cfg.Timeout))
		return errdefs.Timeoutf("bootstrapping of machine %q timed out after %s", b.machineName, b.cfg.Timeout)
	case <-ctx.Done():
		return errdefs.Infrastructuref(ctx.Err(), "machine %q: bootstrapping interrupted", b.machineName)
	}
}

func (b *Bootstrapper) command() []string {
	return []string{
		path.Join(b.cfg.InstallDir, binaryName),
		"-machine-name", b.machineName,
		"-runtime-id", b.id.String(),
		"-push-endpoint", b.endpoint,
		"-push-logs-endpoint", b.endpoint,
		"-server-check-period", strconv.Itoa(int(b.cfg.ServerCheckPeriod / time.Second)),
		"-installer-timeout", strconv.Itoa(int(b.cfg.InstallerTimeout / time.Second)),
		"-file", path.Join(b.cfg.InstallDir, configName),
	}
}

// archive returns a tar holding the executable and the installer list.
func (b *Bootstrapper) archive() (io.Reader, error) {
	bin, err := os.ReadFile(b.cfg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("read bootstrapper binary: %w", err)
	}
	installers := b.installers
	if installers == nil {
		installers = []installer.Installer{}
	}
	config, err := json.Marshal(installers)
	if err != nil {
		return nil, fmt.Errorf("encode installer config: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range []struct {
		name string
		mode int64
		data []byte
	}{
		{binaryName, 0o755, bin},
		{configName, 0o644, config},
	} {
		if err := tw.WriteHeader(&tar.Header{Name: f.name, Mode: f.mode, Size: int64(len(f.data)), ModTime: time.Now()}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
