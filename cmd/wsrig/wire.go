package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/matgreaves/wsrig/engine"
	"github.com/matgreaves/wsrig/installer"
	"github.com/matgreaves/wsrig/internal/config"
	"github.com/matgreaves/wsrig/server"
	"github.com/matgreaves/wsrig/server/bootstrap"
	"github.com/matgreaves/wsrig/server/event"
	"github.com/matgreaves/wsrig/server/machine"
	"github.com/matgreaves/wsrig/server/provision"
	"github.com/matgreaves/wsrig/server/recipe"
	"github.com/matgreaves/wsrig/spec"
)

// stack is the wired orchestrator with the handlers that serve it.
type stack struct {
	cfg    *config.Config
	engine *engine.Docker
	orch   *server.Orchestrator
	api    *server.Server
}

func (s *stack) Close() error {
	if s.engine != nil {
		return s.engine.Close()
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// installers loads the installer registry, empty when no directory is
// configured.
func installers(cfg *config.Config) (*installer.MemoryRegistry, error) {
	if cfg.InstallersDir == "" {
		return installer.NewMemoryRegistry(), nil
	}
	return installer.LoadDir(cfg.InstallersDir)
}

// buildOrchestrator wires the orchestrator without connecting to an engine.
func buildOrchestrator(cfg *config.Config, client engine.Client, log *slog.Logger) (*server.Orchestrator, *event.Endpoint, error) {
	reg, err := installers(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("load installers: %w", err)
	}

	var pattern *regexp.Regexp
	if cfg.RecipePattern != "" {
		pattern, err = regexp.Compile(cfg.RecipePattern)
		if err != nil {
			return nil, nil, fmt.Errorf("WSRIG_RECIPE_URL_PATTERN: %w", err)
		}
	}
	downloader := &recipe.HTTPDownloader{Token: cfg.RecipeToken}

	statuses := event.NewBus[spec.BootstrapperStatusEvent]()
	logs := event.NewBus[spec.InstallerLogEvent]()
	push := &event.Endpoint{
		Status: statuses,
		Logs:   logs,
		Log:    log.With(slog.String("component", "push-endpoint")),
	}

	orch := &server.Orchestrator{
		Engine: client,
		Parser: &recipe.Parser{
			Downloader: downloader,
			Log:        log.With(slog.String("component", "recipe-parser")),
		},
		Normalizer: &server.Normalizer{
			DefaultMemLimit: cfg.DefaultMemory,
			RecipePattern:   pattern,
			Downloader:      downloader,
			Log:             log.With(slog.String("component", "normalizer")),
		},
		Provisioner: &provision.Provisioner{
			Installers:  reg,
			LabelPrefix: cfg.Machine.LabelPrefix,
			Log:         log.With(slog.String("component", "provisioner")),
		},
		Starter: &machine.Starter{
			Engine:   client,
			Settings: cfg.Machine,
			Log:      log.With(slog.String("component", "machine-starter")),
		},
		Bootstrappers: &bootstrap.Factory{
			Bus: statuses,
			Config: bootstrap.Config{
				BinaryPath:        cfg.BootstrapperBinary,
				InstallDir:        cfg.InstallDir,
				Timeout:           cfg.BootstrapTimeout,
				InstallerTimeout:  cfg.InstallerTimeout,
				ServerCheckPeriod: cfg.ServerCheckPeriod,
				EndpointBase:      cfg.PushEndpoint(),
			},
			Log: log.With(slog.String("component", "bootstrapper")),
		},
		InstallerLogs:     logs,
		Registry:          server.NewRegistry(),
		DevInstaller:      cfg.DevInstaller,
		ServerCheckPeriod: cfg.ServerCheckPeriod,
		Log:               log.With(slog.String("component", "orchestrator")),
	}
	return orch, push, nil
}

// newStack loads configuration, connects to Docker and wires the API.
func newStack(ctx context.Context, needBootstrapper bool) (*stack, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if needBootstrapper {
		if err := cfg.RequireBootstrapper(); err != nil {
			return nil, nil, err
		}
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	docker, err := engine.NewDocker(ctx)
	if err != nil {
		return nil, nil, err
	}
	orch, push, err := buildOrchestrator(cfg, docker, log)
	if err != nil {
		docker.Close()
		return nil, nil, err
	}
	return &stack{
		cfg:    cfg,
		engine: docker,
		orch:   orch,
		api:    server.NewServer(orch, push, log.With(slog.String("component", "api"))),
	}, log, nil
}
