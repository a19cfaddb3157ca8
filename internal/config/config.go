// Package config loads wsrig process configuration from WSRIG_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/matgreaves/wsrig/server/machine"
)

// Config is the process configuration.
type Config struct {
	// Addr is the HTTP listen address for the API and push endpoint.
	Addr string
	// PublicURL is the base URL machines use to reach Addr, e.g.
	// "ws://172.17.0.1:8090". The push endpoint is PublicURL + "/bootstrapper".
	PublicURL string

	BootstrapperBinary string
	InstallersDir      string
	InstallDir         string
	BootstrapTimeout   time.Duration
	InstallerTimeout   time.Duration
	ServerCheckPeriod  time.Duration

	RecipePattern string
	RecipeToken   string
	DefaultMemory int64
	DevInstaller  string

	Machine machine.Settings

	LogLevel string
}

// Load reads the configuration from the environment, applying defaults and
// checking required values.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	cfg := &Config{
		Addr:               p.str("WSRIG_ADDR", "127.0.0.1:8090"),
		PublicURL:          p.str("WSRIG_PUBLIC_URL", ""),
		BootstrapperBinary: p.str("WSRIG_BOOTSTRAPPER_BINARY", ""),
		InstallersDir:      p.str("WSRIG_INSTALLERS_DIR", ""),
		InstallDir:         p.str("WSRIG_INSTALL_DIR", "/tmp/bootstrapper"),
		BootstrapTimeout:   p.duration("WSRIG_BOOTSTRAP_TIMEOUT", 10*time.Minute),
		InstallerTimeout:   p.duration("WSRIG_INSTALLER_TIMEOUT", 3*time.Minute),
		ServerCheckPeriod:  p.duration("WSRIG_SERVER_CHECK_PERIOD", 3*time.Second),
		RecipePattern:      p.str("WSRIG_RECIPE_URL_PATTERN", ""),
		RecipeToken:        p.str("WSRIG_RECIPE_TOKEN", ""),
		DefaultMemory:      p.int("WSRIG_DEFAULT_MEMORY", 2<<30),
		DevInstaller:       p.str("WSRIG_DEV_INSTALLER", "wsagent"),
		LogLevel:           p.str("WSRIG_LOG_LEVEL", "info"),
		Machine: machine.Settings{
			Common: machine.ClassSettings{
				ExposedPorts: p.list("WSRIG_EXPOSED_PORTS"),
				Volumes:      p.list("WSRIG_VOLUMES"),
				Env:          p.env("WSRIG_ENV"),
			},
			Dev: machine.ClassSettings{
				ExposedPorts: p.list("WSRIG_DEV_EXPOSED_PORTS"),
				Volumes:      p.list("WSRIG_DEV_VOLUMES"),
				Env:          p.env("WSRIG_DEV_ENV"),
			},
			ExtraHosts:           p.list("WSRIG_EXTRA_HOSTS"),
			DNS:                  p.list("WSRIG_DNS"),
			CgroupParent:         p.str("WSRIG_CGROUP_PARENT", ""),
			CPUPeriod:            p.int("WSRIG_CPU_PERIOD", 0),
			CPUQuota:             p.int("WSRIG_CPU_QUOTA", 0),
			CPUSet:               p.str("WSRIG_CPUSET", ""),
			PidsLimit:            p.int("WSRIG_PIDS_LIMIT", 0),
			MemorySwapMultiplier: p.float("WSRIG_MEMORY_SWAP_MULTIPLIER", 0),
			ForcePull:            p.bool("WSRIG_FORCE_PULL", false),
			LabelPrefix:          p.str("WSRIG_LABEL_PREFIX", ""),
		},
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "ws://" + cfg.Addr
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}

	if cfg.BootstrapperBinary != "" && !filepath.IsAbs(cfg.BootstrapperBinary) {
		path, err := filepath.Abs(cfg.BootstrapperBinary)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path of bootstrapper binary: %w", err)
		}
		cfg.BootstrapperBinary = path
	}
	return cfg, nil
}

// RequireBootstrapper reports an error when no bootstrapper binary is
// configured. Only commands that start runtimes need one.
func (c *Config) RequireBootstrapper() error {
	if c.BootstrapperBinary == "" {
		return errors.New("WSRIG_BOOTSTRAPPER_BINARY env variable required")
	}
	return nil
}

// PushEndpoint returns the base URL bootstrappers report to.
func (c *Config) PushEndpoint() string {
	return strings.TrimSuffix(c.PublicURL, "/") + "/bootstrapper"
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) int(key string, def int64) int64 {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

// list splits a comma-separated value, dropping empty items.
func (p *parser) list(key string) []string {
	var out []string
	for _, item := range strings.Split(p.getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// env parses a comma-separated list of KEY=VALUE pairs.
func (p *parser) env(key string) map[string]string {
	items := p.list(key)
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok || k == "" {
			p.errs = append(p.errs, fmt.Errorf("%s: malformed entry %q", key, item))
			continue
		}
		out[k] = v
	}
	return out
}
