// Package ready checks the servers declared on machines.
package ready

import (
	"context"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/matgreaves/wsrig/server/machine"
	"github.com/matgreaves/wsrig/spec"
)

// DefaultCheckPeriod is the default interval between server checks.
const DefaultCheckPeriod = 10 * time.Second

// Checker performs a single check against host:port.
type Checker interface {
	Check(ctx context.Context, addr string) error
}

// ForServer returns the Checker for a server protocol.
func ForServer(protocol, path string) Checker {
	switch protocol {
	case "http", "https", "ws", "wss":
		return &HTTP{Path: path, TLS: protocol == "https" || protocol == "wss"}
	case "grpc":
		return GRPC{}
	default:
		return TCP{}
	}
}

// Target is what a ServersChecker observes and updates.
type Target interface {
	Servers() map[string]machine.Server
	SetServerStatus(ref string, status spec.ServerStatus)
}

// ServersChecker periodically checks every server of a machine and records
// RUNNING or STOPPED on it.
type ServersChecker struct {
	Machine string
	Target  Target
	Period  time.Duration
	Log     *slog.Logger
}

// Run implements run.Runner. It checks once immediately, then every Period
// until ctx is cancelled.
func (c *ServersChecker) Run(ctx context.Context) error {
	period := c.Period
	if period <= 0 {
		period = DefaultCheckPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		c.CheckOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// CheckOnce checks every server once.
func (c *ServersChecker) CheckOnce(ctx context.Context) {
	servers := c.Target.Servers()
	refs := make([]string, 0, len(servers))
	for ref := range servers {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	for _, ref := range refs {
		srv := servers[ref]
		u, err := url.Parse(srv.URL)
		if err != nil || u.Host == "" {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, time.Second)
		err = ForServer(srv.Protocol, srv.Path).Check(checkCtx, u.Host)
		cancel()
		if ctx.Err() != nil {
			return
		}

		status := spec.ServerRunning
		if err != nil {
			status = spec.ServerStopped
		}
		if status != srv.Status {
			c.log().Info("server status changed",
				slog.String("machine", c.Machine),
				slog.String("server", ref),
				slog.String("status", string(status)))
		}
		c.Target.SetServerStatus(ref, status)
	}
}

func (c *ServersChecker) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default().With(slog.String("component", "servers-checker"))
}
