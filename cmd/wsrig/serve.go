package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/matgreaves/wsrig/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the runtime API and bootstrapper push endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	st, log, err := newStack(ctx, true)
	if err != nil {
		return err
	}
	defer st.Close()

	ln, err := net.Listen("tcp", st.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("wsrig listening", slog.String("addr", ln.Addr().String()), slog.String("push", st.cfg.PushEndpoint()))

	httpSrv := &http.Server{Handler: h2c.NewHandler(st.api, &http2.Server{})}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	stopAll(st.orch, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// stopAll stops every registered runtime concurrently.
func stopAll(orch *server.Orchestrator, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	p := pool.New().WithContext(ctx)
	for _, rt := range orch.Registry.List() {
		p.Go(func(ctx context.Context) error {
			if err := orch.Stop(ctx, rt); err != nil {
				log.Error("failed to stop runtime",
					slog.String("workspace", rt.Identity.WorkspaceID),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	p.Wait()
}
