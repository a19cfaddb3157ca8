package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matgreaves/wsrig/spec"
)

func newUpCmd() *cobra.Command {
	var id spec.RuntimeIdentity
	cmd := &cobra.Command{
		Use:   "up <environment-file>",
		Short: "Start an environment and keep it running until interrupted",
		Long: `up starts every machine of the environment, bootstraps its installers
and prints the runtime. The runtime is stopped on SIGINT or SIGTERM.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := readEnvironment(args[0])
			if err != nil {
				return err
			}
			return runUp(cmd, env, id)
		},
	}
	identityFlags(cmd, &id)
	return cmd
}

func runUp(cmd *cobra.Command, env spec.Environment, id spec.RuntimeIdentity) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, log, err := newStack(ctx, true)
	if err != nil {
		return err
	}
	defer st.Close()

	// Bootstrappers report back over the push endpoint.
	ln, err := net.Listen("tcp", st.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	httpSrv := &http.Server{Handler: st.api}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("push endpoint stopped", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	rt, prepErr := st.orch.Prepare(ctx, env, id)
	if rt == nil {
		return prepErr
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.Encode(rt.Info())

	if prepErr == nil {
		log.Info("runtime running, interrupt to stop", slog.String("workspace", id.WorkspaceID))
		<-ctx.Done()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := st.orch.Stop(stopCtx, rt); err != nil {
		return errors.Join(prepErr, err)
	}
	return prepErr
}
