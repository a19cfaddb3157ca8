package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/matgreaves/wsrig/internal/config"
	"github.com/matgreaves/wsrig/spec"
)

func newEstimateCmd() *cobra.Command {
	var id spec.RuntimeIdentity
	cmd := &cobra.Command{
		Use:   "estimate <environment-file>",
		Short: "Print the services and start order an environment resolves to",
		Long: `estimate parses the environment's recipes, applies installers and
computes the start order without touching the container engine.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := readEnvironment(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			orch, _, err := buildOrchestrator(cfg, nil, newLogger(cfg.LogLevel))
			if err != nil {
				return err
			}
			ienv, order, err := orch.Estimate(cmd.Context(), env, id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"order": order, "environment": ienv})
		},
	}
	identityFlags(cmd, &id)
	return cmd
}

func identityFlags(cmd *cobra.Command, id *spec.RuntimeIdentity) {
	cmd.Flags().StringVar(&id.WorkspaceID, "workspace", "local", "workspace id")
	cmd.Flags().StringVar(&id.EnvName, "env", "default", "environment name")
	cmd.Flags().StringVar(&id.Owner, "owner", os.Getenv("USER"), "workspace owner")
}

func readEnvironment(path string) (spec.Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return spec.Environment{}, err
	}
	env, err := spec.DecodeEnvironment(data)
	if err != nil {
		return spec.Environment{}, fmt.Errorf("%s: %w", path, err)
	}
	return env, nil
}
