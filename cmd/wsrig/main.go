// Command wsrig runs workspace runtimes on a local Docker engine.
package main

import (
	"errors"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/matgreaves/wsrig/errdefs"
)

// Exit codes by failure kind.
const (
	exitError          = 1
	exitValidation     = 2
	exitSourceNotFound = 3
	exitTimeout        = 4
)

func main() {
	root := &cobra.Command{
		Use:   "wsrig",
		Short: "Run workspace runtimes on a container engine",
		Long: `wsrig turns a workspace environment (machines, recipes and installers)
into a running set of containers on one private network, bootstraps the
installers inside them and tears everything down on request.

Configuration is read from WSRIG_* environment variables and a local .env file.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newEstimateCmd(), newUpCmd())

	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var e *errdefs.Error
	if !errors.As(err, &e) {
		return exitError
	}
	switch e.Kind {
	case errdefs.KindValidation:
		return exitValidation
	case errdefs.KindSourceNotFound:
		return exitSourceNotFound
	case errdefs.KindTimeout:
		return exitTimeout
	}
	return exitError
}
