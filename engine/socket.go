package engine

import (
	"os"
	"path/filepath"

	"github.com/docker/docker/client"
)

// newDockerAPIClient creates a Docker API client. If DOCKER_HOST is not set,
// it tries common socket paths so Docker Desktop and colima work without
// extra configuration.
func newDockerAPIClient() (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}

	// Pass the host via client options rather than os.Setenv, which is not
	// safe for concurrent use.
	if os.Getenv("DOCKER_HOST") == "" {
		if sock := findSocket(); sock != "" {
			opts = append(opts, client.WithHost("unix://"+sock))
		}
	}

	return client.NewClientWithOpts(opts...)
}

// findSocket returns the first existing Docker socket path, or "".
func findSocket() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}

	candidates := []string{
		"/var/run/docker.sock",
	}
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".docker", "run", "docker.sock"),
			filepath.Join(home, ".colima", "default", "docker.sock"),
		)
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
