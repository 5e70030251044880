package transport

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/client"
)

var (
	dockerCli    *client.Client
	dockerOnce   sync.Once
	dockerCliErr error
)

// dockerClient returns a process-wide shared Docker client. The client is
// thread-safe and reuses daemon connections; callers must not Close it.
func dockerClient() (*client.Client, error) {
	dockerOnce.Do(func() {
		dockerCli, dockerCliErr = newDockerClient()
	})
	return dockerCli, dockerCliErr
}

// newDockerClient builds the client from the environment. When DOCKER_HOST
// is unset it probes common socket paths so Docker Desktop installs work
// without extra configuration.
func newDockerClient() (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}

	if os.Getenv("DOCKER_HOST") == "" {
		if sock := findDockerSocket(); sock != "" {
			opts = append(opts, client.WithHost("unix://"+sock))
		}
	}

	return client.NewClientWithOpts(opts...)
}

// findDockerSocket returns the first existing Docker socket path, or "".
func findDockerSocket() string {
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
