package hostconfig

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
)

// ProxyConfig is the HTTP proxy environment handed to containerd
type ProxyConfig struct {
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// Lines returns the environment assignments, values shell quoted
func (p ProxyConfig) Lines() []string {
	var lines []string
	if p.HTTPProxy != "" {
		lines = append(lines, "http_proxy="+shellquote.Join(p.HTTPProxy))
	}
	if p.HTTPSProxy != "" {
		lines = append(lines, "https_proxy="+shellquote.Join(p.HTTPSProxy))
	}
	if p.NoProxy != "" {
		lines = append(lines, "no_proxy="+shellquote.Join(p.NoProxy))
	}
	return lines
}

// DefaultContainerdEnvPath returns the containerd environment file of the snap
func DefaultContainerdEnvPath(snapDataDir string) string {
	return filepath.Join(snapDataDir, "args", "containerd-env")
}

// Containerd manages the containerd environment, registry mirrors and
// registry credentials of the snap
type Containerd struct {
	host
	envPath      string
	templatePath string
	certsDir     string
}

// NewContainerd creates a containerd configurator. An empty envPath
// selects the environment file of the snap.
func NewContainerd(envPath string, opts Options) *Containerd {
	if envPath == "" {
		envPath = DefaultContainerdEnvPath(opts.SnapDataDir)
	}
	return &Containerd{
		host:         newHost(opts, "containerd"),
		envPath:      envPath,
		templatePath: filepath.Join(opts.SnapDataDir, "args", "containerd-template.toml"),
		certsDir:     filepath.Join(opts.SnapDataDir, "args", "certs.d"),
	}
}

// ApplyProxy writes the proxy block into the containerd environment and
// restarts containerd when the file changed. Returns true on change.
func (c *Containerd) ApplyProxy(ctx context.Context, proxy ProxyConfig) (bool, error) {
	lines := proxy.Lines()
	if len(lines) == 0 {
		c.logger.Debug().Msg("No containerd proxy configuration specified")
		return false, nil
	}

	changed, err := ensureBlockFile(c.envPath, strings.Join(lines, "\n"))
	if err != nil || !changed {
		return false, err
	}

	c.logger.Info().
		Strs("config", lines).
		Msg("Restarting containerd to apply proxy configuration")
	return true, c.restart(ctx)
}

func (c *Containerd) restart(ctx context.Context) error {
	return c.run(ctx, "restart-containerd", "snap", "restart", "microk8s.daemon-containerd")
}
