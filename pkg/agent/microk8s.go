package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/types"
	"github.com/rs/zerolog"
)

const (
	DefaultSnapDir     = "/snap/microk8s/current"
	DefaultSnapDataDir = "/var/snap/microk8s/current"

	readyJSONPath = "jsonpath={.status.conditions[?(@.type=='Ready')]}"
)

// Options configures the MicroK8s agent
type Options struct {
	Channel     string
	SnapDir     string
	SnapDataDir string
	// WaitTimeout is passed to "microk8s status --wait-ready" in seconds
	WaitTimeout int
	Runner      Runner
}

// MicroK8s drives the microk8s snap through its command line
type MicroK8s struct {
	channel     string
	snapDir     string
	snapDataDir string
	waitTimeout int
	runner      Runner
	logger      zerolog.Logger
}

// NewMicroK8s creates a MicroK8s agent, filling in defaults for zero values
func NewMicroK8s(opts Options) *MicroK8s {
	if opts.SnapDir == "" {
		opts.SnapDir = DefaultSnapDir
	}
	if opts.SnapDataDir == "" {
		opts.SnapDataDir = DefaultSnapDataDir
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30
	}
	if opts.Runner == nil {
		opts.Runner = NewExecRunner()
	}
	return &MicroK8s{
		channel:     opts.Channel,
		snapDir:     opts.SnapDir,
		snapDataDir: opts.SnapDataDir,
		waitTimeout: opts.WaitTimeout,
		runner:      opts.Runner,
		logger:      log.WithComponent("microk8s"),
	}
}

// Install runs "snap install microk8s"
func (m *MicroK8s) Install(ctx context.Context) error {
	m.logger.Info().Str("channel", m.channel).Msg("Installing MicroK8s")

	args := []string{"install", "microk8s", "--classic"}
	if m.channel != "" {
		args = append(args, "--channel", m.channel)
	}
	_, err := m.runner.Run(ctx, "snap", args...)
	return err
}

// WaitReady runs "microk8s status --wait-ready"
func (m *MicroK8s) WaitReady(ctx context.Context) error {
	m.logger.Info().Msg("Waiting for MicroK8s to become ready")
	_, err := m.runner.Run(ctx, "microk8s", "status", "--wait-ready", "--timeout="+strconv.Itoa(m.waitTimeout))
	return err
}

// Join runs "microk8s join"
func (m *MicroK8s) Join(ctx context.Context, url string, asWorker bool) error {
	m.logger.Info().Bool("worker", asWorker).Msg("Joining cluster")

	args := []string{"join", url}
	if asWorker {
		args = append(args, "--worker")
	}
	_, err := m.runner.Run(ctx, "microk8s", args...)
	return err
}

// Leave runs "microk8s leave"
func (m *MicroK8s) Leave(ctx context.Context) error {
	m.logger.Info().Msg("Leaving cluster")
	_, err := m.runner.Run(ctx, "microk8s", "leave")
	return err
}

// Uninstall runs "snap remove microk8s --purge"
func (m *MicroK8s) Uninstall(ctx context.Context) error {
	m.logger.Info().Msg("Uninstalling MicroK8s")
	_, err := m.runner.Run(ctx, "snap", "remove", "microk8s", "--purge")
	return err
}

// AddNode generates a token and appends it to the persistent cluster tokens
func (m *MicroK8s) AddNode(_ context.Context) (string, error) {
	m.logger.Info().Msg("Generating token for new node")

	token, err := GenerateToken()
	if err != nil {
		return "", err
	}

	path := filepath.Join(m.snapDataDir, "credentials", "persistent-cluster-tokens.txt")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create credentials directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to open cluster tokens: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(token + "\n"); err != nil {
		return "", fmt.Errorf("failed to write cluster token: %w", err)
	}
	return token, nil
}

// RemoveNode runs "microk8s remove-node --force"
func (m *MicroK8s) RemoveNode(ctx context.Context, hostname string) error {
	m.logger.Info().Str("hostname", hostname).Msg("Removing node from cluster")
	_, err := m.runner.Run(ctx, "microk8s", "remove-node", hostname, "--force")
	return err
}

// NodeStatus reads the node Ready condition using the kubelet credentials,
// which works on worker nodes too
func (m *MicroK8s) NodeStatus(ctx context.Context, hostname string) (types.NodeStatus, error) {
	out, err := m.runner.Run(ctx,
		filepath.Join(m.snapDir, "kubectl"),
		"--kubeconfig="+filepath.Join(m.snapDataDir, "credentials", "kubelet.config"),
		"get", "node", hostname,
		"-o", readyJSONPath,
	)
	if err != nil {
		return types.NodeStatus{Condition: types.NodeUnknown}, err
	}
	return ParseReadyCondition(out)
}

// EnableAddon runs "microk8s enable"
func (m *MicroK8s) EnableAddon(ctx context.Context, spec string) error {
	m.logger.Info().Str("addon", spec).Msg("Enabling addon")
	_, err := m.runner.Run(ctx, "microk8s", "enable", spec)
	return err
}

// DisableAddon runs "microk8s disable"
func (m *MicroK8s) DisableAddon(ctx context.Context, name string) error {
	m.logger.Info().Str("addon", name).Msg("Disabling addon")
	_, err := m.runner.Run(ctx, "microk8s", "disable", name)
	return err
}

type readyCondition struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// ParseReadyCondition decodes the Ready condition printed by kubectl
func ParseReadyCondition(out []byte) (types.NodeStatus, error) {
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return types.NodeStatus{Condition: types.NodeUnknown}, nil
	}

	var c readyCondition
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return types.NodeStatus{Condition: types.NodeUnknown}, fmt.Errorf("failed to decode ready condition: %w", err)
	}

	switch c.Status {
	case "True":
		return types.NodeStatus{Condition: types.NodeReady}, nil
	case "False":
		return types.NodeStatus{Condition: types.NodeNotReady, Reason: c.Reason}, nil
	default:
		return types.NodeStatus{Condition: types.NodeUnknown, Reason: c.Reason}, nil
	}
}
