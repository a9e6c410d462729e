package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/herd/pkg/retry"
	"github.com/cuemby/herd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	commands []string
	outputs  map[string]string
	err      error
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")
	r.commands = append(r.commands, cmd)
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.outputs[name]), nil
}

func newTestMicroK8s(t *testing.T, runner *fakeRunner) *MicroK8s {
	t.Helper()
	return NewMicroK8s(Options{
		Channel:     "1.28/stable",
		SnapDir:     "/snap/microk8s/current",
		SnapDataDir: t.TempDir(),
		Runner:      runner,
	})
}

func TestMicroK8sCommands(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		call func(m *MicroK8s) error
		want string
	}{
		{
			name: "install",
			call: func(m *MicroK8s) error { return m.Install(ctx) },
			want: "snap install microk8s --classic --channel 1.28/stable",
		},
		{
			name: "wait ready",
			call: func(m *MicroK8s) error { return m.WaitReady(ctx) },
			want: "microk8s status --wait-ready --timeout=30",
		},
		{
			name: "join control plane",
			call: func(m *MicroK8s) error { return m.Join(ctx, "10.0.0.5:25000/abc123", false) },
			want: "microk8s join 10.0.0.5:25000/abc123",
		},
		{
			name: "join worker",
			call: func(m *MicroK8s) error { return m.Join(ctx, "10.0.0.5:25000/abc123", true) },
			want: "microk8s join 10.0.0.5:25000/abc123 --worker",
		},
		{
			name: "leave",
			call: func(m *MicroK8s) error { return m.Leave(ctx) },
			want: "microk8s leave",
		},
		{
			name: "uninstall",
			call: func(m *MicroK8s) error { return m.Uninstall(ctx) },
			want: "snap remove microk8s --purge",
		},
		{
			name: "remove node",
			call: func(m *MicroK8s) error { return m.RemoveNode(ctx, "node-b") },
			want: "microk8s remove-node node-b --force",
		},
		{
			name: "enable addon",
			call: func(m *MicroK8s) error { return m.EnableAddon(ctx, "metallb:10.0.0.1-10.0.0.9") },
			want: "microk8s enable metallb:10.0.0.1-10.0.0.9",
		},
		{
			name: "disable addon",
			call: func(m *MicroK8s) error { return m.DisableAddon(ctx, "dns") },
			want: "microk8s disable dns",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			m := newTestMicroK8s(t, runner)

			require.NoError(t, tt.call(m))
			assert.Equal(t, []string{tt.want}, runner.commands)
		})
	}
}

func TestMicroK8sInstallWithoutChannel(t *testing.T) {
	runner := &fakeRunner{}
	m := NewMicroK8s(Options{Runner: runner, SnapDataDir: t.TempDir()})

	require.NoError(t, m.Install(context.Background()))
	assert.Equal(t, []string{"snap install microk8s --classic"}, runner.commands)
}

func TestMicroK8sAddNodeAppendsTokens(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestMicroK8s(t, runner)

	first, err := m.AddNode(context.Background())
	require.NoError(t, err)
	second, err := m.AddNode(context.Background())
	require.NoError(t, err)

	assert.Len(t, first, 32)
	assert.NotEqual(t, first, second)

	path := filepath.Join(m.snapDataDir, "credentials", "persistent-cluster-tokens.txt")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first+"\n"+second+"\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.Empty(t, runner.commands)
}

func TestMicroK8sNodeStatus(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"/snap/microk8s/current/kubectl": `{"type":"Ready","status":"False","reason":"KubeletNotReady"}`,
	}}
	m := newTestMicroK8s(t, runner)

	status, err := m.NodeStatus(context.Background(), "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeNotReady, status.Condition)
	assert.Equal(t, "KubeletNotReady", status.Reason)

	require.Len(t, runner.commands, 1)
	assert.Contains(t, runner.commands[0], "get node node-a -o jsonpath=")
	assert.Contains(t, runner.commands[0], "--kubeconfig="+m.snapDataDir+"/credentials/kubelet.config")
}

func TestMicroK8sNodeStatusCommandFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("connection refused")}
	m := newTestMicroK8s(t, runner)

	status, err := m.NodeStatus(context.Background(), "node-a")
	assert.Error(t, err)
	assert.Equal(t, types.NodeUnknown, status.Condition)
}

func TestParseReadyCondition(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    types.NodeStatus
		wantErr bool
	}{
		{
			name:   "ready",
			output: `{"type":"Ready","status":"True","reason":"KubeletReady"}`,
			want:   types.NodeStatus{Condition: types.NodeReady},
		},
		{
			name:   "not ready",
			output: `{"type":"Ready","status":"False","reason":"KubeletNotReady"}`,
			want:   types.NodeStatus{Condition: types.NodeNotReady, Reason: "KubeletNotReady"},
		},
		{
			name:   "unknown",
			output: `{"type":"Ready","status":"Unknown","reason":"NodeStatusUnknown"}`,
			want:   types.NodeStatus{Condition: types.NodeUnknown, Reason: "NodeStatusUnknown"},
		},
		{
			name:   "empty",
			output: "  \n",
			want:   types.NodeStatus{Condition: types.NodeUnknown},
		},
		{
			name:    "garbage",
			output:  "Error from server (NotFound)",
			want:    types.NodeStatus{Condition: types.NodeUnknown},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReadyCondition([]byte(tt.output))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "10.0.0.5:25000/abc123", JoinURL("10.0.0.5", "abc123"))
	assert.Equal(t, "[fd00::5]:25000/abc123", JoinURL("fd00::5", "abc123"))
}

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, err := GenerateToken()
		require.NoError(t, err)
		assert.Len(t, token, 32)
		assert.False(t, seen[token], "tokens must be unique")
		seen[token] = true
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryingRetriesTransientFailures(t *testing.T) {
	fake := NewFake()
	fake.Fail("join", errors.New("snap is busy"))

	executor := retry.NewExecutor(retry.Config{Attempts: 3, Backoff: time.Second}).WithSleep(noSleep)
	r := NewRetrying(fake, executor)

	err := r.Join(context.Background(), "10.0.0.5:25000/abc", true)
	require.Error(t, err)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "join", exhausted.Op)
	assert.Len(t, fake.CallsTo("join"), 3)
}

func TestRetryingPassesThroughValues(t *testing.T) {
	fake := NewFake()
	fake.SetNodeStatus("node-a", types.NodeStatus{Condition: types.NodeNotReady, Reason: "x"})

	executor := retry.NewExecutor(retry.Config{Attempts: 3}).WithSleep(noSleep)
	r := NewRetrying(fake, executor)

	token, err := r.AddNode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token1", token)

	status, err := r.NodeStatus(context.Background(), "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeNotReady, status.Condition)

	require.NoError(t, r.RemoveNode(context.Background(), "node-b"))
	require.NoError(t, r.EnableAddon(context.Background(), "dns"))
	require.NoError(t, r.DisableAddon(context.Background(), "ingress"))

	assert.Equal(t, []Call{
		{Op: "add-node"},
		{Op: "node-status", Arg: "node-a"},
		{Op: "remove-node", Arg: "node-b"},
		{Op: "enable", Arg: "dns"},
		{Op: "disable", Arg: "ingress"},
	}, fake.Calls())
}
