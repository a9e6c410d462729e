package agent

import (
	"context"

	"github.com/cuemby/herd/pkg/types"
)

// ClusterAgent performs imperative operations against the local cluster
// software. Every call may fail transiently.
type ClusterAgent interface {
	// Install installs the cluster software on the local machine
	Install(ctx context.Context) error
	// WaitReady blocks until the local cluster software reports ready
	WaitReady(ctx context.Context) error
	// Join joins an existing cluster using a token-bearing url
	Join(ctx context.Context, url string, asWorker bool) error
	// Leave leaves the cluster, keeping the software installed
	Leave(ctx context.Context) error
	// Uninstall removes the cluster software and its data
	Uninstall(ctx context.Context) error
	// AddNode registers a new one-time join token and returns it
	AddNode(ctx context.Context) (string, error)
	// RemoveNode removes a departed node from the cluster
	RemoveNode(ctx context.Context, hostname string) error
	// NodeStatus returns the Ready condition of a node
	NodeStatus(ctx context.Context, hostname string) (types.NodeStatus, error)
	// EnableAddon enables an addon given as "name" or "name:argument"
	EnableAddon(ctx context.Context, spec string) error
	// DisableAddon disables an addon by name
	DisableAddon(ctx context.Context, name string) error
}

// Runner executes host commands and returns their standard output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}
