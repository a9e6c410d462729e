package agent

import (
	"context"

	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/retry"
	"github.com/cuemby/herd/pkg/types"
)

// Retrying routes every call of the wrapped agent through a retry executor
// and records the outcome of each call
type Retrying struct {
	next  ClusterAgent
	retry *retry.Executor
}

// NewRetrying wraps next with bounded retry
func NewRetrying(next ClusterAgent, executor *retry.Executor) *Retrying {
	return &Retrying{next: next, retry: executor}
}

func (r *Retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := r.retry.Do(ctx, op, fn)
	record(op, err)
	return err
}

func record(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.AgentCallsTotal.WithLabelValues(op, result).Inc()
}

func (r *Retrying) Install(ctx context.Context) error {
	return r.do(ctx, "install", r.next.Install)
}

func (r *Retrying) WaitReady(ctx context.Context) error {
	return r.do(ctx, "wait-ready", r.next.WaitReady)
}

func (r *Retrying) Join(ctx context.Context, url string, asWorker bool) error {
	return r.do(ctx, "join", func(ctx context.Context) error {
		return r.next.Join(ctx, url, asWorker)
	})
}

func (r *Retrying) Leave(ctx context.Context) error {
	return r.do(ctx, "leave", r.next.Leave)
}

func (r *Retrying) Uninstall(ctx context.Context) error {
	return r.do(ctx, "uninstall", r.next.Uninstall)
}

func (r *Retrying) AddNode(ctx context.Context) (string, error) {
	token, err := retry.DoValue(ctx, r.retry, "add-node", r.next.AddNode)
	record("add-node", err)
	return token, err
}

func (r *Retrying) RemoveNode(ctx context.Context, hostname string) error {
	return r.do(ctx, "remove-node", func(ctx context.Context) error {
		return r.next.RemoveNode(ctx, hostname)
	})
}

func (r *Retrying) NodeStatus(ctx context.Context, hostname string) (types.NodeStatus, error) {
	status, err := retry.DoValue(ctx, r.retry, "node-status", func(ctx context.Context) (types.NodeStatus, error) {
		return r.next.NodeStatus(ctx, hostname)
	})
	record("node-status", err)
	if err != nil {
		return types.NodeStatus{Condition: types.NodeUnknown}, err
	}
	return status, nil
}

func (r *Retrying) EnableAddon(ctx context.Context, spec string) error {
	return r.do(ctx, "enable", func(ctx context.Context) error {
		return r.next.EnableAddon(ctx, spec)
	})
}

func (r *Retrying) DisableAddon(ctx context.Context, name string) error {
	return r.do(ctx, "disable", func(ctx context.Context) error {
		return r.next.DisableAddon(ctx, name)
	})
}
