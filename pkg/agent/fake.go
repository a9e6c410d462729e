package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/herd/pkg/types"
)

// Call is one recorded agent invocation
type Call struct {
	Op  string
	Arg string
}

func (c Call) String() string {
	if c.Arg == "" {
		return c.Op
	}
	return c.Op + "(" + c.Arg + ")"
}

// Fake is an in-memory ClusterAgent that records calls. Failures are
// injected per operation name.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	failures map[string]error
	statuses map[string]types.NodeStatus
	tokens   int
}

// NewFake creates a fake agent whose nodes all report Ready
func NewFake() *Fake {
	return &Fake{
		failures: make(map[string]error),
		statuses: make(map[string]types.NodeStatus),
	}
}

// Fail makes every call of op return err until cleared with a nil err
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// SetNodeStatus sets the status returned for hostname
func (f *Fake) SetNodeStatus(hostname string, status types.NodeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[hostname] = status
}

// Calls returns a copy of the recorded calls
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded calls of op
func (f *Fake) CallsTo(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) record(op, arg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Arg: arg})
	return f.failures[op]
}

func (f *Fake) Install(context.Context) error   { return f.record("install", "") }
func (f *Fake) WaitReady(context.Context) error { return f.record("wait-ready", "") }
func (f *Fake) Leave(context.Context) error     { return f.record("leave", "") }
func (f *Fake) Uninstall(context.Context) error { return f.record("uninstall", "") }

func (f *Fake) Join(_ context.Context, url string, asWorker bool) error {
	arg := url
	if asWorker {
		arg += " --worker"
	}
	return f.record("join", arg)
}

func (f *Fake) AddNode(context.Context) (string, error) {
	if err := f.record("add-node", ""); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens++
	return fmt.Sprintf("token%d", f.tokens), nil
}

func (f *Fake) RemoveNode(_ context.Context, hostname string) error {
	return f.record("remove-node", hostname)
}

func (f *Fake) NodeStatus(_ context.Context, hostname string) (types.NodeStatus, error) {
	if err := f.record("node-status", hostname); err != nil {
		return types.NodeStatus{Condition: types.NodeUnknown}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[hostname]; ok {
		return s, nil
	}
	return types.NodeStatus{Condition: types.NodeReady}, nil
}

func (f *Fake) EnableAddon(_ context.Context, spec string) error {
	return f.record("enable", spec)
}

func (f *Fake) DisableAddon(_ context.Context, name string) error {
	return f.record("disable", name)
}
