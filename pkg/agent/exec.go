package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cuemby/herd/pkg/log"
)

// ExecRunner runs commands on the host
type ExecRunner struct {
	// Timeout bounds a single command execution (default: 10 minutes)
	Timeout time.Duration
}

// NewExecRunner creates a runner for host commands
func NewExecRunner() *ExecRunner {
	return &ExecRunner{
		Timeout: 10 * time.Minute,
	}
}

// Run executes the command and returns its stdout. A non-zero exit status
// is returned as an error carrying stderr.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	execCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	log.Logger.Debug().
		Str("command", name).
		Strs("args", args).
		Msg("Execute")

	cmd := exec.CommandContext(execCtx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return stdout.Bytes(), fmt.Errorf("%s timed out after %v", name, r.Timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}

	return stdout.Bytes(), nil
}
