package hostconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/herd/pkg/agent"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/retry"
	"github.com/moby/sys/atomicwriter"
	"github.com/rs/zerolog"
)

// DefaultMarker delimits the blocks herd manages inside host files
const DefaultMarker = "# {mark} managed by herd"

// Options are shared by the host configurators
type Options struct {
	// SnapDataDir is the data directory of the MicroK8s snap
	SnapDataDir string
	Runner      agent.Runner
	// Retry wraps the commands that apply a change. Nil runs them once.
	Retry *retry.Executor
}

// host runs the commands of one configurator
type host struct {
	snapDataDir string
	runner      agent.Runner
	retry       *retry.Executor
	logger      zerolog.Logger
}

func newHost(opts Options, component string) host {
	executor := opts.Retry
	if executor == nil {
		executor = retry.NewExecutor(retry.Config{Attempts: 1})
	}
	return host{
		snapDataDir: opts.SnapDataDir,
		runner:      opts.Runner,
		retry:       executor,
		logger:      log.WithComponent(component),
	}
}

// run executes a command under the retry policy
func (h host) run(ctx context.Context, op, name string, args ...string) error {
	_, err := h.output(ctx, op, name, args...)
	return err
}

// output executes a command under the retry policy and returns its output
func (h host) output(ctx context.Context, op, name string, args ...string) ([]byte, error) {
	return retry.DoValue(ctx, h.retry, op, func(ctx context.Context) ([]byte, error) {
		return h.runner.Run(ctx, name, args...)
	})
}

// ensureBlockFile keeps block as the managed block of the file at path
func ensureBlockFile(path, block string) (bool, error) {
	existing, err := ReadFile(path)
	if err != nil {
		return false, err
	}
	return EnsureFile(path, []byte(EnsureBlock(existing, block, DefaultMarker)), 0600)
}

// removeFile deletes path if it exists
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// EnsureBlock returns a copy of data that contains block exactly once,
// surrounded by marker lines. "{mark}" in marker is replaced with "begin"
// and "end". An existing managed block is replaced in place.
func EnsureBlock(data, block, marker string) string {
	begin, end := "\n", "\n"
	if marker != "" {
		begin = "\n" + strings.ReplaceAll(marker, "{mark}", "begin") + "\n"
		end = "\n" + strings.ReplaceAll(marker, "{mark}", "end") + "\n"
	}

	bi := strings.LastIndex(data, begin)
	if bi == -1 {
		return data + begin + block + end
	}
	ei := strings.Index(data[bi+1:], end)
	if ei == -1 {
		return data + begin + block + end
	}
	ei += bi + 1

	return data[:bi] + begin + block + data[ei:]
}

// EnsureFile makes sure path holds exactly data with the given permissions,
// creating parent directories as needed. Returns true when the contents
// changed.
func EnsureFile(path string, data []byte, perm os.FileMode) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	existing, err := os.ReadFile(path)
	switch {
	case err == nil && bytes.Equal(existing, data):
		if err := os.Chmod(path, perm); err != nil {
			return false, fmt.Errorf("failed to set permissions on %s: %w", path, err)
		}
		return false, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := atomicwriter.WriteFile(path, data, perm); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// ReadFile returns the contents of path, or an empty string if it does not exist
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}
