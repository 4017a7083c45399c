// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/frtproxy/frt/internal/argv"
	"github.com/frtproxy/frt/internal/logging"
	"github.com/frtproxy/frt/pkg/types"
)

// DefaultCancelGrace bounds how long a terminated local tool may take to exit.
const DefaultCancelGrace = 5 * time.Second

// ErrSelfExec is returned when the local binary resolves to frt itself.
var ErrSelfExec = errors.New("local binary is this proxy")

// LocalRunner runs jobs against the client's own binaries with the
// original argument vector.
type LocalRunner struct {
	// BinaryPaths maps programs to local binaries. Programs without an
	// entry are looked up on PATH.
	BinaryPaths map[argv.Program]string
	// CancelGrace is how long the tool may take to exit after SIGTERM
	// (default: DefaultCancelGrace).
	CancelGrace time.Duration
	// Self is the proxy's own executable (default: os.Executable).
	Self   string
	Logger *log.Logger
}

// Name implements Runner.
func (r *LocalRunner) Name() string { return "local" }

// Run executes job locally and waits for it.
func (r *LocalRunner) Run(ctx context.Context, job *Job) *Result {
	logger := r.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if len(job.Argv) == 0 {
		return NewErrorResult(types.ExitUnavailable, fmt.Errorf("%w: empty argument vector", ErrUnavailable))
	}

	bin, err := r.Resolve(job.Program)
	if err != nil {
		return NewErrorResult(types.ExitUnavailable, fmt.Errorf("%w: %w", ErrUnavailable, err))
	}

	grace := r.CancelGrace
	if grace <= 0 {
		grace = DefaultCancelGrace
	}

	stdin, stdout, cr, cw := wrapStdio(job)
	cmd := exec.CommandContext(ctx, bin, job.Argv[1:]...) //nolint:gosec // binary comes from configuration
	cmd.Args[0] = job.Argv[0]
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = job.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(unix.SIGTERM) }
	cmd.WaitDelay = grace

	logger.Debug("local run", "binary", bin, "args", len(job.Argv)-1)
	if err := cmd.Start(); err != nil {
		return NewErrorResult(types.ExitUnavailable, fmt.Errorf("%w: start %s: %w", ErrUnavailable, bin, err))
	}

	err = cmd.Wait()
	res := &Result{Started: true, StdinRead: cr.count(), StdoutWritten: cw.count()}
	res.ExitCode, res.Signaled = exitStatus(cmd.ProcessState)
	if err != nil && cmd.ProcessState == nil {
		res.ExitCode = types.ExitFailure
		res.Error = fmt.Errorf("wait for %s: %w", bin, err)
	}
	logger.Debug("local run finished", "exit_code", res.ExitCode, "signaled", res.Signaled)
	return res
}

// Resolve finds the local binary for p. It refuses the proxy's own
// executable with ErrSelfExec.
func (r *LocalRunner) Resolve(p argv.Program) (string, error) {
	bin := r.BinaryPaths[p]
	if bin == "" {
		bin = p.String()
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", err
	}

	self := r.Self
	if self == "" {
		if self, err = os.Executable(); err != nil {
			return path, nil //nolint:nilerr // without our own path there is nothing to compare
		}
	}
	if sameFile(path, self) {
		return "", fmt.Errorf("%w: %s", ErrSelfExec, path)
	}
	return path, nil
}

func sameFile(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		return false
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		return false
	}
	if ra == rb {
		return true
	}
	ia, err := os.Stat(ra)
	if err != nil {
		return false
	}
	ib, err := os.Stat(rb)
	if err != nil {
		return false
	}
	return os.SameFile(ia, ib)
}

// exitStatus extracts the shell-style status of a finished process.
// Signalled processes map to 128+signal.
func exitStatus(ps *os.ProcessState) (types.ExitCode, bool) {
	if ps == nil {
		return types.ExitFailure, false
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return types.FromSignal(ws.Signal()), true
	}
	return types.ExitCode(ps.ExitCode()), false
}
