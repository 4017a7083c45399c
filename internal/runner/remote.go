// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/frtproxy/frt/internal/argv"
	"github.com/frtproxy/frt/internal/logging"
	"github.com/frtproxy/frt/internal/transport"
	"github.com/frtproxy/frt/pkg/types"
)

// RemoteRunner runs jobs on the remote host.
type RemoteRunner struct {
	Transport transport.Transport
	// BinaryPaths maps programs to their remote binaries. Programs without
	// an entry run by name on the remote PATH.
	BinaryPaths map[argv.Program]string
	Logger      *log.Logger
}

// Name implements Runner.
func (r *RemoteRunner) Name() string { return "remote" }

// Run executes job remotely. The remote tool's status is returned verbatim.
// Transport failures set Error to a *transport.TransportError.
func (r *RemoteRunner) Run(ctx context.Context, job *Job) *Result {
	logger := r.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if len(job.Argv) == 0 {
		return NewErrorResult(types.ExitUnavailable, fmt.Errorf("%w: empty argument vector", ErrUnavailable))
	}

	bin := r.BinaryPaths[job.Program]
	if bin == "" {
		bin = job.Program.String()
	}

	stdin, stdout, cr, cw := wrapStdio(job)
	st, err := r.Transport.Execute(ctx, transport.Command{
		Argv:   binaryArgv(bin, job.Argv),
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: job.Stderr,
	})

	res := &Result{StdinRead: cr.count(), StdoutWritten: cw.count()}
	if err != nil {
		var te *transport.TransportError
		res.Started = errors.As(err, &te) && te.Started
		res.ExitCode = types.ExitUnavailable
		res.Error = err
		logger.Debug("remote run failed", "error", err, "started", res.Started, "stdin_read", res.StdinRead, "stdout_written", res.StdoutWritten)
		return res
	}

	res.Started = true
	res.ExitCode = st.ExitCode
	res.Signaled = st.Signaled
	logger.Debug("remote run finished", "exit_code", st.ExitCode, "signaled", st.Signaled)
	return res
}
