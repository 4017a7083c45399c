// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/frtproxy/frt/internal/argv"
	"github.com/frtproxy/frt/pkg/types"
)

// ErrUnavailable is returned when a runner could not start the tool at all.
var ErrUnavailable = errors.New("tool unavailable")

type (
	// Runner runs a Job to completion.
	Runner interface {
		// Name returns "remote" or "local".
		Name() string
		// Run executes job. Cancelling ctx terminates the tool.
		Run(ctx context.Context, job *Job) *Result
	}

	// Job is one execution of a tool.
	Job struct {
		Program argv.Program
		// Argv is the full argument vector. Argv[0] is replaced by the
		// configured binary path before execution.
		Argv   []string
		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
	}

	// Result is the outcome of a Run. A tool that ran and failed has a
	// non-zero ExitCode and a nil Error.
	Result struct {
		ExitCode types.ExitCode
		// Error is set when the runner itself failed.
		Error error
		// Started reports whether the tool was started.
		Started bool
		// Signaled reports that the tool ended because of a signal.
		Signaled bool
		// StdinRead and StdoutWritten count the bytes the run consumed from
		// the invocation's stdin and wrote to its stdout.
		StdinRead     int64
		StdoutWritten int64
	}
)

// Success returns true if the tool ran and exited with status 0.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && r.Error == nil
}

// Replayable reports whether the invocation can still be run elsewhere:
// nothing was consumed from stdin and nothing was written to stdout. The
// counters decide even when Started is false, since a client that failed
// on its own may already have relayed output.
func (r *Result) Replayable() bool {
	return r.StdinRead == 0 && r.StdoutWritten == 0
}

// NewErrorResult creates a Result with the given exit code and error.
func NewErrorResult(code types.ExitCode, err error) *Result {
	return &Result{ExitCode: code, Error: err}
}

// binaryArgv returns args with args[0] replaced by bin.
func binaryArgv(bin string, args []string) []string {
	out := make([]string, 0, max(1, len(args)))
	out = append(out, bin)
	if len(args) > 1 {
		out = append(out, args[1:]...)
	}
	return out
}

// countingReader counts bytes read through it.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

// wrapStdio installs counters around the job's stdin and stdout. Nil
// streams stay nil.
func wrapStdio(job *Job) (io.Reader, io.Writer, *countingReader, *countingWriter) {
	var (
		in  io.Reader
		out io.Writer
		cr  *countingReader
		cw  *countingWriter
	)
	if job.Stdin != nil {
		cr = &countingReader{r: job.Stdin}
		in = cr
	}
	if job.Stdout != nil {
		cw = &countingWriter{w: job.Stdout}
		out = cw
	}
	return in, out, cr, cw
}

func (c *countingReader) count() int64 {
	if c == nil {
		return 0
	}
	return c.n.Load()
}

func (c *countingWriter) count() int64 {
	if c == nil {
		return 0
	}
	return c.n.Load()
}
