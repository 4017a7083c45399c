// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/frtproxy/frt/internal/argv"
	"github.com/frtproxy/frt/internal/logging"
	"github.com/frtproxy/frt/internal/metrics"
	"github.com/frtproxy/frt/internal/runner"
	"github.com/frtproxy/frt/internal/transport"
	"github.com/frtproxy/frt/internal/workspace"
	"github.com/frtproxy/frt/pkg/types"
)

type (
	// Invocation is one call of the proxy. It is not modified by Run.
	Invocation struct {
		// ID names the workspace and tags log records. A UUID is generated
		// when empty.
		ID      string
		Program argv.Program
		// Argv is the original argument vector, Argv[0] included.
		Argv []string
		// WorkDir resolves relative path arguments (default: process cwd).
		WorkDir string
		Stdin   io.Reader
		Stdout  io.Writer
		Stderr  io.Writer
	}

	// Outcome is the result of Run.
	Outcome struct {
		ExitCode types.ExitCode
		Path     Path
		// States lists every state visited, in order.
		States []State
		// FallbackReason is set when the local path was taken.
		FallbackReason string
		// Err is the last error met on the way, if any. A fallback that
		// succeeded still reports the error that caused it.
		Err     error
		Elapsed time.Duration
	}

	// Config wires a Dispatcher.
	Config struct {
		Workspaces *workspace.Manager
		Translator *argv.Translator
		Remote     runner.Runner
		// Transport is invalidated after transport failures.
		Transport transport.Transport
		Local     runner.Runner
		// Disabled, when set, sends every invocation to the local runner.
		// It holds the configuration error that disabled the remote path.
		Disabled error
		Logger   *log.Logger
		Metrics  *metrics.Metrics
	}

	// Dispatcher runs invocations. It holds no per-invocation state and is
	// safe for concurrent use.
	Dispatcher struct {
		cfg Config
	}

	// run is the state of one invocation.
	run struct {
		d      *Dispatcher
		inv    *Invocation
		logger *log.Logger
		start  time.Time
		state  State
		out    Outcome
		ws     *workspace.Workspace
	}
)

// New creates a dispatcher. A nil Remote runner is built from Transport.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Remote == nil && cfg.Transport != nil {
		cfg.Remote = &runner.RemoteRunner{Transport: cfg.Transport, Logger: cfg.Logger}
	}
	if cfg.Local == nil {
		cfg.Local = &runner.LocalRunner{Logger: cfg.Logger}
	}
	return &Dispatcher{cfg: cfg}
}

// Run drives inv to completion. It always returns an Outcome whose
// ExitCode is the one the proxy should exit with.
func (d *Dispatcher) Run(ctx context.Context, inv *Invocation) Outcome {
	if inv.ID == "" {
		cp := *inv
		cp.ID = uuid.NewString()
		inv = &cp
	}
	r := &run{
		d:      d,
		inv:    inv,
		logger: d.cfg.Logger.With("invocation", inv.ID, "program", inv.Program),
		start:  time.Now(),
		state:  StateIdle,
		out:    Outcome{Path: PathNone, States: []State{StateIdle}},
	}
	r.logger.Info("invocation received", "args", len(inv.Argv))

	switch reason, err := r.remoteBlocked(); {
	case err != nil:
		r.fallback(ctx, reason, err)
	default:
		r.remote(ctx)
	}
	return r.finish()
}

// remoteBlocked returns the reason the remote path cannot even be tried.
func (r *run) remoteBlocked() (string, error) {
	cfg := r.d.cfg
	switch {
	case cfg.Disabled != nil:
		return ReasonConfig, cfg.Disabled
	case cfg.Workspaces == nil || cfg.Translator == nil || cfg.Remote == nil:
		return ReasonConfig, errors.New("remote execution is not configured")
	case !cfg.Translator.Supports(r.inv.Program):
		return ReasonUnknownProgram, fmt.Errorf("%w: %q", argv.ErrUnknownProgram, r.inv.Program)
	}
	return "", nil
}

// remote walks the remote path, falling back on recoverable errors.
func (r *run) remote(ctx context.Context) {
	inv := r.inv
	cfg := r.d.cfg

	r.enter(StateWorkspaceBuilding)
	tr := *cfg.Translator
	if inv.WorkDir != "" {
		tr.WorkDir = inv.WorkDir
	}
	paths, err := tr.Scan(inv.Program, inv.Argv)
	if err != nil {
		r.fallback(ctx, ReasonTranslation, err)
		return
	}
	ws, err := cfg.Workspaces.Acquire(ctx, inv.ID, paths)
	if err != nil {
		r.fallback(ctx, ReasonWorkspace, err)
		return
	}
	r.ws = ws
	r.logger.Debug("workspace built", "dir", ws.Dir(), "entries", len(ws.Entries()))

	r.enter(StateTranslating)
	remoteArgv := argv.Rewrite(inv.Argv, paths, ws.Mapper())
	for _, p := range paths {
		if _, ok := ws.RemotePath(p.Index); !ok {
			r.fallback(ctx, ReasonTranslation, &argv.TranslationError{Index: p.Index, Arg: p.Original, Cause: errors.New("no workspace entry")})
			return
		}
	}

	r.enter(StateRemoteRunning)
	res := cfg.Remote.Run(ctx, &runner.Job{
		Program: inv.Program,
		Argv:    remoteArgv,
		Stdin:   inv.Stdin,
		Stdout:  inv.Stdout,
		Stderr:  inv.Stderr,
	})
	if res.Error == nil {
		r.out.Path = PathRemote
		r.out.ExitCode = res.ExitCode
		if ctx.Err() != nil {
			r.out.Err = ctx.Err()
		}
		return
	}

	if errors.Is(res.Error, transport.ErrTransport) && cfg.Transport != nil {
		cfg.Transport.Invalidate(res.Error)
	}
	if !res.Replayable() {
		// The tool consumed input or produced output already; running it
		// again locally would corrupt the stream.
		r.logger.Error("remote run failed after streaming, not falling back",
			"error", res.Error, "stdin_read", res.StdinRead, "stdout_written", res.StdoutWritten)
		r.out.Path = PathRemote
		r.out.ExitCode = types.ExitSSHFailure
		r.out.Err = res.Error
		return
	}
	r.fallback(ctx, ReasonTransport, res.Error)
}

// fallback runs the original argument vector locally.
func (r *run) fallback(ctx context.Context, reason string, cause error) {
	if !r.state.canFallBack() {
		return
	}
	r.out.Err = cause
	if ctx.Err() != nil {
		r.logger.Info("cancelled, skipping fallback", "reason", reason, "error", cause)
		r.out.ExitCode = types.FromSignal(unix.SIGTERM)
		r.out.Err = ctx.Err()
		return
	}

	r.enter(StateFallingBack)
	r.out.FallbackReason = reason
	r.d.cfg.Metrics.Fallback(reason)
	r.logger.Warn("falling back to local execution", "reason", reason, "error", cause)

	// The workspace is not needed by the local run.
	r.release()

	res := r.d.cfg.Local.Run(ctx, &runner.Job{
		Program: r.inv.Program,
		Argv:    r.inv.Argv,
		Stdin:   r.inv.Stdin,
		Stdout:  r.inv.Stdout,
		Stderr:  r.inv.Stderr,
	})
	if res.Error != nil {
		r.out.Err = errors.Join(cause, res.Error)
		r.out.ExitCode = types.ExitUnavailable
		if reason == ReasonConfig {
			r.out.ExitCode = types.ExitConfig
		}
		r.logger.Error("local fallback failed", "error", res.Error)
		return
	}
	r.out.Path = PathLocal
	r.out.ExitCode = res.ExitCode
}

// finish enters Done, releases the workspace and reports the outcome.
func (r *run) finish() Outcome {
	r.enter(StateDone)
	r.release()

	r.out.Elapsed = time.Since(r.start)
	finished := time.Now()
	r.d.cfg.Metrics.ObserveInvocation(r.inv.Program.String(), string(r.out.Path), int(r.out.ExitCode), r.out.Elapsed, finished)

	kv := []any{"path", r.out.Path, "exit_code", r.out.ExitCode, "elapsed", r.out.Elapsed, "states", len(r.out.States)}
	if r.out.FallbackReason != "" {
		kv = append(kv, "fallback_reason", r.out.FallbackReason)
	}
	if r.out.Err != nil {
		kv = append(kv, "error", r.out.Err)
	}
	r.logger.Info("invocation finished", kv...)
	return r.out
}

// release removes the workspace, if one was built. Errors are logged only.
func (r *run) release() {
	if r.ws == nil {
		return
	}
	if err := r.ws.Release(); err != nil {
		r.logger.Warn("workspace release failed", "dir", r.ws.Dir(), "error", err)
	}
	r.ws = nil
}

func (r *run) enter(s State) {
	r.logger.Info("state", "from", r.state, "to", s)
	r.state = s
	r.out.States = append(r.out.States, s)
}
