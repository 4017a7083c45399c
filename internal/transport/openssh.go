// SPDX-License-Identifier: MPL-2.0

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/frtproxy/frt/pkg/types"
)

// DefaultSSHBinary is the OpenSSH client looked up on PATH.
const DefaultSSHBinary = "ssh"

// OpenSSH runs commands through the system ssh client. Connections are
// shared through an OpenSSH control master, which also keeps them alive
// across separate frt processes.
type OpenSSH struct {
	cfg Config

	// Binary is the ssh client to run (default: ssh on PATH).
	Binary string
	// ControlDir holds the control sockets (default: a per-user directory
	// under the system temp dir).
	ControlDir string
}

// NewOpenSSH creates an OpenSSH transport.
func NewOpenSSH(cfg Config) *OpenSSH {
	return &OpenSSH{
		cfg:        cfg.withDefaults(),
		Binary:     DefaultSSHBinary,
		ControlDir: filepath.Join(os.TempDir(), "frt-ssh-"+strconv.Itoa(os.Getuid())),
	}
}

// Ensure runs `true` on the remote host, starting the control master when
// none is running.
func (o *OpenSSH) Ensure(ctx context.Context) error {
	if err := o.prepare(); err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd := o.command(ctx, "true")
	cmd.Stderr = &stderr
	err := cmd.Run()
	o.cfg.Metrics.Dial(err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("waiting for connection: %w", ctx.Err())
		}
		return &TransportError{Op: "connect", Host: o.cfg.Host, Cause: sshError(err, &stderr)}
	}
	return nil
}

// Execute runs cmd through the ssh client. Status 255 is the client's own
// failure code and is reported as a TransportError.
func (o *OpenSSH) Execute(ctx context.Context, c Command) (*Status, error) {
	line, err := QuoteCommand(c.Argv)
	if err != nil {
		return nil, &TransportError{Op: "quote", Host: o.cfg.Host, Cause: err}
	}
	if err := o.prepare(); err != nil {
		return nil, err
	}

	var tail bytes.Buffer
	cmd := o.command(ctx, line)
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = &teeWriter{w: c.Stderr, tail: &tail}

	o.cfg.Logger.Debug("remote exec", "command", line, "client", o.Binary)
	if err := cmd.Start(); err != nil {
		return nil, &TransportError{Op: "exec", Host: o.cfg.Host, Cause: err}
	}
	err = cmd.Wait()

	if ctx.Err() != nil {
		// Terminating the client hangs up the remote command.
		return &Status{ExitCode: types.FromSignal(unix.SIGTERM), Signaled: true, Signal: "TERM"}, nil
	}
	if err == nil {
		return &Status{ExitCode: types.ExitSuccess}, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, &TransportError{Op: "wait", Host: o.cfg.Host, Started: true, Cause: err}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return &Status{ExitCode: types.FromSignal(ws.Signal()), Signaled: true, Signal: strings.TrimPrefix(unix.SignalName(ws.Signal()), "SIG")}, nil
	}
	code := types.ExitCode(exitErr.ExitCode())
	if code == types.ExitSSHFailure {
		return nil, &TransportError{Op: "exec", Host: o.cfg.Host, Cause: sshError(err, &tail)}
	}
	return &Status{ExitCode: code}, nil
}

// Invalidate asks the control master to exit so the next call reconnects.
func (o *OpenSSH) Invalidate(err error) {
	o.cfg.Logger.Debug("stopping control master", "reason", err)
	args := append(o.options(), "-O", "exit", o.cfg.Host)
	cmd := exec.Command(o.Binary, args...) //nolint:gosec // binary and arguments come from configuration
	if out, cerr := cmd.CombinedOutput(); cerr != nil {
		o.cfg.Logger.Debug("control master exit failed", "error", cerr, "output", strings.TrimSpace(string(out)))
	}
}

// Close is a no-op. The control master stays up for ControlPersist.
func (o *OpenSSH) Close() error { return nil }

// Args returns the full ssh argument vector for remote command line.
func (o *OpenSSH) Args(line string) []string {
	return append(o.options(), "-T", o.cfg.Host, "--", line)
}

func (o *OpenSSH) prepare() error {
	if err := os.MkdirAll(o.ControlDir, 0o700); err != nil {
		return &TransportError{Op: "connect", Host: o.cfg.Host, Cause: fmt.Errorf("control directory: %w", err)}
	}
	return nil
}

func (o *OpenSSH) command(ctx context.Context, line string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, o.Binary, o.Args(line)...) //nolint:gosec // binary and arguments come from configuration
	cmd.Cancel = func() error { return cmd.Process.Signal(unix.SIGTERM) }
	cmd.WaitDelay = o.cfg.CancelGrace
	return cmd
}

// options are the client options shared by every invocation.
func (o *OpenSSH) options() []string {
	cfg := o.cfg
	persist := "no"
	if cfg.Persist > 0 {
		persist = strconv.Itoa(max(1, int(cfg.Persist.Seconds()))) + "s"
	}
	connectTimeout := max(1, int(cfg.ConnectTimeout.Seconds()))

	args := []string{
		"-p", strconv.Itoa(int(cfg.Port)),
		"-o", "BatchMode=yes",
		"-o", "LogLevel=ERROR",
		"-o", "ConnectTimeout=" + strconv.Itoa(connectTimeout),
		"-o", "ControlMaster=auto",
		"-o", "ControlPersist=" + persist,
		"-o", "ControlPath=" + filepath.Join(o.ControlDir, "%C"),
		"-o", "ServerAliveInterval=" + strconv.Itoa(max(1, int(cfg.KeepaliveInterval.Seconds()))),
	}
	if cfg.User != "" {
		args = append(args, "-l", cfg.User)
	}
	if cfg.KnownHostsFile != "" {
		args = append(args,
			"-o", "StrictHostKeyChecking=yes",
			"-o", "UserKnownHostsFile="+cfg.KnownHostsFile)
	} else {
		args = append(args,
			"-o", "StrictHostKeyChecking=no",
			"-o", "UserKnownHostsFile=/dev/null")
	}
	if len(cfg.IdentityFiles) > 0 {
		for _, f := range cfg.IdentityFiles {
			args = append(args, "-i", f)
		}
		if !cfg.UseAgent {
			args = append(args, "-o", "IdentitiesOnly=yes")
		}
	}
	return args
}

// sshError attaches the client's last diagnostic line to err.
func sshError(err error, stderr *bytes.Buffer) error {
	msg := strings.TrimSpace(stderr.String())
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		msg = msg[i+1:]
	}
	if msg == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, msg)
}

// teeWriter forwards to w and keeps the last bytes written for diagnostics.
type teeWriter struct {
	w    io.Writer
	tail *bytes.Buffer
}

const tailLimit = 1024

func (t *teeWriter) Write(p []byte) (int, error) {
	t.tail.Write(p)
	if t.tail.Len() > 2*tailLimit {
		keep := t.tail.Bytes()[t.tail.Len()-tailLimit:]
		t.tail.Reset()
		t.tail.Write(keep)
	}
	if t.w == nil {
		return len(p), nil
	}
	return t.w.Write(p)
}
