// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"golang.org/x/sys/unix"
)

// exitCommandNotFound mirrors the shell's status for a command that could
// not be started.
const exitCommandNotFound = 127

// execMiddleware runs exec requests. Interactive shells are refused: the host
// only ever serves non-interactive tool invocations.
func (s *Server) execMiddleware() wish.Middleware {
	return func(next ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			raw := sess.RawCommand()
			if raw == "" {
				_, _ = fmt.Fprintln(sess.Stderr(), "interactive sessions are not supported")
				_ = sess.Exit(1) //nolint:errcheck // Terminal operation; error non-critical
				return
			}
			s.cmdMu.Lock()
			s.commands = append(s.commands, raw)
			s.cmdMu.Unlock()

			code := s.runCommand(sess, raw)
			_ = sess.Exit(code) //nolint:errcheck // Terminal operation; error non-critical
		}
	}
}

// runCommand executes raw through the configured shell, as sshd does, and
// returns the exit status to report.
func (s *Server) runCommand(sess ssh.Session, raw string) int {
	cmd := exec.Command(s.cfg.Shell, "-c", raw)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(append(os.Environ(), s.cfg.Env...), sess.Environ()...)
	cmd.Stdin = sess
	cmd.Stdout = sess
	cmd.Stderr = sess.Stderr()
	// A process group of its own lets signals reach the tool even when the
	// shell does not exec it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = s.cfg.KillDelay

	signals := make(chan ssh.Signal, 4)
	sess.Signals(signals)
	defer sess.Signals(nil)

	if err := cmd.Start(); err != nil {
		s.logger.Warn("command failed to start", "command", raw, "error", err)
		_, _ = fmt.Fprintf(sess.Stderr(), "Error: %v\n", err)
		return exitCommandNotFound
	}
	pgid := cmd.Process.Pid

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-signals:
				if n := unix.SignalNum("SIG" + string(sig)); n != 0 {
					s.logger.Debug("forwarding signal", "signal", sig, "pgid", pgid)
					_ = unix.Kill(-pgid, n)
				}
			case <-sess.Context().Done():
				// The connection is gone: hang up the command like sshd.
				_ = unix.Kill(-pgid, unix.SIGHUP)
				return
			case <-done:
				return
			}
		}
	}()

	err := cmd.Wait()
	close(done)

	code := exitStatus(cmd.ProcessState, err)
	s.logger.Debug("command finished", "command", raw, "status", code)
	return code
}

// exitStatus converts a finished process into a shell-style status: the exit
// code, or 128+signal for a signalled process.
func exitStatus(ps *os.ProcessState, err error) int {
	if ps == nil {
		return exitCommandNotFound
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := ps.ExitCode(); code >= 0 {
		return code
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
