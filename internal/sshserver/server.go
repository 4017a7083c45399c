// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/frtproxy/frt/internal/core/lifecycle"
	"github.com/frtproxy/frt/internal/logging"
)

// Server is an in-process SSH host. A Server instance is single-use: once
// stopped or failed, create a new instance.
type Server struct {
	// Immutable configuration (set at creation, never modified)
	cfg Config

	m *lifecycle.Machine

	// Initialized during Start() - protected by srvMu
	srvMu    sync.Mutex
	srv      *ssh.Server
	listener net.Listener
	addr     string
	hostKey  gossh.PublicKey

	connMu   sync.Mutex
	conns    []net.Conn
	accepted atomic.Int64

	cmdMu    sync.Mutex
	commands []string

	logger *log.Logger
}

// New creates a host with defaults applied to unset fields. The host is not
// started; call Start() to begin accepting connections.
func New(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Shell == "" {
		cfg.Shell = def.Shell
	}
	if cfg.KillDelay == 0 {
		cfg.KillDelay = def.KillDelay
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Server{
		cfg:    cfg,
		m:      lifecycle.New(),
		logger: logger.WithPrefix("ssh-host"),
	}
}

// Start binds the listener and blocks until the host accepts connections,
// fails to start, or the startup timeout or ctx expires.
func (s *Server) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := s.m.Start(ctx); err != nil {
		return err
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer startupCancel()

	hostKey, err := GenerateKey()
	if err != nil {
		s.m.Fail(fmt.Errorf("host key: %w", err))
		return s.m.LastError()
	}

	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port.String())
	var lc net.ListenConfig
	listener, err := lc.Listen(startupCtx, "tcp", addr)
	if err != nil {
		s.m.Fail(fmt.Errorf("failed to listen on %s: %w", addr, err))
		return s.m.LastError()
	}

	srv, err := wish.NewServer(
		wish.WithHostKeyPEM(hostKey.PEM),
		wish.WithPublicKeyAuth(s.publicKeyHandler),
		wish.WithMiddleware(s.execMiddleware()),
	)
	if err != nil {
		_ = listener.Close() // Best-effort cleanup on error
		s.m.Fail(fmt.Errorf("failed to create SSH server: %w", err))
		return s.m.LastError()
	}
	srv.ConnCallback = s.trackConn

	s.srvMu.Lock()
	s.srv = srv
	s.listener = listener
	s.addr = listener.Addr().String()
	s.hostKey = hostKey.PublicKey()
	s.srvMu.Unlock()

	s.m.Go(func(context.Context) { s.serve(srv, listener) })

	if err := s.m.WaitReady(startupCtx); err != nil {
		_ = s.Stop()
		return err
	}
	s.logger.Debug("SSH host started", "address", s.Address())
	return nil
}

// serve accepts connections until the listener closes.
func (s *Server) serve(srv *ssh.Server, l net.Listener) {
	s.m.MarkRunning()

	err := srv.Serve(l)
	if err == nil || errors.Is(err, ssh.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return
	}
	s.logger.Error("serve failed", "error", err)
	s.m.Fail(fmt.Errorf("serve error: %w", err))
}

// Stop closes the listener and every open connection, then waits for the
// serve goroutine. Safe to call multiple times; subsequent calls are no-ops.
func (s *Server) Stop() error {
	if !s.m.BeginStop() {
		s.m.Wait()
		return nil
	}

	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()

	var closeErr error
	if srv != nil {
		// Close rather than Shutdown: clients keep their connections open
		// on purpose, so a graceful drain would only ever time out.
		if err := srv.Close(); err != nil && !isClosedConnError(err) {
			closeErr = err
		}
	}
	s.DropConnections()

	s.m.Wait()
	s.m.MarkStopped()
	s.logger.Debug("SSH host stopped")
	return closeErr
}

// Wait blocks until the host stops. It returns the failure cause, if any.
func (s *Server) Wait() error {
	<-s.m.Done()
	s.m.Wait()
	if s.m.State() == lifecycle.StateFailed {
		return s.m.LastError()
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Server) State() lifecycle.State {
	return s.m.State()
}

// IsRunning reports whether the host accepts connections.
func (s *Server) IsRunning() bool {
	return s.m.IsRunning()
}

// Address returns the bound host:port, or "" before Start.
func (s *Server) Address() string {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	return s.addr
}

// Host returns the configured bind host.
func (s *Server) Host() string {
	return s.cfg.Host
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	_, portStr, err := net.SplitHostPort(s.Address())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// HostKey returns the host's public key, or nil before Start.
func (s *Server) HostKey() gossh.PublicKey {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	return s.hostKey
}

// KnownHostsLine returns a known_hosts entry for the bound address.
func (s *Server) KnownHostsLine() string {
	return knownhosts.Line([]string{knownhosts.Normalize(s.Address())}, s.HostKey())
}

// Accepted returns how many TCP connections the host has accepted.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Commands returns the raw commands executed so far, in order.
func (s *Server) Commands() []string {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return append([]string(nil), s.commands...)
}

// DropConnections closes every client connection without stopping the
// listener, the way a network failure or host reboot would.
func (s *Server) DropConnections() {
	s.connMu.Lock()
	conns := s.conns
	s.conns = nil
	s.connMu.Unlock()

	for _, c := range conns {
		_ = c.Close() // Already-closed connections are fine
	}
}

func (s *Server) trackConn(_ ssh.Context, conn net.Conn) net.Conn {
	s.accepted.Add(1)
	s.connMu.Lock()
	s.conns = append(s.conns, conn)
	s.connMu.Unlock()
	return conn
}

// publicKeyHandler accepts the configured keys only.
func (s *Server) publicKeyHandler(ctx ssh.Context, key ssh.PublicKey) bool {
	for _, allowed := range s.cfg.AuthorizedKeys {
		if ssh.KeysEqual(key, allowed) {
			return true
		}
	}
	s.logger.Warn("rejected public key", "user", ctx.User(), "fingerprint", gossh.FingerprintSHA256(key))
	return false
}

// isClosedConnError checks if the error is a "use of closed network connection" error.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}
