// SPDX-License-Identifier: MPL-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"github.com/frtproxy/frt/internal/core/lifecycle"
	"github.com/frtproxy/frt/pkg/types"
)

// keepaliveRequest is the global request OpenSSH servers answer for liveness.
const keepaliveRequest = "keepalive@openssh.com"

type (
	// Session is the native transport: one lazily dialled SSH connection
	// shared by every Execute call, each running on its own channel. It is
	// safe for concurrent use.
	Session struct {
		cfg Config

		mu     sync.Mutex
		conn   *connection
		gen    uint64
		closed bool
	}

	// connection is one SSH connection and its lifecycle.
	connection struct {
		gen uint64
		m   *lifecycle.Machine

		mu     sync.Mutex
		client *gossh.Client

		// inflight counts executions and Ensure calls; guarded by Session.mu.
		inflight int
		activity chan struct{}
	}
)

// NewSession creates a native transport. Nothing is dialled until the first
// Ensure or Execute.
func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg.withDefaults()}
}

// Ensure dials the connection if none is usable and waits for it.
func (s *Session) Ensure(ctx context.Context) error {
	c, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	s.release(c)
	return nil
}

// Execute runs cmd on a new channel of the shared connection.
func (s *Session) Execute(ctx context.Context, cmd Command) (*Status, error) {
	line, err := QuoteCommand(cmd.Argv)
	if err != nil {
		return nil, &TransportError{Op: "quote", Host: s.cfg.Host, Cause: err}
	}

	c, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.release(c)

	client := c.sshClient()
	sess, err := client.NewSession()
	if err != nil {
		return nil, s.broken(c, "channel", false, err)
	}
	defer sess.Close()

	sess.Stdin = cmd.Stdin
	sess.Stdout = cmd.Stdout
	sess.Stderr = cmd.Stderr

	s.cfg.Logger.Debug("remote exec", "command", line, "connection", c.gen)
	if err := sess.Start(line); err != nil {
		return nil, s.broken(c, "exec", false, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- sess.Wait() }()

	select {
	case err := <-waitCh:
		return s.status(c, err)
	case <-ctx.Done():
	}

	// Cancelled: ask the remote command to stop, then give up on it.
	s.cfg.Logger.Debug("cancelling remote command", "signal", gossh.SIGTERM, "grace", s.cfg.CancelGrace)
	_ = sess.Signal(gossh.SIGTERM)

	grace := time.NewTimer(s.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case err := <-waitCh:
		st, serr := s.status(c, err)
		if serr == nil {
			st.Signaled = true
			if st.Signal == "" {
				st.Signal = string(gossh.SIGTERM)
			}
			return st, nil
		}
	case <-grace.C:
		s.cfg.Logger.Warn("remote command ignored SIGTERM, closing channel")
	}
	_ = sess.Close()
	return &Status{ExitCode: types.FromSignal(unix.SIGTERM), Signaled: true, Signal: string(gossh.SIGTERM)}, nil
}

// status converts the result of Session.Wait.
func (s *Session) status(c *connection, err error) (*Status, error) {
	if err == nil {
		return &Status{ExitCode: types.ExitSuccess}, nil
	}
	var exitErr *gossh.ExitError
	if errors.As(err, &exitErr) {
		st := &Status{
			ExitCode: types.ExitCode(exitErr.ExitStatus()),
			Signaled: exitErr.Signal() != "",
			Signal:   exitErr.Signal(),
		}
		// Servers that only send exit-signal leave the status at -1.
		if st.ExitCode < 0 {
			st.ExitCode = types.ExitFailure
			if sig := unix.SignalNum("SIG" + st.Signal); sig != 0 {
				st.ExitCode = types.FromSignal(sig)
			}
		}
		return st, nil
	}
	// ExitMissingError and I/O errors both mean the connection let us down
	// before the command reported a status.
	return nil, s.broken(c, "wait", true, err)
}

// broken discards c and returns the transport error for the failed step.
func (s *Session) broken(c *connection, op string, started bool, cause error) error {
	te := &TransportError{Op: op, Host: s.cfg.Host, Started: started, Cause: cause, gen: c.gen}
	s.drop(c, te)
	return te
}

// Invalidate discards the connection err came from. Errors without a
// connection of origin discard the current connection.
func (s *Session) Invalidate(err error) {
	var te *TransportError
	hasGen := errors.As(err, &te) && te.gen != 0

	s.mu.Lock()
	c := s.conn
	if c == nil || (hasGen && te.gen != c.gen) {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	s.cfg.Logger.Debug("connection invalidated", "connection", c.gen, "reason", err)
	c.fail(err)
}

// Close shuts the connection down. In-flight commands fail.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	s.conn = nil
	s.mu.Unlock()

	if c != nil {
		c.shutdown()
	}
	return nil
}

// acquire returns a running connection with its in-flight count raised,
// dialling or joining a dial in progress as needed.
func (s *Session) acquire(ctx context.Context) (*connection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &TransportError{Op: "connect", Host: s.cfg.Host, Cause: ErrClosed}
	}
	c := s.conn
	if c == nil || !c.usable() {
		s.gen++
		c = &connection{gen: s.gen, m: lifecycle.New(), activity: make(chan struct{}, 1)}
		_ = c.m.Start(context.Background())
		s.conn = c
		c.m.Go(func(ctx context.Context) { s.dial(ctx, c) })
	}
	c.inflight++
	s.mu.Unlock()

	if err := c.m.WaitReady(ctx); err != nil {
		s.release(c)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for connection: %w", ctx.Err())
		}
		var te *TransportError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &TransportError{Op: "connect", Host: s.cfg.Host, Cause: err, gen: c.gen}
	}
	return c, nil
}

// release lowers the in-flight count and wakes the idle timer.
func (s *Session) release(c *connection) {
	s.mu.Lock()
	c.inflight--
	s.mu.Unlock()
	c.touch()
}

// dial establishes c and then watches it until it closes. Dial errors fail
// c, which wakes every waiter.
func (s *Session) dial(ctx context.Context, c *connection) {
	start := time.Now()
	client, err := s.connect(ctx)
	if err != nil {
		s.cfg.Metrics.Dial(false)
		s.cfg.Logger.Warn("connect failed", "target", s.cfg.String(), "error", err, "elapsed", time.Since(start))
		s.mu.Lock()
		if s.conn == c {
			s.conn = nil
		}
		s.mu.Unlock()
		c.m.Fail(&TransportError{Op: "connect", Host: s.cfg.Host, Cause: err, gen: c.gen})
		return
	}
	s.cfg.Metrics.Dial(true)

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.m.MarkRunning()
	if !c.m.IsRunning() {
		// Closed or invalidated while dialling.
		_ = client.Close()
		return
	}
	s.cfg.Logger.Debug("connected", "target", s.cfg.String(), "connection", c.gen, "elapsed", time.Since(start))

	c.m.Go(func(ctx context.Context) { s.keepalive(ctx, c, client) })
	c.m.Go(func(ctx context.Context) { s.idle(ctx, c) })

	err = client.Wait()
	s.drop(c, &TransportError{Op: "connection", Host: s.cfg.Host, Cause: errors.Join(ErrConnectionLost, err), gen: c.gen})
}

// connect performs the TCP dial and SSH handshake.
func (s *Session) connect(ctx context.Context) (*gossh.Client, error) {
	hostKeys, err := hostKeyCallback(s.cfg)
	if err != nil {
		return nil, err
	}
	auth, agentConn, err := authMethods(s.cfg)
	defer agentConn.Close()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(int(s.cfg.Port)))
	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	sshConn, chans, reqs, err := gossh.NewClientConn(conn, addr, &gossh.ClientConfig{
		User:            s.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         s.cfg.ConnectTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return gossh.NewClient(sshConn, chans, reqs), nil
}

// keepalive sends a keepalive request every interval. A request that errors or gets
// no reply within an interval discards the connection.
func (s *Session) keepalive(ctx context.Context, c *connection, client *gossh.Client) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reply := make(chan error, 1)
		go func() {
			_, _, err := client.SendRequest(keepaliveRequest, true, nil)
			reply <- err
		}()

		timeout := time.NewTimer(s.cfg.KeepaliveInterval)
		select {
		case <-ctx.Done():
			timeout.Stop()
			return
		case err := <-reply:
			timeout.Stop()
			if err != nil {
				s.drop(c, &TransportError{Op: "keepalive", Host: s.cfg.Host, Cause: err, gen: c.gen})
				return
			}
		case <-timeout.C:
			s.drop(c, &TransportError{Op: "keepalive", Host: s.cfg.Host, Cause: errors.New("no reply from server"), gen: c.gen})
			return
		}
	}
}

// idle closes c once nothing has used it for the persist duration.
func (s *Session) idle(ctx context.Context, c *connection) {
	for {
		s.mu.Lock()
		busy := c.inflight > 0
		s.mu.Unlock()

		var expired <-chan time.Time
		if !busy {
			expired = s.cfg.Clock.After(s.cfg.Persist)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.activity:
			continue
		case <-expired:
		}

		s.mu.Lock()
		if c.inflight > 0 {
			s.mu.Unlock()
			continue
		}
		if s.conn == c {
			s.conn = nil
		}
		s.mu.Unlock()

		s.cfg.Logger.Debug("connection idle, closing", "connection", c.gen, "persist", s.cfg.Persist)
		// shutdown waits for this goroutine, so it cannot run inline.
		go c.shutdown()
		return
	}
}

// drop forgets c if it is current and fails it.
func (s *Session) drop(c *connection, err error) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()
	c.fail(err)
}

// usable reports whether new work may use the connection. Callers hold
// Session.mu.
func (c *connection) usable() bool {
	st := c.m.State()
	return st == lifecycle.StateStarting || st == lifecycle.StateRunning
}

func (c *connection) sshClient() *gossh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// touch wakes the idle timer without blocking.
func (c *connection) touch() {
	select {
	case c.activity <- struct{}{}:
	default:
	}
}

// fail marks c failed and closes the client.
func (c *connection) fail(err error) {
	c.m.Fail(err)
	if client := c.sshClient(); client != nil {
		_ = client.Close()
	}
}

// shutdown closes c in an orderly way and waits for its goroutines.
func (c *connection) shutdown() {
	if !c.m.BeginStop() {
		if client := c.sshClient(); client != nil {
			_ = client.Close()
		}
		c.m.Wait()
		return
	}
	if client := c.sshClient(); client != nil {
		_ = client.Close()
	}
	c.m.Wait()
	c.m.MarkStopped()
}
