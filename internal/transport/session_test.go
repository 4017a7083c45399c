// SPDX-License-Identifier: MPL-2.0

package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/frtproxy/frt/internal/sshserver"
	"github.com/frtproxy/frt/internal/testutil"
	"github.com/frtproxy/frt/pkg/types"
)

type testHost struct {
	srv      *sshserver.Server
	identity string
	dir      string
}

func startHost(t *testing.T) *testHost {
	t.Helper()

	key, err := sshserver.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	dir := t.TempDir()
	identity, err := key.WriteIdentityFile(dir, "id_ed25519")
	if err != nil {
		t.Fatalf("WriteIdentityFile() error = %v", err)
	}

	cfg := sshserver.DefaultConfig()
	cfg.AuthorizedKeys = []gossh.PublicKey{key.PublicKey()}
	srv := sshserver.New(cfg)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start SSH host: %v", err)
	}
	t.Cleanup(testutil.DeferStop(t, srv))

	return &testHost{srv: srv, identity: identity, dir: dir}
}

func (h *testHost) config() Config {
	return Config{
		Host:             h.srv.Host(),
		Port:             types.Port(h.srv.Port()),
		User:             "frt",
		IdentityFiles:    []string{h.identity},
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		Persist:          time.Minute,
		CancelGrace:      2 * time.Second,
	}
}

func newSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s := NewSession(cfg)
	t.Cleanup(func() { testutil.MustClose(t, s) })
	return s
}

func (s *Session) current() *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func TestSessionExecute(t *testing.T) {
	t.Parallel()

	host := startHost(t)
	s := newSession(t, host.config())

	tests := []struct {
		name       string
		argv       []string
		stdin      string
		wantStdout string
		wantStderr string
		wantCode   types.ExitCode
	}{
		{
			name:       "arguments survive quoting",
			argv:       []string{"printf", "%s|", "a b", "it's", "$HOME", "*.mp4", ""},
			wantStdout: "a b|it's|$HOME|*.mp4||",
		},
		{
			name:     "exit status",
			argv:     []string{"sh", "-c", "exit 3"},
			wantCode: 3,
		},
		{
			name:       "separate stderr",
			argv:       []string{"sh", "-c", "echo out; echo err >&2"},
			wantStdout: "out\n",
			wantStderr: "err\n",
		},
		{
			name:       "stdin",
			argv:       []string{"tr", "a-z", "A-Z"},
			stdin:      "frame",
			wantStdout: "FRAME",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			st, err := s.Execute(context.Background(), Command{
				Argv:   tt.argv,
				Stdin:  strings.NewReader(tt.stdin),
				Stdout: &stdout,
				Stderr: &stderr,
			})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if st.ExitCode != tt.wantCode || st.Signaled {
				t.Errorf("Execute() status = %+v, want code %d", st, tt.wantCode)
			}
			if stdout.String() != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", stdout.String(), tt.wantStdout)
			}
			if stderr.String() != tt.wantStderr {
				t.Errorf("stderr = %q, want %q", stderr.String(), tt.wantStderr)
			}
		})
	}
}

func TestSessionSharesConnection(t *testing.T) {
	t.Parallel()

	host := startHost(t)
	s := newSession(t, host.config())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Go(func() {
			st, err := s.Execute(context.Background(), Command{Argv: []string{"sleep", "0.2"}})
			if err == nil && st.ExitCode != 0 {
				err = errors.New("non-zero status " + st.ExitCode.String())
			}
			errs <- err
		})
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Execute() error = %v", err)
		}
	}
	if got := host.srv.Accepted(); got != 1 {
		t.Errorf("Accepted() = %d, want one shared connection", got)
	}
}

func TestSessionRedialsAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	host := startHost(t)
	s := newSession(t, host.config())

	if err := s.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	host.srv.DropConnections()
	testutil.Eventually(t, 5*time.Second, func() bool {
		return s.current() == nil
	}, "session kept the dropped connection")

	var stdout bytes.Buffer
	if _, err := s.Execute(context.Background(), Command{Argv: []string{"echo", "again"}, Stdout: &stdout}); err != nil {
		t.Fatalf("Execute() after drop error = %v", err)
	}
	if stdout.String() != "again\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if got := host.srv.Accepted(); got != 2 {
		t.Errorf("Accepted() = %d, want 2", got)
	}
}

func TestSessionLostDuringExecute(t *testing.T) {
	t.Parallel()

	host := startHost(t)
	s := newSession(t, host.config())

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), Command{Argv: []string{"sleep", "30"}})
		done <- err
	}()
	testutil.Eventually(t, 5*time.Second, func() bool {
		return len(host.srv.Commands()) == 1
	}, "command never reached the host")
	host.srv.DropConnections()

	select {
	case err := <-done:
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("Execute() error = %v, want *TransportError", err)
		}
		if !te.Started {
			t.Error("TransportError.Started = false for a command that was running")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Execute() did not return after the connection dropped")
	}
}

func TestSessionInvalidate(t *testing.T) {
	t.Parallel()

	host := startHost(t)
	s := newSession(t, host.config())

	if err := s.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	c := s.current()
	if c == nil {
		t.Fatal("no connection after Ensure()")
	}

	s.Invalidate(&TransportError{Op: "exec", Cause: errors.New("old"), gen: c.gen + 1})
	if s.current() != c {
		t.Fatal("error from another connection invalidated the current one")
	}

	s.Invalidate(&TransportError{Op: "exec", Cause: errors.New("broken"), gen: c.gen})
	if s.current() != nil {
		t.Fatal("Invalidate() kept the connection")
	}
	if err := s.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() after Invalidate error = %v", err)
	}
	if got := host.srv.Accepted(); got != 2 {
		t.Errorf("Accepted() = %d, want 2", got)
	}
}

func TestSessionCancel(t *testing.T) {
	t.Parallel()

	host := startHost(t)
	s := newSession(t, host.config())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		st  *Status
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := s.Execute(ctx, Command{Argv: []string{"sleep", "30"}})
		done <- result{st, err}
	}()

	testutil.Eventually(t, 5*time.Second, func() bool {
		return len(host.srv.Commands()) == 1
	}, "command never reached the host")
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Execute() error = %v, want nil on cancellation", r.err)
		}
		if !r.st.Signaled || r.st.ExitCode != 143 {
			t.Errorf("Execute() status = %+v, want signalled 143", r.st)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Execute() did not return after cancellation")
	}
}

func TestSessionIdleClose(t *testing.T) {
	t.Parallel()

	t.Run("after persist", func(t *testing.T) {
		t.Parallel()

		host := startHost(t)
		clock := testutil.NewFakeClock()
		cfg := host.config()
		cfg.Clock = clock
		s := newSession(t, cfg)

		if err := s.Ensure(context.Background()); err != nil {
			t.Fatalf("Ensure() error = %v", err)
		}
		if !clock.WaitForWaiters(1, 5*time.Second) {
			t.Fatal("idle timer never armed")
		}
		if s.current() == nil {
			t.Fatal("connection closed before the persist duration")
		}

		testutil.Eventually(t, 5*time.Second, func() bool {
			clock.Advance(cfg.Persist)
			return s.current() == nil
		}, "idle connection was not closed")

		if err := s.Ensure(context.Background()); err != nil {
			t.Fatalf("Ensure() after idle close error = %v", err)
		}
		if got := host.srv.Accepted(); got != 2 {
			t.Errorf("Accepted() = %d, want 2", got)
		}
	})

	t.Run("zero persist", func(t *testing.T) {
		t.Parallel()

		host := startHost(t)
		cfg := host.config()
		cfg.Persist = 0
		s := newSession(t, cfg)

		if _, err := s.Execute(context.Background(), Command{Argv: []string{"true"}}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		testutil.Eventually(t, 5*time.Second, func() bool {
			return s.current() == nil
		}, "connection outlived its last command")
	})
}

func TestSessionHostKeyVerification(t *testing.T) {
	t.Parallel()

	host := startHost(t)

	other, err := sshserver.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	wrong := knownhosts.Line([]string{knownhosts.Normalize(host.srv.Address())}, other.PublicKey())

	tests := []struct {
		name    string
		line    string
		wantErr bool
	}{
		{name: "matching key", line: host.srv.KnownHostsLine()},
		{name: "mismatched key", line: wrong, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := host.config()
			cfg.KnownHostsFile = testutil.MustWriteFile(t, t.TempDir(), "known_hosts", []byte(tt.line+"\n"))
			s := newSession(t, cfg)

			err := s.Ensure(context.Background())
			if tt.wantErr {
				if !errors.Is(err, ErrTransport) {
					t.Errorf("Ensure() error = %v, want ErrTransport", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Ensure() error = %v", err)
			}
		})
	}
}

func TestSessionConnectFailure(t *testing.T) {
	t.Parallel()

	host := startHost(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	cfg := host.config()
	cfg.Port = types.Port(port)
	s := newSession(t, cfg)

	_, err = s.Execute(context.Background(), Command{Argv: []string{"true"}})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Execute() error = %v, want *TransportError", err)
	}
	if te.Op != "connect" || te.Started {
		t.Errorf("TransportError = %+v, want unstarted connect failure", te)
	}
	if len(host.srv.Commands()) != 0 {
		t.Error("no command should have run")
	}
}

func TestSessionMissingIdentity(t *testing.T) {
	t.Parallel()

	host := startHost(t)
	cfg := host.config()
	cfg.IdentityFiles = []string{filepath.Join(t.TempDir(), "absent")}
	s := newSession(t, cfg)

	err := s.Ensure(context.Background())
	if !errors.Is(err, ErrTransport) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Ensure() error = %v, want transport error caused by a missing file", err)
	}
}

func TestSessionClosed(t *testing.T) {
	t.Parallel()

	host := startHost(t)
	s := NewSession(host.config())
	if err := s.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	_, err := s.Execute(context.Background(), Command{Argv: []string{"true"}})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Execute() after Close error = %v, want ErrClosed", err)
	}
}

func TestSessionEnsureCancelled(t *testing.T) {
	t.Parallel()

	host := startHost(t)
	s := newSession(t, host.config())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Ensure(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Ensure() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Error("cancellation must not be reported as a transport failure")
	}
}
