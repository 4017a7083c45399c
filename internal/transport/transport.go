// SPDX-License-Identifier: MPL-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"mvdan.cc/sh/v3/syntax"

	"github.com/frtproxy/frt/internal/logging"
	"github.com/frtproxy/frt/internal/metrics"
	"github.com/frtproxy/frt/pkg/types"
)

// Transport kinds accepted in configuration.
const (
	KindNative  = "native"
	KindOpenSSH = "openssh"
)

type (
	// Transport executes commands on the remote host.
	Transport interface {
		// Ensure makes sure a usable connection exists, dialing if needed.
		Ensure(ctx context.Context) error
		// Execute runs cmd remotely and streams its output. A non-zero remote
		// status is reported in Status with a nil error. Cancelling ctx
		// terminates the remote command.
		Execute(ctx context.Context, cmd Command) (*Status, error)
		// Invalidate discards the connection err came from, so the next
		// call reconnects.
		Invalidate(err error)
		// Close releases the transport. Further calls fail with ErrClosed.
		Close() error
	}

	// Command is one remote execution.
	Command struct {
		// Argv is the remote argument vector; Argv[0] is the remote binary.
		Argv   []string
		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
	}

	// Status is the outcome of a remote command that ran.
	Status struct {
		ExitCode types.ExitCode
		// Signaled is set when the command ended because of a signal,
		// including one forwarded on cancellation.
		Signaled bool
		// Signal is the SSH signal name (TERM, KILL, ...) when known.
		Signal string
	}

	// Config is shared by both transports.
	Config struct {
		Host string
		Port types.Port
		User string
		// IdentityFiles are private keys offered in order. When empty the
		// usual ~/.ssh defaults are tried.
		IdentityFiles []string
		// KnownHostsFile enables host key verification. When empty any host
		// key is accepted.
		KnownHostsFile string
		// UseAgent also offers keys from the agent at SSH_AUTH_SOCK.
		UseAgent bool
		// ConnectTimeout bounds the TCP connect.
		ConnectTimeout time.Duration
		// HandshakeTimeout bounds the SSH handshake and authentication.
		HandshakeTimeout time.Duration
		// Persist keeps an unused connection open this long. Zero closes it
		// as soon as the last command ends.
		Persist time.Duration
		// KeepaliveInterval is the period of keepalive requests.
		KeepaliveInterval time.Duration
		// CancelGrace is how long a cancelled command may take to exit after
		// SIGTERM before its channel is closed.
		CancelGrace time.Duration

		// Clock arms the Persist timer. Tests substitute a fake.
		Clock   Clock
		Logger  *log.Logger
		Metrics *metrics.Metrics
	}
)

// Clock is the timer source of the idle expiry.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// withDefaults fills unset durations and collaborators.
func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Persist < 0 {
		c.Persist = 0
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 15 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// String returns user@host:port.
func (c Config) String() string {
	return fmt.Sprintf("%s@%s:%d", c.User, c.Host, c.Port)
}

// New returns the transport selected by kind.
func New(kind string, cfg Config) (Transport, error) {
	switch strings.ToLower(kind) {
	case "", KindNative:
		return NewSession(cfg), nil
	case KindOpenSSH:
		return NewOpenSSH(cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: native, openssh)", kind)
	}
}

// QuoteCommand joins argv into a single POSIX shell command line, quoting
// every word so the remote shell reproduces argv exactly.
func QuoteCommand(argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	words := make([]string, len(argv))
	for i, a := range argv {
		q, err := syntax.Quote(a, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("argument %d: %w", i, err)
		}
		words[i] = q
	}
	return strings.Join(words, " "), nil
}
