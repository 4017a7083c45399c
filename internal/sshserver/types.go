// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	gossh "golang.org/x/crypto/ssh"

	"github.com/frtproxy/frt/pkg/types"
)

// ErrInvalidSSHConfig is the sentinel error wrapped by InvalidSSHConfigError.
var ErrInvalidSSHConfig = errors.New("invalid SSH server config")

type (
	// Config holds immutable configuration for the SSH host.
	Config struct {
		// Host is the address to bind to (default: 127.0.0.1)
		Host string
		// Port is the port to listen on (0 = auto-select)
		Port types.ListenPort
		// AuthorizedKeys are the client keys allowed to log in.
		AuthorizedKeys []gossh.PublicKey
		// Shell runs each exec request as `Shell -c <command>` (default: /bin/sh)
		Shell string
		// Dir is the working directory of executed commands (default: inherited)
		Dir string
		// Env is appended to the server's environment for executed commands.
		Env []string
		// KillDelay bounds how long a command may outlive its channel before
		// it is killed (default: 2s)
		KillDelay time.Duration
		// ShutdownTimeout is the timeout for graceful shutdown (default: 5s)
		ShutdownTimeout time.Duration
		// StartupTimeout is the max time to wait for the host to be ready (default: 5s)
		StartupTimeout time.Duration
		// Logger receives connection and command records (default: discard)
		Logger *log.Logger
	}

	// InvalidSSHConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidSSHConfig for errors.Is() compatibility.
	InvalidSSHConfigError struct {
		FieldErrors []error
	}
)

// DefaultConfig returns a configuration listening on a free loopback port.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            0,
		Shell:           "/bin/sh",
		KillDelay:       2 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		StartupTimeout:  5 * time.Second,
	}
}

// Validate checks the fields that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, errors.New("host must be non-empty"))
	}
	if err := c.Port.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.AuthorizedKeys) == 0 {
		errs = append(errs, errors.New("at least one authorized key is required"))
	}
	if len(errs) > 0 {
		return &InvalidSSHConfigError{FieldErrors: errs}
	}
	return nil
}

// Error implements the error interface for InvalidSSHConfigError.
func (e *InvalidSSHConfigError) Error() string {
	return fmt.Sprintf("invalid SSH server config: %d field error(s): %v", len(e.FieldErrors), errors.Join(e.FieldErrors...))
}

// Unwrap returns ErrInvalidSSHConfig for errors.Is() compatibility.
func (e *InvalidSSHConfigError) Unwrap() error { return ErrInvalidSSHConfig }
