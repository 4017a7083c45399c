// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"strconv"
	"syscall"
)

// Proxy-level exit codes. They follow sysexits(3) so they stay distinguishable
// from the codes ffmpeg and ffprobe return themselves.
const (
	// ExitSuccess is returned when the tool ran and succeeded.
	ExitSuccess ExitCode = 0
	// ExitFailure is the generic failure code used when no better code is known.
	ExitFailure ExitCode = 1
	// ExitUnavailable is returned when neither the remote host nor the local
	// binary could be used to run the tool at all.
	ExitUnavailable ExitCode = 69
	// ExitConfig is returned when the configuration is unusable and the local
	// fallback could not be started either.
	ExitConfig ExitCode = 78
	// ExitSSHFailure is the status the OpenSSH client reports for its own
	// connection errors, as opposed to the remote command's status.
	ExitSSHFailure ExitCode = 255
)

// ErrInvalidExitCode is the sentinel error wrapped by InvalidExitCodeError.
var ErrInvalidExitCode = errors.New("invalid exit code")

type (
	// ExitCode represents a process exit status code.
	// Exit codes are in the range 0-255 on POSIX systems.
	// The zero value (0) means success.
	ExitCode int

	// InvalidExitCodeError is returned when an ExitCode is outside the
	// valid range (0-255).
	InvalidExitCodeError struct {
		Value ExitCode
	}
)

// Error implements the error interface.
func (e *InvalidExitCodeError) Error() string {
	return fmt.Sprintf("invalid exit code %d (must be in range 0-255)", e.Value)
}

// Unwrap returns ErrInvalidExitCode so callers can use errors.Is for programmatic detection.
func (e *InvalidExitCodeError) Unwrap() error { return ErrInvalidExitCode }

// Validate returns an error if the ExitCode is outside the valid range (0-255).
func (c ExitCode) Validate() error {
	if c < 0 || c > 255 {
		return &InvalidExitCodeError{Value: c}
	}
	return nil
}

// IsSuccess returns true if the exit code indicates successful execution.
func (c ExitCode) IsSuccess() bool { return c == 0 }

// IsProxyFailure reports whether the code is one the proxy itself emits when
// it could not run the tool anywhere.
func (c ExitCode) IsProxyFailure() bool { return c == ExitUnavailable || c == ExitConfig }

// String returns the decimal string representation of the ExitCode.
func (c ExitCode) String() string { return strconv.Itoa(int(c)) }

// FromSignal returns the conventional shell status for a process killed by sig.
func FromSignal(sig syscall.Signal) ExitCode {
	return ExitCode(128 + int(sig))
}
