// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidPort is the sentinel error wrapped by InvalidPortError.
var ErrInvalidPort = errors.New("invalid port")

type (
	// Port is a TCP port to connect to. It must be in the range 1-65535.
	Port int

	// ListenPort is a TCP port to listen on. The zero value selects a free
	// port; non-zero values must be in the range 1-65535.
	ListenPort int

	// InvalidPortError is returned when a Port or ListenPort is out of range.
	InvalidPortError struct {
		Value  int
		Listen bool
	}
)

// String returns the decimal form of the port.
func (p Port) String() string { return strconv.Itoa(int(p)) }

// Validate returns an error wrapping ErrInvalidPort unless 1 <= p <= 65535.
func (p Port) Validate() error {
	if p < 1 || p > 65535 {
		return &InvalidPortError{Value: int(p)}
	}
	return nil
}

// String returns the decimal form of the port.
func (p ListenPort) String() string { return strconv.Itoa(int(p)) }

// Validate returns an error wrapping ErrInvalidPort unless p is 0 or a valid port.
func (p ListenPort) Validate() error {
	if p < 0 || p > 65535 {
		return &InvalidPortError{Value: int(p), Listen: true}
	}
	return nil
}

// Error implements the error interface for InvalidPortError.
func (e *InvalidPortError) Error() string {
	if e.Listen {
		return fmt.Sprintf("invalid listen port %d: must be 0 (auto-select) or 1-65535", e.Value)
	}
	return fmt.Sprintf("invalid port %d: must be 1-65535", e.Value)
}

// Unwrap returns ErrInvalidPort for errors.Is() compatibility.
func (e *InvalidPortError) Unwrap() error { return ErrInvalidPort }
