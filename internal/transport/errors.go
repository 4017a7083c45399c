// SPDX-License-Identifier: MPL-2.0

package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is the sentinel error wrapped by TransportError.
	ErrTransport = errors.New("transport failure")
	// ErrClosed is returned once a transport has been closed.
	ErrClosed = errors.New("transport closed")
	// ErrConnectionLost reports a connection that dropped while in use.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNoAuthMethods is returned when neither identity files nor an agent
	// can offer a key.
	ErrNoAuthMethods = errors.New("no SSH authentication method available")
)

// TransportError reports a failure of the SSH transport itself, as opposed to
// a non-zero status of the remote command. It wraps ErrTransport.
//
//nolint:revive // TransportError reads better than Error at call sites in other packages
type TransportError struct {
	// Op names the failed step: connect, channel, exec, wait, keepalive.
	Op   string
	Host string
	// Started reports whether the remote command had been started.
	Started bool
	Cause   error

	// gen identifies the connection the error came from.
	gen uint64
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Host, e.Cause)
}

// Unwrap returns ErrTransport and the cause for errors.Is() compatibility.
func (e *TransportError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Cause}
}
