// SPDX-License-Identifier: MPL-2.0

package workspace

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkspace is the sentinel error wrapped by WorkspaceError.
	ErrWorkspace = errors.New("workspace error")
	// ErrRootUnusable marks a client root that is missing, not a directory or
	// not writable. It is an operator problem and is never retried.
	ErrRootUnusable = errors.New("workspace root is unusable")
	// ErrInvalidPolicy is returned for an unknown existing-output policy.
	ErrInvalidPolicy = errors.New("invalid existing-output policy")
)

// WorkspaceError reports a failed workspace operation. It wraps ErrWorkspace
// and the underlying cause.
//
//nolint:revive // WorkspaceError is the established name across the dispatcher and logs
type WorkspaceError struct {
	Op    string
	Path  string
	Cause error
}

// Error implements the error interface.
func (e *WorkspaceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("workspace %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("workspace %s %s: %v", e.Op, e.Path, e.Cause)
}

// Unwrap returns ErrWorkspace and the cause for errors.Is() compatibility.
func (e *WorkspaceError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrWorkspace}
	}
	return []error{ErrWorkspace, e.Cause}
}
