// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"

	"github.com/frtproxy/frt/pkg/types"
)

// ExitError ends a command with Code rather than cobra's 1. A nil Err means
// nothing is left to report, as when the proxied tool already wrote its own
// diagnostics.
type ExitError struct {
	Code types.ExitCode
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "exit status " + e.Code.String()
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitCode maps a command result onto the process exit code. A nil error
// still yields the code recorded by the personality path.
func exitCode(app *App, err error) types.ExitCode {
	var exitErr *ExitError
	switch {
	case err == nil:
		return app.exitCode
	case errors.As(err, &exitErr):
		return exitErr.Code
	default:
		return 1
	}
}
