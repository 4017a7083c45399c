// SPDX-License-Identifier: MPL-2.0

package argv

import (
	"errors"
	"fmt"
)

var (
	// ErrTranslation is the sentinel error wrapped by TranslationError.
	ErrTranslation = errors.New("argument translation failed")
	// ErrUnknownProgram is returned when no rule table is registered for a program.
	ErrUnknownProgram = errors.New("unknown program")
	// ErrInvalidRules is the sentinel error wrapped by InvalidRulesError.
	ErrInvalidRules = errors.New("invalid rule table")
)

type (
	// TranslationError reports an argument that looked like a client path but
	// could not be resolved on the client. It wraps ErrTranslation.
	TranslationError struct {
		Index int
		Arg   string
		Cause error
	}

	// InvalidRulesError is returned by Rules.Validate. It collects every
	// problem found in a table.
	InvalidRulesError struct {
		Program string
		Reasons []string
	}
)

// Error implements the error interface.
func (e *TranslationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("argument %d (%q): %v", e.Index, e.Arg, e.Cause)
	}
	return fmt.Sprintf("argument %d (%q) cannot be resolved", e.Index, e.Arg)
}

// Unwrap returns ErrTranslation for errors.Is() compatibility.
func (e *TranslationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrTranslation}
	}
	return []error{ErrTranslation, e.Cause}
}

// Error implements the error interface.
func (e *InvalidRulesError) Error() string {
	return fmt.Sprintf("invalid rules for %s: %d problem(s): %v", e.Program, len(e.Reasons), e.Reasons)
}

// Unwrap returns ErrInvalidRules for errors.Is() compatibility.
func (e *InvalidRulesError) Unwrap() error { return ErrInvalidRules }
