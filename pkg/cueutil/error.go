// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/errors"
)

// Violation is one value a schema rejected.
type Violation struct {
	// Path is the dotted field path, for example "server.port". It is empty
	// when the data did not parse at all.
	Path    string
	Message string
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// ValidationError lists every violation found in one source.
type ValidationError struct {
	Source     string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return e.Source + ": " + e.Violations[0].String()
	}
	lines := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		lines[i] = v.String()
	}
	return fmt.Sprintf("%s: %d invalid values:\n  %s", e.Source, len(lines), strings.Join(lines, "\n  "))
}

func newValidationError(source string, err error) *ValidationError {
	ve := &ValidationError{Source: source}
	list := errors.Errors(err)
	if len(list) == 0 {
		ve.Violations = []Violation{{Message: err.Error()}}
		return ve
	}

	seen := make(map[Violation]bool, len(list))
	for _, e := range list {
		v := Violation{Path: strings.Join(errors.Path(e), "."), Message: e.Error()}
		if v.Path != "" {
			// Some messages repeat the path.
			v.Message = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(v.Message, v.Path), ":"))
		}
		if !seen[v] {
			seen[v] = true
			ve.Violations = append(ve.Violations, v)
		}
	}
	return ve
}
