// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
)

// ActionableError is a failure as the user sees it: the operation frt was
// attempting, what it acted on, the steps likely to fix it and the catalog
// entry that explains it at length.
type ActionableError struct {
	Operation string
	// Resource is a path, a key or user@host:port. Optional.
	Resource    string
	Issue       Id
	Suggestions []string
	Cause       error
}

func (e *ActionableError) Error() string {
	var b strings.Builder
	b.WriteString("cannot ")
	b.WriteString(e.Operation)
	if e.Resource != "" {
		b.WriteString(" ")
		b.WriteString(e.Resource)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ActionableError) Unwrap() error {
	return e.Cause
}

// Format renders the error with one suggestion per line. verbose adds every
// error of the cause chain, outermost first.
func (e *ActionableError) Format(verbose bool) string {
	var b strings.Builder
	b.WriteString(e.Error())
	for _, s := range e.Suggestions {
		b.WriteString("\n  → ")
		b.WriteString(s)
	}
	if verbose && e.Cause != nil {
		b.WriteString("\n\ncaused by:")
		for i, err := 1, e.Cause; err != nil; i, err = i+1, errors.Unwrap(err) {
			fmt.Fprintf(&b, "\n  %d. %s", i, err)
		}
	}
	return b.String()
}

// ErrorContext collects what is known about an operation before it runs,
// so the failure path only has to supply the cause.
//
//	wd := issue.NewErrorContext("use working directory", issue.WorkingDirectoryUnusableId).
//		WithResource(root).
//		WithSuggestion("Mount the share at %s", root)
//	if err := check(root); err != nil {
//		return wd.Wrap(err)
//	}
type ErrorContext struct {
	err ActionableError
}

// NewErrorContext starts a context for operation, a verb phrase such as
// "load configuration".
func NewErrorContext(operation string, id Id) *ErrorContext {
	return &ErrorContext{err: ActionableError{Operation: operation, Issue: id}}
}

func (c *ErrorContext) WithResource(resource string) *ErrorContext {
	c.err.Resource = resource
	return c
}

// WithSuggestion appends a suggestion formatted as with fmt.Sprintf.
func (c *ErrorContext) WithSuggestion(format string, args ...any) *ErrorContext {
	c.err.Suggestions = append(c.err.Suggestions, fmt.Sprintf(format, args...))
	return c
}

// Wrap returns a new ActionableError with cause, or nil when cause is nil.
// The context stays reusable.
func (c *ErrorContext) Wrap(cause error) *ActionableError {
	if cause == nil {
		return nil
	}
	ae := c.err
	ae.Suggestions = append([]string(nil), c.err.Suggestions...)
	ae.Cause = cause
	return &ae
}
