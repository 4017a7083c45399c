// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/frtproxy/frt/internal/issue"
	"github.com/frtproxy/frt/pkg/cueutil"
)

// ErrConfig is the sentinel error wrapped by ConfigError.
var ErrConfig = errors.New("configuration unusable")

// ConfigError reports a configuration that cannot drive the remote path.
// Missing lists every required key without a value; Cause is set when the
// file itself could not be read or failed validation.
type ConfigError struct {
	Path    string
	Missing []string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing required %s", strings.Join(e.Missing, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns ErrConfig and the cause, if any.
func (e *ConfigError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConfig}
	}
	return []error{ErrConfig, e.Cause}
}

// IssueID selects the catalog entry that explains the error.
func (e *ConfigError) IssueID() issue.Id {
	if len(e.Missing) > 0 {
		return issue.ConfigMissingId
	}
	return issue.ConfigInvalidId
}

// Actionable converts the error into a user-facing error with one
// suggestion per missing or rejected key.
func (e *ConfigError) Actionable() *issue.ActionableError {
	ctx := issue.NewErrorContext("load configuration", e.IssueID())
	if len(e.Missing) > 0 {
		for _, key := range e.Missing {
			section, name, _ := strings.Cut(key, ".")
			ctx.WithSuggestion("Set %s under [%s] in %s, or export %s", name, section, e.Path, settingEnv(key))
		}
		return ctx.WithSuggestion("Run 'frt check' once the file is complete").Wrap(e)
	}

	var ve *cueutil.ValidationError
	if errors.As(e.Cause, &ve) {
		for _, v := range ve.Violations {
			if v.Path == "" {
				continue
			}
			if s, ok := lookupSetting(v.Path); ok {
				ctx.WithSuggestion("Fix %s in %s (%s)", s.name, e.Path, v.Message)
			} else {
				ctx.WithSuggestion("Remove or correct %s in %s; frt does not know that key", v.Path, e.Path)
			}
		}
	}
	return ctx.
		WithSuggestion("Check that the file is valid INI with [Server], [Client], [Logging] and [Metrics] sections").
		WithSuggestion("Run 'frt config show' to see the effective values and their defaults").
		Wrap(e)
}

// lookupSetting finds a setting by its lower-case dotted key.
func lookupSetting(key string) (setting, bool) {
	for _, s := range settings {
		if s.key() == key {
			return s, true
		}
	}
	return setting{}, false
}

func settingEnv(name string) string {
	return setting{name: name}.env()
}
