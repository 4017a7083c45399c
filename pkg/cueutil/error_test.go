// SPDX-License-Identifier: MPL-2.0

package cueutil

import "testing"

func TestValidationErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *ValidationError
		want string
	}{
		{
			name: "one violation",
			err: &ValidationError{Source: "frt.conf", Violations: []Violation{
				{Path: "server.port", Message: `invalid value "ssh"`},
			}},
			want: `frt.conf: server.port: invalid value "ssh"`,
		},
		{
			name: "syntax error has no path",
			err:  &ValidationError{Source: "frt.conf", Violations: []Violation{{Message: "expected '}'"}}},
			want: "frt.conf: expected '}'",
		},
		{
			name: "several violations",
			err: &ValidationError{Source: "frt.conf", Violations: []Violation{
				{Path: "server.port", Message: "out of bound"},
				{Path: "logging.level", Message: "empty disjunction"},
			}},
			want: "frt.conf: 2 invalid values:\n  server.port: out of bound\n  logging.level: empty disjunction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
