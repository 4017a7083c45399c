// SPDX-License-Identifier: MPL-2.0

// Package runner executes one tool invocation either on the remote host,
// through a transport, or locally against the client's own binary. Both
// runners stream output live and report the tool's exit status exactly.
package runner
