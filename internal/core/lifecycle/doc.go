// SPDX-License-Identifier: MPL-2.0

// Package lifecycle provides the state machine shared by long-lived resources
// such as SSH connections and the in-process test SSH host.
//
// A Machine is single-use: once stopped or failed, create a new one. Callers
// that arrive while a resource is starting wait on the same Machine instead of
// starting a second resource.
package lifecycle
