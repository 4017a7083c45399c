// SPDX-License-Identifier: MPL-2.0

// Package dispatch drives one proxied invocation through its states:
//
//	Idle -> WorkspaceBuilding -> Translating -> RemoteRunning -> Done
//	WorkspaceBuilding | Translating | RemoteRunning -> FallingBack -> Done
//
// Recoverable failures on the remote path fall back to the local binary.
// A non-zero status from the tool itself is a result, not a failure, and is
// propagated as is.
package dispatch
