// SPDX-License-Identifier: MPL-2.0

// Package workspace materialises per-invocation directories of links on the
// mount shared with the remote host.
//
// Each workspace lives under the client root as <root>/<invocation id> and is
// seen by the remote host under the server root with the same name. Entries
// are links to the client files named on the command line; nothing is ever
// copied, and releasing a workspace only removes the links themselves.
package workspace
