// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable errors and Markdown guidance for the
// operator-facing commands. The proxied tool's own output never goes through
// this package.
package issue
