// SPDX-License-Identifier: MPL-2.0

// Package types defines small value types shared across the proxy: process
// exit codes and network ports. It imports only the standard library.
package types
