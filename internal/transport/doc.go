// SPDX-License-Identifier: MPL-2.0

// Package transport runs commands on the remote host over SSH.
//
// Two implementations share the Transport interface. Session keeps one
// multiplexed golang.org/x/crypto/ssh connection per process and opens a
// channel per command. OpenSSH shells out to the ssh client and relies on its
// control master for persistence across processes.
//
// A connection that breaks is discarded; only commands running on it see the
// failure and the next command dials again.
package transport
