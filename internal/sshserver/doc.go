// SPDX-License-Identifier: MPL-2.0

// Package sshserver provides an in-process SSH host built on Wish. It runs
// exec requests through a shell the way sshd does, forwards signals to the
// command's process group and reports exit statuses, which makes it a stand-in
// for the remote transcoding host in tests and local trials.
//
// Only public-key authentication is accepted, for the keys listed in Config.
package sshserver
