// SPDX-License-Identifier: MPL-2.0

// Package testutil holds helpers shared by the package tests: a fake clock
// for the transport's idle timer, fail-fast file and cleanup helpers, polling
// with Eventually and the semaphore that limits concurrent containers.
package testutil
