// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the frt command line.
//
// The binary has two personalities. Installed under the name of a proxied
// tool (a symlink called ffmpeg or ffprobe), it treats its whole argument
// vector as the tool's and never parses a flag of its own. Invoked as frt, it
// is a small Cobra CLI with exec, check, config show and version commands.
package cmd
