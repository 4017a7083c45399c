// SPDX-License-Identifier: MPL-2.0

// Command frt runs ffmpeg and ffprobe on a remote host.
package main

import cmd "github.com/frtproxy/frt/cmd/frt"

func main() {
	cmd.Execute()
}
