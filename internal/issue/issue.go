// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// Id selects an entry of the catalog.
type Id int //nolint:revive // kept short for call sites like issue.Get(issue.ConfigMissingId)

const (
	ConfigMissingId Id = iota + 1
	ConfigInvalidId
	WorkingDirectoryUnusableId
	RemoteUnreachableId
	RemoteToolFailedId
	LocalToolMissingId
)

// Issue is the long explanation of a failure class, printed by 'frt check'
// below the failed line.
type Issue struct {
	markdown string
	links    []string
}

var render = glamour.Render

// Render formats the issue as terminal Markdown, links last. An empty
// stylePath picks glamour's automatic style.
func (i *Issue) Render(stylePath string) (string, error) {
	var b strings.Builder
	b.WriteString(i.markdown)
	if len(i.links) > 0 {
		b.WriteString("\n\n## See also\n")
		for _, link := range i.links {
			b.WriteString("\n- <" + link + ">")
		}
	}
	if stylePath == "" {
		stylePath = "auto"
	}
	return render(b.String(), stylePath)
}

// Get returns the catalog entry for id, or nil.
func Get(id Id) *Issue {
	return catalog[id]
}

var catalog = map[Id]*Issue{
	ConfigMissingId: {
		markdown: `
# Configuration incomplete

Remote transcoding is disabled because required settings are missing.
Every invocation falls back to the local binaries until this is fixed.

## Required settings
- **Server.Host**: the transcoding host
- **Server.Username**: the SSH login on that host
- **Server.WorkingDirectory**: the shared directory as the host sees it

## Example /etc/frt.conf
~~~ini
[Server]
Host = transcoder.lan
Username = frt
IdentityFile = /etc/frt/id_ed25519
WorkingDirectory = /srv/frt

[Client]
WorkingDirectory = /opt/frt
~~~

## Things you can try
- Show what frt actually loaded:
~~~
$ frt config show
~~~`,
	},
	ConfigInvalidId: {
		markdown: `
# Invalid configuration value

A setting in the configuration file or an FRT_* environment variable has a
value frt cannot use.

## Things you can try
- Durations accept Go syntax (` + "`1s`, `10m`" + `) or a plain number of seconds
- **Server.Transport** is ` + "`native` or `openssh`" + `
- **Client.ExistingOutput** is ` + "`symlink`, `hardlink` or `replace`" + `
- **Logging.Level** is ` + "`debug`, `info`, `warn` or `error`",
	},
	WorkingDirectoryUnusableId: {
		markdown: `
# Working directory unusable

frt links input and output files into **Client.WorkingDirectory**, which must
be the same share the remote host mounts at **Server.WorkingDirectory**.

## Things you can try
- Create the directory and make it writable for the user running frt
- Check that the share is mounted
- Enable wide links on the share so the host can follow links outside it:
~~~ini
[global]
allow insecure wide links = yes

[frt]
follow symlinks = yes
wide links = yes
~~~`,
		links: []string{"https://www.samba.org/samba/docs/current/man-html/smb.conf.5.html"},
	},
	RemoteUnreachableId: {
		markdown: `
# Remote host unreachable

frt could not open an SSH connection to the transcoding host.

## Things you can try
- Check **Server.Host** and **Server.Port**
- Make sure the key in **Server.IdentityFile** is authorized on the host
- If **Server.KnownHostsFile** is set, make sure it has the host's key:
~~~
$ ssh-keyscan -p 22 transcoder.lan >> /etc/frt/known_hosts
~~~`,
	},
	RemoteToolFailedId: {
		markdown: `
# Remote tool failed

The SSH connection works but the remote binary did not run.

## Things you can try
- Check **Server.FfmpegPath** and **Server.FfprobePath**
- Run the binary by hand on the host:
~~~
$ ssh frt@transcoder.lan /usr/bin/ffmpeg -version
~~~`,
	},
	LocalToolMissingId: {
		markdown: `
# Local fallback unavailable

The local binary used when the remote host cannot be reached is missing, or
it is frt itself.

## Things you can try
- Point **Client.FfmpegPath** and **Client.FfprobePath** at the real binaries
- Install frt under a different path than the binaries it replaces`,
	},
}
