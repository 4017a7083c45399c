// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/frtproxy/frt/internal/issue"
	"github.com/frtproxy/frt/pkg/types"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

const configFlag = "config"

// terminationSignals cancel the running invocation. The tool is signalled,
// the workspace released and the process exits with the tool's status.
var terminationSignals = []os.Signal{os.Interrupt, unix.SIGTERM, unix.SIGHUP, unix.SIGQUIT}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the process's command line and exits. It is called by
// main.main.
func Execute() {
	ctx, stop := notifyContext(context.Background())
	code := Run(ctx, NewApp(Dependencies{}), os.Args)
	stop()
	os.Exit(int(code))
}

// notifyContext returns a context cancelled by any of terminationSignals.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, terminationSignals...)
}

// Run executes args, where args[0] is the name the binary was invoked by,
// and returns the process exit code.
func Run(ctx context.Context, app *App, args []string) types.ExitCode {
	if !isCLI(args[0]) {
		c := newToolCommand(app, args[0])
		c.SetArgs(args[1:])
		c.SetIn(app.stdin)
		c.SetOut(app.stdout)
		c.SetErr(app.stderr)
		return exitCode(app, c.ExecuteContext(ctx))
	}

	root := newRootCommand(app)
	root.SetArgs(args[1:])
	root.SetIn(app.stdin)
	root.SetOut(app.stdout)
	root.SetErr(app.stderr)
	err := fang.Execute(ctx, root, fang.WithVersion(getVersionString()))
	return exitCode(app, err)
}

// newRootCommand builds the frt CLI.
func newRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "frt",
		Short: "Run ffmpeg and ffprobe on a remote host",
		Long: TitleStyle.Render("frt") + SubtitleStyle.Render(" - run ffmpeg and ffprobe on a remote host") + `

Install frt under the name of the tool it replaces, for example as a
symlink called ffmpeg. Each invocation then runs on the host named in
/etc/frt.conf, with file arguments mapped through a directory both hosts
share, and falls back to the local binary when the host cannot be used.

` + SubtitleStyle.Render("Examples:") + `
  frt check                 Verify the configuration and the remote host
  frt exec ffmpeg -version  Run a tool through the proxy
  frt config show           Show the effective configuration`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String(configFlag, "", "config file (default is $FRT_CONFIG or /etc/frt.conf)")

	root.AddCommand(
		newExecCommand(app),
		newCheckCommand(app),
		newConfigCommand(app),
		newVersionCommand(),
	)
	return root
}

// configPath returns the --config value, empty when unset.
func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString(configFlag)
	return p
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the frt version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "frt "+getVersionString())
			return err
		},
	}
}

// formatErrorForDisplay formats an error for user display. ActionableErrors
// carry their suggestions.
func formatErrorForDisplay(err error, verbose bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verbose)
	}
	return err.Error()
}
