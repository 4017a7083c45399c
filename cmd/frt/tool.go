// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/frtproxy/frt/internal/argv"
	"github.com/frtproxy/frt/internal/config"
	"github.com/frtproxy/frt/internal/dispatch"
	"github.com/frtproxy/frt/internal/logging"
	"github.com/frtproxy/frt/pkg/types"
)

// ProgramEnv forces the proxied tool regardless of the executable name.
const ProgramEnv = "FRT_PROGRAM"

// isCLI reports whether argv0 names the frt CLI rather than a proxied tool.
func isCLI(argv0 string) bool {
	return argv.ProgramFromPath(argv0).String() == config.AppName && os.Getenv(ProgramEnv) == ""
}

// resolveProgram picks the tool identity for a personality invocation:
// FRT_PROGRAM first, then a name the rules know, then Client.Program, then
// the executable name as it is.
func resolveProgram(argv0 string, cfg *config.Config) argv.Program {
	if p := os.Getenv(ProgramEnv); p != "" {
		return argv.Program(p)
	}
	p := argv.ProgramFromPath(argv0)
	if _, ok := argv.DefaultRegistry().Lookup(p); ok {
		return p
	}
	if cfg != nil && cfg.Client.Program != "" {
		return argv.Program(cfg.Client.Program)
	}
	return p
}

// newToolCommand builds the personality command. Flag parsing is disabled, so
// every argument reaches the tool untouched, --help and --version included.
func newToolCommand(app *App, argv0 string) *cobra.Command {
	return &cobra.Command{
		Use:                argv.ProgramFromPath(argv0).String(),
		DisableFlagParsing: true,
		SilenceErrors:      true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			full := append([]string{argv0}, args...)
			code := app.runTool(cmd.Context(), "", full, "", true)
			if code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}
}

// newExecCommand creates `frt exec <program> [args...]`.
func newExecCommand(app *App) *cobra.Command {
	c := &cobra.Command{
		Use:   "exec <program> [args...]",
		Short: "Run a tool through the proxy",
		Long: `Run a tool through the proxy, exactly as if frt had been invoked under the
tool's name. Everything after <program> is passed to the tool.`,
		Example: `  frt exec ffmpeg -i in.mkv -c:v libx264 out.mp4
  frt --config ./frt.conf exec ffprobe -show_streams in.mkv`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The exit code is the tool's; it is not an error of frt and
			// must not be printed on the tool's standard error.
			app.exitCode = app.runTool(cmd.Context(), argv.ProgramFromPath(args[0]), args, configPath(cmd), false)
			return nil
		},
	}
	c.Flags().SetInterspersed(false)
	return c
}

// runTool proxies one tool invocation and returns the exit code for the
// process. An empty program is resolved from args[0] once the configuration
// is known.
func (a *App) runTool(ctx context.Context, program argv.Program, args []string, configPath string, personality bool) types.ExitCode {
	id := uuid.NewString()
	s, err := a.open(ctx, configPath, logging.InvocationPrefix(id))
	if err != nil {
		if ctx.Err() != nil {
			return types.FromSignal(unix.SIGTERM)
		}
		return types.ExitConfig
	}
	defer s.Close()

	if program == "" {
		program = resolveProgram(args[0], s.cfg)
	}
	s.logger.Debug("invocation", "program", program, "personality", personality, "config", s.path)

	out := s.dispatcher.Run(ctx, &dispatch.Invocation{
		ID:      id,
		Program: program,
		Argv:    args,
		Stdin:   a.stdin,
		Stdout:  a.stdout,
		Stderr:  a.stderr,
	})
	return out.ExitCode
}
