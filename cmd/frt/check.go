// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/frtproxy/frt/internal/argv"
	"github.com/frtproxy/frt/internal/config"
	"github.com/frtproxy/frt/internal/issue"
	"github.com/frtproxy/frt/internal/transport"
	"github.com/frtproxy/frt/pkg/types"
)

// checkTimeout bounds the remote part of `frt check`.
const checkTimeout = 30 * time.Second

// checkReport prints one line per check and remembers the worst outcome.
type checkReport struct {
	w       io.Writer
	verbose bool
	code    types.ExitCode
	failed  []string
}

// newCheckCommand creates `frt check`.
func newCheckCommand(app *App) *cobra.Command {
	var verbose bool
	c := &cobra.Command{
		Use:   "check",
		Short: "Verify the configuration and the remote host",
		Long: `Verify that invocations can run remotely: the configuration is complete,
the shared working directory is writable, the host accepts the connection and
its ffmpeg runs. The local binaries used for fallback are checked as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &checkReport{w: cmd.OutOrStdout(), verbose: verbose}
			if err := runCheck(cmd.Context(), app, r, configPath(cmd)); err != nil {
				return err
			}
			if r.code != 0 {
				return &ExitError{Code: r.code, Err: fmt.Errorf("check failed: %v", r.failed)}
			}
			return nil
		},
	}
	c.Flags().BoolVarP(&verbose, "verbose", "v", false, "show full error chains")
	return c
}

func runCheck(ctx context.Context, app *App, r *checkReport, configPath string) error {
	s, err := app.open(ctx, configPath, "check")
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintln(r.w, TitleStyle.Render("frt check"))
	fmt.Fprintln(r.w)

	var cfgErr *config.ConfigError
	switch {
	case errors.As(s.cfgErr, &cfgErr):
		r.fail("configuration", types.ExitConfig, cfgErr.Actionable())
	case s.cfgErr != nil:
		r.fail("configuration", types.ExitConfig,
			issue.NewErrorContext("load configuration", issue.ConfigInvalidId).WithResource(s.path).Wrap(s.cfgErr))
	default:
		r.pass("configuration", s.path)
		checkRemote(ctx, s, r)
	}

	for _, p := range []argv.Program{argv.ProgramFFmpeg, argv.ProgramFFprobe} {
		key := "Client.FfmpegPath"
		if p == argv.ProgramFFprobe {
			key = "Client.FfprobePath"
		}
		path, err := s.local.Resolve(p)
		if err != nil {
			r.warn("local "+p.String(), issue.NewErrorContext("find local", issue.LocalToolMissingId).
				WithResource(p.String()).
				WithSuggestion("Set %s in %s to an installed %s; fallback runs fail without it", key, s.path, p).
				Wrap(err))
			continue
		}
		r.pass("local "+p.String(), path)
	}
	return nil
}

// checkRemote verifies the working directory, the connection and the remote
// ffmpeg in order, stopping at the first failure.
func checkRemote(ctx context.Context, s *stack, r *checkReport) {
	srv, cli := s.cfg.Server, s.cfg.Client

	wd := issue.NewErrorContext("use working directory", issue.WorkingDirectoryUnusableId).
		WithResource(cli.WorkingDirectory).
		WithSuggestion("Mount the share of %s:%s at %s, or set Client.WorkingDirectory in %s", srv.Host, srv.WorkingDirectory, cli.WorkingDirectory, s.path).
		WithSuggestion("Make it writable by the user that runs ffmpeg")
	if err := s.workspaces.CheckRoot(); err != nil {
		r.fail("working directory", types.ExitUnavailable, wd.Wrap(err))
		return
	}
	r.pass("working directory", cli.WorkingDirectory+" -> "+srv.WorkingDirectory)

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	target := fmt.Sprintf("%s@%s:%d", srv.Username, srv.Host, srv.Port)
	conn := issue.NewErrorContext("connect to", issue.RemoteUnreachableId).
		WithResource(target).
		WithSuggestion("Check that %s accepts SSH on port %d within Server.ConnectTimeout (%s)", srv.Host, srv.Port, srv.ConnectTimeout)
	if srv.KnownHostsFile != "" {
		conn.WithSuggestion("Confirm %s lists the host key of %s", srv.KnownHostsFile, srv.Host)
	}
	if srv.Transport == config.TransportOpenSSH {
		conn.WithSuggestion("Run 'ssh -p %d %s@%s true' to see what OpenSSH reports", srv.Port, srv.Username, srv.Host)
	} else {
		conn.WithSuggestion("Check that Server.IdentityFile or the SSH agent holds a key %s accepts for %s", srv.Host, srv.Username)
	}
	if err := s.transport.Ensure(ctx); err != nil {
		r.fail("connection", types.ExitUnavailable, conn.Wrap(err))
		return
	}
	r.pass("connection", target+" ("+srv.Transport.String()+")")

	tool := issue.NewErrorContext("run remote", issue.RemoteToolFailedId).
		WithResource(srv.FfmpegPath).
		WithSuggestion("Set Server.FfmpegPath in %s to the ffmpeg binary on %s", s.path, srv.Host)
	var stdout, stderr bytes.Buffer
	st, err := s.transport.Execute(ctx, transport.Command{
		Argv:   []string{srv.FfmpegPath, "-version"},
		Stdout: &stdout,
		Stderr: &stderr,
	})
	switch {
	case err != nil:
		r.fail("remote ffmpeg", types.ExitUnavailable, tool.Wrap(err))
	case st.ExitCode != 0:
		r.fail("remote ffmpeg", types.ExitUnavailable,
			tool.Wrap(fmt.Errorf("-version exited with %d: %s", st.ExitCode, firstLine(stderr.Bytes()))))
	default:
		r.pass("remote ffmpeg", firstLine(stdout.Bytes()))
	}
}

func firstLine(b []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(b))
	if sc.Scan() {
		return sc.Text()
	}
	return ""
}

func (r *checkReport) pass(name, detail string) {
	fmt.Fprintf(r.w, "%s %s %s\n", SuccessStyle.Render("✓"), KeyStyle.Render(name), SubtitleStyle.Render(detail))
}

func (r *checkReport) warn(name string, err *issue.ActionableError) {
	fmt.Fprintf(r.w, "%s %s %s\n", WarningStyle.Render("!"), KeyStyle.Render(name), err.Format(r.verbose))
	r.explain(err.Issue)
}

func (r *checkReport) fail(name string, code types.ExitCode, err *issue.ActionableError) {
	fmt.Fprintf(r.w, "%s %s %s\n", ErrorStyle.Render("✗"), KeyStyle.Render(name), err.Format(r.verbose))
	r.explain(err.Issue)
	r.failed = append(r.failed, name)
	if r.code == 0 {
		r.code = code
	}
}

// explain renders the catalog entry for id below the failed line.
func (r *checkReport) explain(id issue.Id) {
	entry := issue.Get(id)
	if entry == nil {
		return
	}
	out, err := entry.Render("auto")
	if err != nil {
		return
	}
	fmt.Fprint(r.w, out)
}
