// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/frtproxy/frt/internal/config"
	"github.com/frtproxy/frt/pkg/types"
)

const (
	formatText = "text"
	formatINI  = "ini"
	formatTOML = "toml"
)

// newConfigCommand creates the `frt config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect frt configuration",
		Long: `Inspect frt configuration.

The configuration file is /etc/frt.conf unless --config or FRT_CONFIG names
another one. Every key can be overridden by an environment variable named
FRT_<SECTION>_<KEY>, for example FRT_SERVER_HOST.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(cmd.Context(), app, cmd.OutOrStdout(), configPath(cmd), format)
		},
	}
	show.Flags().StringVar(&format, "format", formatText, "output format: text, ini or toml")
	cfgCmd.AddCommand(show)

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(configPath(cmd))
			state := ""
			if _, err := os.Stat(path); err != nil {
				state = " " + SubtitleStyle.Render("(not found)")
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), path+state)
			return err
		},
	})

	return cfgCmd
}

func showConfig(ctx context.Context, app *App, w io.Writer, configPath, format string) error {
	cfg, path, loadErr := app.Config.Load(ctx, config.LoadOptions{ConfigFilePath: configPath})
	var cfgErr *config.ConfigError
	if loadErr != nil && !errors.As(loadErr, &cfgErr) {
		return loadErr
	}

	var err error
	switch format {
	case formatText:
		err = writeConfigText(w, cfg, path)
	case formatINI:
		err = cfg.WriteINI(w)
	case formatTOML:
		err = cfg.WriteTOML(w)
	default:
		return fmt.Errorf("unknown format %q (valid: text, ini, toml)", format)
	}
	if err != nil {
		return err
	}

	if cfgErr != nil {
		return &ExitError{Code: types.ExitConfig, Err: cfgErr.Actionable()}
	}
	return nil
}

func writeConfigText(w io.Writer, cfg *config.Config, path string) error {
	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)

	file := path
	if _, err := os.Stat(path); err != nil {
		file += " " + SubtitleStyle.Render("(not found, using defaults)")
	}
	fmt.Fprintf(w, "%s: %s\n\n", KeyStyle.Render("Config file"), file)

	for _, kv := range cfg.Settings() {
		value := SuccessStyle.Render(kv[1])
		if kv[1] == "" {
			value = SubtitleStyle.Render("(unset)")
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render(kv[0]), value); err != nil {
			return err
		}
	}
	return nil
}
