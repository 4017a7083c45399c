// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/frtproxy/frt/internal/argv"
	"github.com/frtproxy/frt/internal/config"
	"github.com/frtproxy/frt/internal/dispatch"
	"github.com/frtproxy/frt/internal/logging"
	"github.com/frtproxy/frt/internal/metrics"
	"github.com/frtproxy/frt/internal/runner"
	"github.com/frtproxy/frt/internal/transport"
	"github.com/frtproxy/frt/internal/workspace"
	"github.com/frtproxy/frt/pkg/types"
)

type (
	// App wires CLI services. Every command handler receives an App and
	// builds what it needs through it.
	App struct {
		Config config.Provider
		stdin  io.Reader
		stdout io.Writer
		stderr io.Writer
		// self is the proxy's executable, never run as a fallback.
		self string
		// exitCode is set by handlers that finish without an error but must
		// still end the process with a non-zero code.
		exitCode types.ExitCode
	}

	// Dependencies are the injection points for building an App. Nil fields
	// are replaced with production defaults by NewApp.
	Dependencies struct {
		Config config.Provider
		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
		Self   string
	}

	// stack is everything one invocation needs, built from a loaded
	// configuration.
	stack struct {
		cfg  *config.Config
		path string
		// cfgErr disables the remote path when set.
		cfgErr     error
		logger     *log.Logger
		logCloser  io.Closer
		metrics    *metrics.Metrics
		workspaces *workspace.Manager
		transport  transport.Transport
		remote     *runner.RemoteRunner
		local      *runner.LocalRunner
		dispatcher *dispatch.Dispatcher
	}
)

// NewApp creates an App, filling unset dependencies with the process
// defaults.
func NewApp(deps Dependencies) *App {
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.Stdin == nil {
		deps.Stdin = os.Stdin
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	return &App{
		Config: deps.Config,
		stdin:  deps.Stdin,
		stdout: deps.Stdout,
		stderr: deps.Stderr,
		self:   deps.Self,
	}
}

// open loads the configuration and builds the services for one invocation.
// A configuration error does not fail open: it is kept in the stack and
// routes every invocation to the local runner.
func (a *App) open(ctx context.Context, configPath, logPrefix string) (*stack, error) {
	cfg, path, err := a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: configPath})
	var cfgErr *config.ConfigError
	if err != nil && !errors.As(err, &cfgErr) {
		return nil, err
	}

	s := &stack{cfg: cfg, path: path, metrics: metrics.New()}
	if cfgErr != nil {
		s.cfgErr = cfgErr
	}

	// Records are dropped when the log file cannot be opened.
	s.logger, s.logCloser, _ = logging.Open(logging.Options{
		File:   cfg.Logging.LogFile,
		Level:  cfg.Logging.Level,
		Prefix: logPrefix,
	})
	if s.cfgErr != nil {
		s.logger.Warn("remote execution disabled", "config", path, "error", s.cfgErr)
	}

	s.local = &runner.LocalRunner{
		BinaryPaths: map[argv.Program]string{
			argv.ProgramFFmpeg:  cfg.Client.FfmpegPath,
			argv.ProgramFFprobe: cfg.Client.FfprobePath,
		},
		CancelGrace: cfg.Server.CancelGrace,
		Self:        a.self,
		Logger:      s.logger,
	}

	dcfg := dispatch.Config{
		Local:    s.local,
		Disabled: s.cfgErr,
		Logger:   s.logger,
		Metrics:  s.metrics,
	}
	if s.cfgErr == nil {
		t, err := transport.New(cfg.Server.Transport.String(), transportConfig(cfg, s.logger, s.metrics))
		if err != nil {
			s.cfgErr = &config.ConfigError{Path: path, Cause: err}
			dcfg.Disabled = s.cfgErr
		} else {
			s.transport = t
			s.workspaces = workspace.NewManager(workspace.Config{
				ClientRoot:     cfg.Client.WorkingDirectory,
				RemoteRoot:     cfg.Server.WorkingDirectory,
				ExistingOutput: cfg.Client.ExistingOutput,
				Retry:          workspace.DefaultRetryConfig(),
				Logger:         s.logger,
				Metrics:        s.metrics,
			})
			s.remote = &runner.RemoteRunner{
				Transport: t,
				BinaryPaths: map[argv.Program]string{
					argv.ProgramFFmpeg:  cfg.Server.FfmpegPath,
					argv.ProgramFFprobe: cfg.Server.FfprobePath,
				},
				Logger: s.logger,
			}
			dcfg.Workspaces = s.workspaces
			dcfg.Translator = argv.NewTranslator(argv.DefaultRegistry())
			dcfg.Remote = s.remote
			dcfg.Transport = t
			// An unusable root is an operator error, never retried per invocation.
			if err := s.workspaces.CheckRoot(); err != nil {
				s.logger.Error("client working directory unusable, remote execution disabled",
					"key", "Client.WorkingDirectory", "path", cfg.Client.WorkingDirectory, "config", path, "error", err)
				dcfg.Disabled = &config.ConfigError{Path: path, Cause: fmt.Errorf("Client.WorkingDirectory: %w", err)}
			}
		}
	}
	s.dispatcher = dispatch.New(dcfg)
	return s, nil
}

// transportConfig maps the [Server] section onto the SSH transport settings.
func transportConfig(cfg *config.Config, logger *log.Logger, m *metrics.Metrics) transport.Config {
	tc := transport.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		User:           cfg.Server.Username,
		KnownHostsFile: cfg.Server.KnownHostsFile,
		UseAgent:       os.Getenv("SSH_AUTH_SOCK") != "",
		ConnectTimeout: cfg.Server.ConnectTimeout,
		Persist:        cfg.Server.ConnectionPersist,
		CancelGrace:    cfg.Server.CancelGrace,
		Logger:         logger,
		Metrics:        m,
	}
	if cfg.Server.IdentityFile != "" {
		tc.IdentityFiles = []string{cfg.Server.IdentityFile}
	}
	return tc
}

// Close flushes metrics and releases the transport and the log file.
func (s *stack) Close() {
	if err := s.metrics.WriteTextfile(s.cfg.Metrics.TextfilePath); err != nil {
		s.logger.Warn("metrics not written", "error", err)
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("closing transport", "error", err)
		}
	}
	_ = s.logCloser.Close()
}
