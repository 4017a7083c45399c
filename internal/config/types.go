// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/frtproxy/frt/internal/workspace"
	"github.com/frtproxy/frt/pkg/types"
)

const (
	// TransportNative uses the built-in SSH client.
	TransportNative TransportKind = "native"
	// TransportOpenSSH runs the system ssh binary with connection sharing.
	TransportOpenSSH TransportKind = "openssh"
)

// ErrInvalidTransportKind is returned when a TransportKind value is not recognized.
var ErrInvalidTransportKind = errors.New("invalid transport")

type (
	// TransportKind selects the SSH implementation used for the remote host.
	TransportKind string

	// InvalidTransportKindError is returned when a TransportKind value is not
	// recognized. It wraps ErrInvalidTransportKind for errors.Is() compatibility.
	InvalidTransportKindError struct {
		Value TransportKind
	}

	// Config holds the effective configuration.
	Config struct {
		Server  ServerConfig  `toml:"Server"`
		Client  ClientConfig  `toml:"Client"`
		Logging LoggingConfig `toml:"Logging"`
		Metrics MetricsConfig `toml:"Metrics"`
	}

	// ServerConfig describes the remote host. Host, Username and
	// WorkingDirectory have no defaults.
	ServerConfig struct {
		Host           string     `toml:"Host"`
		Port           types.Port `toml:"Port"`
		Username       string     `toml:"Username"`
		IdentityFile   string     `toml:"IdentityFile"`
		KnownHostsFile string     `toml:"KnownHostsFile"`
		// WorkingDirectory is the shared mount as the remote host sees it.
		WorkingDirectory string        `toml:"WorkingDirectory"`
		FfmpegPath       string        `toml:"FfmpegPath"`
		FfprobePath      string        `toml:"FfprobePath"`
		Transport        TransportKind `toml:"Transport"`
		// ConnectTimeout bounds connecting to the host.
		ConnectTimeout time.Duration `toml:"ConnectTimeout"`
		// ConnectionPersist keeps an idle connection open for reuse.
		ConnectionPersist time.Duration `toml:"ConnectionPersist"`
		// CancelGrace is how long a cancelled tool may take to exit.
		CancelGrace time.Duration `toml:"CancelGrace"`
	}

	// ClientConfig describes the local side.
	ClientConfig struct {
		// WorkingDirectory is the shared mount as this host sees it.
		WorkingDirectory string                   `toml:"WorkingDirectory"`
		FfmpegPath       string                   `toml:"FfmpegPath"`
		FfprobePath      string                   `toml:"FfprobePath"`
		ExistingOutput   workspace.ExistingOutput `toml:"ExistingOutput"`
		// Program forces the proxied tool when argv[0] does not name one.
		Program string `toml:"Program"`
	}

	// LoggingConfig selects the log file and verbosity.
	LoggingConfig struct {
		LogFile string `toml:"LogFile"`
		Level   string `toml:"Level"`
	}

	// MetricsConfig enables the node_exporter textfile.
	MetricsConfig struct {
		// TextfilePath is rewritten after every invocation when set.
		TextfilePath string `toml:"TextfilePath"`
	}

	// rawConfig is the validated settings tree before type conversion. Every
	// value is a string.
	rawConfig struct {
		Server  rawServer  `json:"server"`
		Client  rawClient  `json:"client"`
		Logging rawLogging `json:"logging"`
		Metrics rawMetrics `json:"metrics"`
	}

	rawServer struct {
		Host              string `json:"host"`
		Port              string `json:"port"`
		Username          string `json:"username"`
		IdentityFile      string `json:"identityfile"`
		KnownHostsFile    string `json:"knownhostsfile"`
		WorkingDirectory  string `json:"workingdirectory"`
		FfmpegPath        string `json:"ffmpegpath"`
		FfprobePath       string `json:"ffprobepath"`
		Transport         string `json:"transport"`
		ConnectTimeout    string `json:"connecttimeout"`
		ConnectionPersist string `json:"connectionpersist"`
		CancelGrace       string `json:"cancelgrace"`
	}

	rawClient struct {
		WorkingDirectory string `json:"workingdirectory"`
		FfmpegPath       string `json:"ffmpegpath"`
		FfprobePath      string `json:"ffprobepath"`
		ExistingOutput   string `json:"existingoutput"`
		Program          string `json:"program"`
	}

	rawLogging struct {
		LogFile string `json:"logfile"`
		Level   string `json:"level"`
	}

	rawMetrics struct {
		TextfilePath string `json:"textfilepath"`
	}
)

// String returns the string representation of the TransportKind.
func (k TransportKind) String() string { return string(k) }

// Validate returns nil if the TransportKind is one of the known kinds.
func (k TransportKind) Validate() error {
	switch k {
	case TransportNative, TransportOpenSSH:
		return nil
	default:
		return &InvalidTransportKindError{Value: k}
	}
}

// Error implements the error interface.
func (e *InvalidTransportKindError) Error() string {
	return fmt.Sprintf("invalid transport %q (valid: native, openssh)", e.Value)
}

// Unwrap returns ErrInvalidTransportKind for errors.Is() compatibility.
func (e *InvalidTransportKindError) Unwrap() error { return ErrInvalidTransportKind }

// DefaultConfig returns the configuration used when a key is absent.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              22,
			FfmpegPath:        "/usr/bin/ffmpeg",
			FfprobePath:       "/usr/bin/ffprobe",
			Transport:         TransportNative,
			ConnectTimeout:    time.Second,
			ConnectionPersist: 10 * time.Minute,
			CancelGrace:       5 * time.Second,
		},
		Client: ClientConfig{
			WorkingDirectory: "/opt/frt/",
			FfmpegPath:       "/usr/bin/ffmpeg",
			FfprobePath:      "/usr/bin/ffprobe",
			ExistingOutput:   workspace.PolicySymlink,
		},
		Logging: LoggingConfig{
			LogFile: "/var/log/frt.log",
			Level:   "info",
		},
	}
}

// RemoteConfigured reports whether every required Server key is set.
func (c *Config) RemoteConfigured() bool {
	return len(c.missing()) == 0
}

// missing lists the required keys that are empty, in file order.
func (c *Config) missing() []string {
	var keys []string
	for _, s := range settings {
		if s.required && strings.TrimSpace(s.show(c)) == "" {
			keys = append(keys, s.name)
		}
	}
	return keys
}

// config converts validated strings into typed values. Fields the schema
// leaves open, such as the port range, are checked here.
func (r *rawConfig) config() (*Config, error) {
	cfg := DefaultConfig()
	var errs []error

	cfg.Server.Host = strings.TrimSpace(r.Server.Host)
	cfg.Server.Username = strings.TrimSpace(r.Server.Username)
	cfg.Server.IdentityFile = r.Server.IdentityFile
	cfg.Server.KnownHostsFile = r.Server.KnownHostsFile
	cfg.Server.WorkingDirectory = r.Server.WorkingDirectory
	setString(&cfg.Server.FfmpegPath, r.Server.FfmpegPath)
	setString(&cfg.Server.FfprobePath, r.Server.FfprobePath)
	if r.Server.Transport != "" {
		cfg.Server.Transport = TransportKind(r.Server.Transport)
		if err := cfg.Server.Transport.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.Server.Port != "" {
		n, err := strconv.Atoi(r.Server.Port)
		if err != nil {
			errs = append(errs, fmt.Errorf("Server.Port: %w", err))
		} else {
			cfg.Server.Port = types.Port(n)
			if err := cfg.Server.Port.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("Server.Port: %w", err))
			}
		}
	}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"Server.ConnectTimeout", r.Server.ConnectTimeout, &cfg.Server.ConnectTimeout},
		{"Server.ConnectionPersist", r.Server.ConnectionPersist, &cfg.Server.ConnectionPersist},
		{"Server.CancelGrace", r.Server.CancelGrace, &cfg.Server.CancelGrace},
	} {
		if d.raw == "" {
			continue
		}
		v, err := ParseDuration(d.raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		*d.dst = v
	}

	setString(&cfg.Client.WorkingDirectory, r.Client.WorkingDirectory)
	setString(&cfg.Client.FfmpegPath, r.Client.FfmpegPath)
	setString(&cfg.Client.FfprobePath, r.Client.FfprobePath)
	if r.Client.ExistingOutput != "" {
		p, err := workspace.ParseExistingOutput(r.Client.ExistingOutput)
		if err != nil {
			errs = append(errs, fmt.Errorf("Client.ExistingOutput: %w", err))
		} else {
			cfg.Client.ExistingOutput = p
		}
	}
	cfg.Client.Program = r.Client.Program

	setString(&cfg.Logging.LogFile, r.Logging.LogFile)
	setString(&cfg.Logging.Level, r.Logging.Level)
	cfg.Metrics.TextfilePath = r.Metrics.TextfilePath

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ParseDuration accepts Go duration syntax ("90s", "1m30s") or a plain number
// of seconds ("1", "0.5").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
