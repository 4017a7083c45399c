// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/frtproxy/frt/pkg/cueutil"
)

const (
	// AppName is the application name.
	AppName = "frt"
	// DefaultPath is read when neither --config nor FRT_CONFIG is given.
	DefaultPath = "/etc/frt.conf"
	// PathEnv names the environment variable that overrides DefaultPath.
	PathEnv = "FRT_CONFIG"
	// EnvPrefix is prepended to every environment override.
	EnvPrefix = "FRT"
)

//go:embed config_schema.cue
var configSchema []byte

var compiledSchema = sync.OnceValues(func() (*cueutil.Schema, error) {
	return cueutil.Compile(configSchema, "#Config")
})

// setting describes one key of the file. The table order is the order used
// by 'frt config show' and by missing-key reports.
type setting struct {
	name     string
	def      string
	required bool
	show     func(*Config) string
}

var settings = []setting{
	{name: "Server.Host", required: true, show: func(c *Config) string { return c.Server.Host }},
	{name: "Server.Port", def: "22", show: func(c *Config) string { return c.Server.Port.String() }},
	{name: "Server.Username", required: true, show: func(c *Config) string { return c.Server.Username }},
	{name: "Server.IdentityFile", show: func(c *Config) string { return c.Server.IdentityFile }},
	{name: "Server.KnownHostsFile", show: func(c *Config) string { return c.Server.KnownHostsFile }},
	{name: "Server.WorkingDirectory", required: true, show: func(c *Config) string { return c.Server.WorkingDirectory }},
	{name: "Server.FfmpegPath", def: "/usr/bin/ffmpeg", show: func(c *Config) string { return c.Server.FfmpegPath }},
	{name: "Server.FfprobePath", def: "/usr/bin/ffprobe", show: func(c *Config) string { return c.Server.FfprobePath }},
	{name: "Server.Transport", def: "native", show: func(c *Config) string { return c.Server.Transport.String() }},
	{name: "Server.ConnectTimeout", def: "1s", show: func(c *Config) string { return c.Server.ConnectTimeout.String() }},
	{name: "Server.ConnectionPersist", def: "10m", show: func(c *Config) string { return c.Server.ConnectionPersist.String() }},
	{name: "Server.CancelGrace", def: "5s", show: func(c *Config) string { return c.Server.CancelGrace.String() }},
	{name: "Client.WorkingDirectory", def: "/opt/frt/", show: func(c *Config) string { return c.Client.WorkingDirectory }},
	{name: "Client.FfmpegPath", def: "/usr/bin/ffmpeg", show: func(c *Config) string { return c.Client.FfmpegPath }},
	{name: "Client.FfprobePath", def: "/usr/bin/ffprobe", show: func(c *Config) string { return c.Client.FfprobePath }},
	{name: "Client.ExistingOutput", def: "symlink", show: func(c *Config) string { return string(c.Client.ExistingOutput) }},
	{name: "Client.Program", show: func(c *Config) string { return c.Client.Program }},
	{name: "Logging.LogFile", def: "/var/log/frt.log", show: func(c *Config) string { return c.Logging.LogFile }},
	{name: "Logging.Level", def: "info", show: func(c *Config) string { return c.Logging.Level }},
	{name: "Metrics.TextfilePath", show: func(c *Config) string { return c.Metrics.TextfilePath }},
}

// key is the Viper key of the setting.
func (s setting) key() string { return strings.ToLower(s.name) }

// env is the environment variable that overrides the setting.
func (s setting) env() string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(s.name, ".", "_"))
}

// ResolvePath returns the file to load: the explicit path when set, then
// FRT_CONFIG, then DefaultPath.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// loadWithOptions reads, validates and decodes the configuration. It always
// returns a usable Config: on a *ConfigError the Config carries the defaults
// plus every value that could be read, so the client settings remain valid.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return DefaultConfig(), "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	path := ResolvePath(opts.ConfigFilePath)
	v, err := newViper()
	if err != nil {
		return DefaultConfig(), path, err
	}

	var notFound error
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cueutil.CheckSize(data, path); err != nil {
			return DefaultConfig(), path, &ConfigError{Path: path, Cause: err}
		}
		if err := loadINIIntoViper(v, data); err != nil {
			return DefaultConfig(), path, &ConfigError{Path: path, Cause: fmt.Errorf("%s: %w", path, err)}
		}
	case errors.Is(err, fs.ErrNotExist):
		// The environment may still provide every required key.
		notFound = fmt.Errorf("config file not found: %s", path)
	default:
		return DefaultConfig(), path, &ConfigError{Path: path, Cause: fmt.Errorf("read config: %w", err)}
	}

	raw, err := validate(v.AllSettings(), path)
	if err != nil {
		return DefaultConfig(), path, &ConfigError{Path: path, Cause: err}
	}
	cfg, err := raw.config()
	if err != nil {
		return DefaultConfig(), path, &ConfigError{Path: path, Cause: err}
	}

	if missing := cfg.missing(); len(missing) > 0 {
		return cfg, path, &ConfigError{Path: path, Missing: missing, Cause: notFound}
	}
	return cfg, path, nil
}

// newViper returns a Viper instance that knows every default and binds every
// key to its FRT_ environment variable.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, s := range settings {
		if s.def != "" {
			v.SetDefault(s.key(), s.def)
		}
		if err := v.BindEnv(s.key(), s.env()); err != nil {
			return nil, fmt.Errorf("bind %s: %w", s.env(), err)
		}
	}
	return v, nil
}

// loadINIIntoViper parses an INI file and merges its sections into Viper,
// below the environment overrides and above the defaults.
func loadINIIntoViper(v *viper.Viper, data []byte) error {
	m, err := decodeINI(data)
	if err != nil {
		return err
	}
	if err := v.MergeConfigMap(m); err != nil {
		return fmt.Errorf("merge config: %w", err)
	}
	return nil
}

// validate checks the merged settings against the #Config schema. JSON is a
// subset of CUE, so the settings map is handed over in that form.
func validate(all map[string]any, path string) (*rawConfig, error) {
	data, err := json.Marshal(stringify(all))
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	var raw rawConfig
	if err := schema.Decode(data, path, &raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

// stringify renders every leaf as a string. Viper may keep non-string
// defaults set by callers; the schema only deals in strings.
func stringify(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		switch val := val.(type) {
		case map[string]any:
			out[k] = stringify(val)
		case string:
			out[k] = val
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// Settings returns every key with its effective value, in file order.
func (c *Config) Settings() [][2]string {
	out := make([][2]string, 0, len(settings))
	for _, s := range settings {
		out = append(out, [2]string{s.name, s.show(c)})
	}
	return out
}

// Required lists the keys without which the remote path is disabled.
func Required() []string {
	var keys []string
	for _, s := range settings {
		if s.required {
			keys = append(keys, s.name)
		}
	}
	return keys
}
