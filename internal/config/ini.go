// SPDX-License-Identifier: MPL-2.0

package config

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/ini.v1"
)

// iniOptions match the classic INI dialect: '#' and ';' start a comment only
// at the beginning of a line, and both '=' and ':' separate keys from values.
var iniOptions = ini.LoadOptions{
	IgnoreInlineComment: true,
	KeyValueDelimiters:  "=:",
}

// decodeINI turns an INI document into a section -> key -> value tree with
// lower-cased names. Keys outside any section are kept at the top level.
func decodeINI(data []byte) (map[string]any, error) {
	f, err := ini.LoadSources(iniOptions, data)
	if err != nil {
		return nil, fmt.Errorf("parse ini: %w", err)
	}

	out := make(map[string]any)
	for _, sec := range f.Sections() {
		keys := sec.Keys()
		if len(keys) == 0 {
			continue
		}
		target := out
		if sec.Name() != ini.DefaultSection {
			name := strings.ToLower(sec.Name())
			m, ok := out[name].(map[string]any)
			if !ok {
				m = make(map[string]any)
				out[name] = m
			}
			target = m
		}
		for _, k := range keys {
			target[strings.ToLower(k.Name())] = k.String()
		}
	}
	return out, nil
}

// WriteINI writes the effective configuration in the format it is read in.
func (c *Config) WriteINI(w io.Writer) error {
	f := ini.Empty(iniOptions)
	for _, kv := range c.Settings() {
		section, key, _ := strings.Cut(kv[0], ".")
		if _, err := f.Section(section).NewKey(key, kv[1]); err != nil {
			return fmt.Errorf("write %s: %w", kv[0], err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return fmt.Errorf("write ini: %w", err)
	}
	_, err := w.Write(bytes.TrimLeft(buf.Bytes(), "\n"))
	return err
}

// WriteTOML writes the effective configuration as TOML, with durations in Go
// syntax.
func (c *Config) WriteTOML(w io.Writer) error {
	tree := make(map[string]map[string]string)
	for _, kv := range c.Settings() {
		section, key, _ := strings.Cut(kv[0], ".")
		if tree[section] == nil {
			tree[section] = make(map[string]string)
		}
		tree[section][key] = kv[1]
	}

	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	if err := enc.Encode(tree); err != nil {
		return fmt.Errorf("write toml: %w", err)
	}
	return nil
}
