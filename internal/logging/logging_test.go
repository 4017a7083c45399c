// SPDX-License-Identifier: MPL-2.0

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenAppendsLogfmt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "frt.log")
	if err := os.WriteFile(path, []byte("earlier\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	logger, closer, err := Open(Options{File: path, Level: "debug", Prefix: InvocationPrefix("0123456789")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	logger.Debug("dispatch", "program", "ffmpeg", "path", "remote")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	for _, want := range []string{"earlier\n", "prefix=frt-012345", "msg=dispatch", "program=ffmpeg", "path=remote"} {
		if !strings.Contains(got, want) {
			t.Errorf("log output missing %q:\n%s", want, got)
		}
	}
}

func TestOpenFallsBackToDiscard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "no file", opts: Options{}},
		{name: "unwritable", opts: Options{File: filepath.Join(t.TempDir(), "missing", "frt.log")}, wantErr: true},
		{name: "bad level", opts: Options{File: filepath.Join(t.TempDir(), "frt.log"), Level: "chatty"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, closer, err := Open(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if logger == nil || closer == nil {
				t.Fatal("Open() must always return a usable logger and closer")
			}
			logger.Error("dropped")
			_ = closer.Close()
		})
	}
}

func TestInvocationPrefix(t *testing.T) {
	t.Parallel()

	if got := InvocationPrefix("ab"); got != "frt-ab" {
		t.Errorf("InvocationPrefix(short) = %q", got)
	}
	if got := InvocationPrefix("9f1c2d3e-aaaa"); got != "frt-9f1c2d" {
		t.Errorf("InvocationPrefix(uuid) = %q", got)
	}
}
