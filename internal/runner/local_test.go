// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/frtproxy/frt/internal/argv"
	"github.com/frtproxy/frt/pkg/types"
)

func shellRunner(t *testing.T) *LocalRunner {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh on PATH")
	}
	return &LocalRunner{
		BinaryPaths: map[argv.Program]string{"sh": sh},
		CancelGrace: time.Second,
		Self:        filepath.Join(t.TempDir(), "frt"),
	}
}

func TestLocalRunner(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		script       string
		stdin        string
		wantCode     types.ExitCode
		wantSignaled bool
		wantStdout   string
		wantStderr   string
	}{
		{name: "success", script: "echo done", wantStdout: "done\n"},
		{name: "tool failure", script: "echo bad input >&2; exit 3", wantCode: 3, wantStderr: "bad input\n"},
		{name: "high status", script: "exit 254", wantCode: 254},
		{name: "signalled", script: "kill -TERM $$", wantCode: 143, wantSignaled: true},
		{name: "stdin", script: "tr a-z A-Z", stdin: "q", wantStdout: "Q"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			res := shellRunner(t).Run(context.Background(), &Job{
				Program: "sh",
				Argv:    []string{"sh", "-c", tt.script},
				Stdin:   strings.NewReader(tt.stdin),
				Stdout:  &stdout,
				Stderr:  &stderr,
			})

			if res.Error != nil {
				t.Fatalf("Run() error = %v", res.Error)
			}
			if !res.Started {
				t.Error("Started = false")
			}
			if res.ExitCode != tt.wantCode || res.Signaled != tt.wantSignaled {
				t.Errorf("Run() = code %d signaled %v, want %d %v", res.ExitCode, res.Signaled, tt.wantCode, tt.wantSignaled)
			}
			if stdout.String() != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", stdout.String(), tt.wantStdout)
			}
			if stderr.String() != tt.wantStderr {
				t.Errorf("stderr = %q, want %q", stderr.String(), tt.wantStderr)
			}
			if res.StdoutWritten != int64(len(tt.wantStdout)) {
				t.Errorf("StdoutWritten = %d, want %d", res.StdoutWritten, len(tt.wantStdout))
			}
			if res.StdinRead != int64(len(tt.stdin)) && tt.stdin != "" {
				t.Errorf("StdinRead = %d, want %d", res.StdinRead, len(tt.stdin))
			}
		})
	}
}

func TestLocalRunnerUnavailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		runner  func(t *testing.T) *LocalRunner
		wantErr error
	}{
		{
			name: "missing binary",
			runner: func(t *testing.T) *LocalRunner {
				return &LocalRunner{BinaryPaths: map[argv.Program]string{"ffmpeg": filepath.Join(t.TempDir(), "ffmpeg")}}
			},
			wantErr: ErrUnavailable,
		},
		{
			name: "binary is the proxy",
			runner: func(t *testing.T) *LocalRunner {
				r := shellRunner(t)
				r.BinaryPaths["ffmpeg"] = r.BinaryPaths["sh"]
				r.Self = r.BinaryPaths["sh"]
				return r
			},
			wantErr: ErrSelfExec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := tt.runner(t).Run(context.Background(), &Job{Program: "ffmpeg", Argv: []string{"ffmpeg", "-version"}})
			if !errors.Is(res.Error, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", res.Error, tt.wantErr)
			}
			if res.ExitCode != types.ExitUnavailable || res.Started {
				t.Errorf("Run() = %+v, want unstarted ExitUnavailable", res)
			}
		})
	}
}

func TestLocalRunnerCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := shellRunner(t).Run(ctx, &Job{Program: "sh", Argv: []string{"sh", "-c", "exec sleep 30"}})
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run() took %v after cancellation", elapsed)
	}
	if !res.Signaled || res.ExitCode != 143 {
		t.Errorf("Run() = %+v, want SIGTERM status 143", res)
	}
}

func TestBinaryArgv(t *testing.T) {
	t.Parallel()

	got := binaryArgv("/usr/lib/jellyfin-ffmpeg/ffmpeg", []string{"ffmpeg", "-i", "in.mkv"})
	if strings.Join(got, " ") != "/usr/lib/jellyfin-ffmpeg/ffmpeg -i in.mkv" {
		t.Errorf("binaryArgv() = %v", got)
	}
	if got := binaryArgv("ffprobe", []string{"ffprobe"}); len(got) != 1 {
		t.Errorf("binaryArgv() = %v", got)
	}
}
