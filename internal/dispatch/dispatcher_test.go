// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	gossh "golang.org/x/crypto/ssh"

	"github.com/frtproxy/frt/internal/argv"
	"github.com/frtproxy/frt/internal/metrics"
	"github.com/frtproxy/frt/internal/runner"
	"github.com/frtproxy/frt/internal/sshserver"
	"github.com/frtproxy/frt/internal/testutil"
	"github.com/frtproxy/frt/internal/transport"
	"github.com/frtproxy/frt/internal/workspace"
	"github.com/frtproxy/frt/pkg/types"
)

// remoteTool stands in for ffmpeg on the remote host. It copies the -i input
// to the last argument; output names select slower or failing behaviour.
const remoteTool = `#!/bin/sh
echo remote >&2
while [ $# -gt 0 ]; do
	case "$1" in
	-i) in="$2"; shift 2 ;;
	*) out="$1"; shift ;;
	esac
done
case "$out" in
*slow*) exec sleep 30 ;;
*stream*) printf 'header'; exec sleep 30 ;;
*fail*) exit 3 ;;
esac
cat "$in" > "$out"
`

const localTool = `#!/bin/sh
echo local >&2
exit 7
`

type harness struct {
	root    string
	media   string
	srv     *sshserver.Server
	session *transport.Session
	metrics *metrics.Metrics
	d       *Dispatcher
}

type harnessOptions struct {
	unreachable  bool
	localMissing bool
	clientRoot   string
	disabled     error
}

func writeTool(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := testutil.MustWriteFile(t, dir, name, []byte(body))
	if err := os.Chmod(path, 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	base := t.TempDir()
	h := &harness{
		root:    filepath.Join(base, "frt"),
		media:   filepath.Join(base, "media"),
		metrics: metrics.New(),
	}
	for _, dir := range []string{h.root, h.media} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	bin := filepath.Join(base, "bin")
	remoteBin := writeTool(t, bin, "remote-ffmpeg", remoteTool)
	localBin := writeTool(t, bin, "local-ffmpeg", localTool)
	if opts.localMissing {
		localBin = filepath.Join(bin, "absent")
	}

	key, err := sshserver.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	identity, err := key.WriteIdentityFile(base, "id_ed25519")
	if err != nil {
		t.Fatal(err)
	}
	scfg := sshserver.DefaultConfig()
	scfg.AuthorizedKeys = []gossh.PublicKey{key.PublicKey()}
	h.srv = sshserver.New(scfg)
	if err := h.srv.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start SSH host: %v", err)
	}
	t.Cleanup(testutil.DeferStop(t, h.srv))

	port := h.srv.Port()
	if opts.unreachable {
		port = freePort(t)
	}
	h.session = transport.NewSession(transport.Config{
		Host:           h.srv.Host(),
		Port:           types.Port(port),
		User:           "frt",
		IdentityFiles:  []string{identity},
		ConnectTimeout: 5 * time.Second,
		Persist:        time.Minute,
		CancelGrace:    2 * time.Second,
		Metrics:        h.metrics,
	})
	t.Cleanup(func() { _ = h.session.Close() })

	clientRoot := h.root
	if opts.clientRoot != "" {
		clientRoot = opts.clientRoot
	}
	h.d = New(Config{
		Workspaces: workspace.NewManager(workspace.Config{ClientRoot: clientRoot, RemoteRoot: clientRoot, Metrics: h.metrics}),
		Translator: argv.NewTranslator(argv.DefaultRegistry()),
		Remote: &runner.RemoteRunner{
			Transport:   h.session,
			BinaryPaths: map[argv.Program]string{argv.ProgramFFmpeg: remoteBin},
		},
		Transport: h.session,
		Local: &runner.LocalRunner{
			BinaryPaths: map[argv.Program]string{argv.ProgramFFmpeg: localBin, "x264": localBin},
			CancelGrace: time.Second,
			Self:        filepath.Join(bin, "frt"),
		},
		Disabled: opts.disabled,
		Metrics:  h.metrics,
	})
	return h
}

// invocation builds `ffmpeg -i <media>/in.mkv <media>/<out>` with a real input.
func (h *harness) invocation(t *testing.T, out string) (*Invocation, *bytes.Buffer) {
	t.Helper()
	in := filepath.Join(h.media, "in.mkv")
	if _, err := os.Stat(in); err != nil {
		testutil.MustWriteFile(t, h.media, "in.mkv", []byte("frames"))
	}
	stderr := &syncBuffer{}
	return &Invocation{
		Program: argv.ProgramFFmpeg,
		Argv:    []string{"ffmpeg", "-i", in, filepath.Join(h.media, out)},
		Stderr:  stderr,
	}, &stderr.buf
}

func (h *harness) assertClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("working directory not cleaned up: %d entries left", len(entries))
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func TestDispatchRemote(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	inv, stderr := h.invocation(t, "out.mp4")
	inv.ID = "0b5e1c0a-0000-4000-8000-000000000001"

	out := h.d.Run(context.Background(), inv)

	if out.Err != nil || out.ExitCode != 0 || out.Path != PathRemote {
		t.Fatalf("Run() = %+v, want remote success", out)
	}
	wantStates := []State{StateIdle, StateWorkspaceBuilding, StateTranslating, StateRemoteRunning, StateDone}
	if !slices.Equal(out.States, wantStates) {
		t.Errorf("States = %v, want %v", out.States, wantStates)
	}
	got, err := os.ReadFile(filepath.Join(h.media, "out.mp4"))
	if err != nil || string(got) != "frames" {
		t.Errorf("output = %q, %v; want the input copied through the workspace", got, err)
	}
	if stderr.String() != "remote\n" {
		t.Errorf("stderr = %q", stderr.String())
	}

	cmds := h.srv.Commands()
	if len(cmds) != 1 {
		t.Fatalf("Commands() = %v", cmds)
	}
	if !strings.Contains(cmds[0], filepath.Join(h.root, inv.ID, "in.mkv")) || strings.Contains(cmds[0], h.media) {
		t.Errorf("remote command %q should only reference workspace paths", cmds[0])
	}
	h.assertClean(t)
}

func TestDispatchPropagatesToolFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	inv, stderr := h.invocation(t, "fail.mp4")

	out := h.d.Run(context.Background(), inv)

	if out.ExitCode != 3 || out.Path != PathRemote || out.FallbackReason != "" {
		t.Errorf("Run() = %+v, want remote exit 3 without fallback", out)
	}
	if strings.Contains(stderr.String(), "local") {
		t.Error("local fallback ran for a tool failure")
	}
	h.assertClean(t)
}

func TestDispatchFallsBackWhenHostUnreachable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{unreachable: true})
	inv, stderr := h.invocation(t, "out.mp4")

	out := h.d.Run(context.Background(), inv)

	if out.Path != PathLocal || out.ExitCode != 7 || out.FallbackReason != ReasonTransport {
		t.Errorf("Run() = %+v, want local fallback with exit 7", out)
	}
	if !errors.Is(out.Err, transport.ErrTransport) {
		t.Errorf("Err = %v, want the transport failure", out.Err)
	}
	if stderr.String() != "local\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
	if n, err := promtestutil.GatherAndCount(h.metrics.Gatherer(), "frt_fallbacks_total"); err != nil || n != 1 {
		t.Errorf("fallback series = %d, %v", n, err)
	}
	h.assertClean(t)
}

func TestDispatchFallsBackWhenConnectionBreaks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	inv, stderr := h.invocation(t, "slow.mp4")

	done := make(chan Outcome, 1)
	go func() { done <- h.d.Run(context.Background(), inv) }()

	testutil.Eventually(t, 5*time.Second, func() bool {
		return len(h.srv.Commands()) == 1
	}, "remote command never started")
	h.srv.DropConnections()

	select {
	case out := <-done:
		if out.Path != PathLocal || out.ExitCode != 7 {
			t.Errorf("Run() = %+v, want local fallback exit code 7", out)
		}
		if !strings.Contains(stderr.String(), "local") {
			t.Errorf("stderr = %q, want local output", stderr.String())
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run() did not return after the connection broke")
	}
	h.assertClean(t)

	// The next invocation redials.
	inv2, _ := h.invocation(t, "out.mp4")
	if out := h.d.Run(context.Background(), inv2); out.Path != PathRemote || out.ExitCode != 0 {
		t.Errorf("Run() after reconnect = %+v", out)
	}
}

func TestDispatchNoFallbackAfterStreaming(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	inv, stderr := h.invocation(t, "stream.ts")
	stdout := &syncBuffer{}
	inv.Stdout = stdout

	done := make(chan Outcome, 1)
	go func() { done <- h.d.Run(context.Background(), inv) }()

	testutil.Eventually(t, 5*time.Second, func() bool {
		return stdout.Len() > 0
	}, "remote command never wrote to stdout")
	h.srv.DropConnections()

	select {
	case out := <-done:
		if out.Path != PathRemote || out.ExitCode != types.ExitSSHFailure {
			t.Errorf("Run() = %+v, want remote failure without fallback", out)
		}
		if !errors.Is(out.Err, transport.ErrTransport) {
			t.Errorf("Err = %v", out.Err)
		}
		if strings.Contains(stderr.String(), "local") {
			t.Error("local fallback ran after stdout was written")
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run() did not return after the connection broke")
	}
	h.assertClean(t)
}

func TestDispatchNoFallbackAfterSSHClientFailure(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	root := filepath.Join(base, "frt")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(base, "bin")
	// The client relays part of the stream, then fails with its own status.
	ssh := writeTool(t, bin, "ssh", "#!/bin/sh\nprintf 'MEDIA-BYTES'\nexit 255\n")
	local := writeTool(t, bin, "local-ffmpeg", localTool)

	tr := transport.NewOpenSSH(transport.Config{Host: "media.example", User: "frt"})
	tr.Binary = ssh
	tr.ControlDir = filepath.Join(base, "ctl")

	d := New(Config{
		Workspaces: workspace.NewManager(workspace.Config{ClientRoot: root, RemoteRoot: root}),
		Translator: argv.NewTranslator(argv.DefaultRegistry()),
		Remote:     &runner.RemoteRunner{Transport: tr},
		Transport:  tr,
		Local: &runner.LocalRunner{
			BinaryPaths: map[argv.Program]string{argv.ProgramFFmpeg: local},
			Self:        filepath.Join(bin, "frt"),
		},
	})

	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	out := d.Run(context.Background(), &Invocation{
		Program: argv.ProgramFFmpeg,
		Argv:    []string{"ffmpeg", "-i", "pipe:0", "-f", "matroska", "pipe:1"},
		Stdin:   strings.NewReader(""),
		Stdout:  stdout,
		Stderr:  stderr,
	})

	if out.Path != PathRemote || out.ExitCode != types.ExitSSHFailure || out.FallbackReason != "" {
		t.Errorf("Run() = %+v, want the client failure without fallback", out)
	}
	if !errors.Is(out.Err, transport.ErrTransport) {
		t.Errorf("Err = %v, want a transport error", out.Err)
	}
	if got := stdout.String(); got != "MEDIA-BYTES" {
		t.Errorf("stdout = %q, want only the remote bytes", got)
	}
	if strings.Contains(stderr.String(), "local") {
		t.Error("local fallback ran after stdout was written")
	}
	entries, err := os.ReadDir(root)
	if err != nil || len(entries) != 0 {
		t.Errorf("working directory = %v, %v; want it empty", entries, err)
	}
}

func TestDispatchCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	inv, stderr := h.invocation(t, "slow.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan Outcome, 1)
	go func() { done <- h.d.Run(ctx, inv) }()

	testutil.Eventually(t, 5*time.Second, func() bool {
		return len(h.srv.Commands()) == 1
	}, "remote command never started")
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		if out.ExitCode != 143 || out.FallbackReason != "" {
			t.Errorf("Run() = %+v, want SIGTERM status without fallback", out)
		}
		if !errors.Is(out.Err, context.Canceled) {
			t.Errorf("Err = %v, want context.Canceled", out.Err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	if strings.Contains(stderr.String(), "local") {
		t.Error("local fallback ran after cancellation")
	}
	h.assertClean(t)

	inv2, _ := h.invocation(t, "after.mp4")
	if out := h.d.Run(context.Background(), inv2); out.Path != PathRemote || out.ExitCode != 0 {
		t.Errorf("Run() after cancellation = %+v, want the session to stay usable", out)
	}
	if got := h.srv.Accepted(); got != 1 {
		t.Errorf("Accepted() = %d, want the connection reused", got)
	}
}

func TestDispatchFallbackReasons(t *testing.T) {
	t.Parallel()

	errConfig := errors.New("missing Server.Host")

	tests := []struct {
		name       string
		opts       harnessOptions
		program    argv.Program
		input      string
		wantReason string
		wantCode   types.ExitCode
		wantStates []State
	}{
		{
			name:       "remote disabled",
			opts:       harnessOptions{disabled: errConfig},
			wantReason: ReasonConfig,
			wantCode:   7,
			wantStates: []State{StateIdle, StateFallingBack, StateDone},
		},
		{
			name:       "unknown program",
			program:    "x264",
			wantReason: ReasonUnknownProgram,
			wantCode:   7,
			wantStates: []State{StateIdle, StateFallingBack, StateDone},
		},
		{
			name:       "missing input",
			input:      "/nonexistent/input.mkv",
			wantReason: ReasonTranslation,
			wantCode:   7,
			wantStates: []State{StateIdle, StateWorkspaceBuilding, StateFallingBack, StateDone},
		},
		{
			name:       "workspace root missing",
			opts:       harnessOptions{clientRoot: "/nonexistent/frt"},
			wantReason: ReasonWorkspace,
			wantCode:   7,
			wantStates: []State{StateIdle, StateWorkspaceBuilding, StateFallingBack, StateDone},
		},
		{
			name:       "config error and no local binary",
			opts:       harnessOptions{disabled: errConfig, localMissing: true},
			wantReason: ReasonConfig,
			wantCode:   types.ExitConfig,
			wantStates: []State{StateIdle, StateFallingBack, StateDone},
		},
		{
			name:       "neither path usable",
			opts:       harnessOptions{unreachable: true, localMissing: true},
			wantReason: ReasonTransport,
			wantCode:   types.ExitUnavailable,
			wantStates: []State{StateIdle, StateWorkspaceBuilding, StateTranslating, StateRemoteRunning, StateFallingBack, StateDone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, tt.opts)
			inv, _ := h.invocation(t, "out.mp4")
			if tt.program != "" {
				inv.Program = tt.program
			}
			if tt.input != "" {
				inv.Argv[2] = tt.input
			}

			out := h.d.Run(context.Background(), inv)

			if out.FallbackReason != tt.wantReason || out.ExitCode != tt.wantCode {
				t.Errorf("Run() = %+v, want reason %s exit %d", out, tt.wantReason, tt.wantCode)
			}
			if !slices.Equal(out.States, tt.wantStates) {
				t.Errorf("States = %v, want %v", out.States, tt.wantStates)
			}
			if out.Err == nil {
				t.Error("Err should carry the cause of the fallback")
			}
			if len(h.srv.Commands()) != 0 {
				t.Errorf("remote ran %v", h.srv.Commands())
			}
			h.assertClean(t)
		})
	}
}

func TestDispatchConcurrent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})

	const n = 6
	invs := make([]*Invocation, n)
	for i := range invs {
		invs[i], _ = h.invocation(t, fmt.Sprintf("out-%d.mp4", i))
	}

	var wg sync.WaitGroup
	outs := make([]Outcome, n)
	for i := range n {
		wg.Go(func() { outs[i] = h.d.Run(context.Background(), invs[i]) })
	}
	wg.Wait()

	for i, out := range outs {
		if out.Path != PathRemote || out.ExitCode != 0 {
			t.Errorf("invocation %d = %+v", i, out)
		}
		if got, err := os.ReadFile(filepath.Join(h.media, fmt.Sprintf("out-%d.mp4", i))); err != nil || string(got) != "frames" {
			t.Errorf("output %d = %q, %v", i, got, err)
		}
	}
	if got := h.srv.Accepted(); got != 1 {
		t.Errorf("Accepted() = %d, want one shared connection", got)
	}
	h.assertClean(t)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateIdle:              "idle",
		StateWorkspaceBuilding: "workspace_building",
		StateRemoteRunning:     "remote_running",
		StateFallingBack:       "falling_back",
		StateDone:              "done",
		State(42):              "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
