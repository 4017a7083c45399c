// SPDX-License-Identifier: MPL-2.0

package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/frtproxy/frt/internal/argv"
	"github.com/frtproxy/frt/internal/logging"
	"github.com/frtproxy/frt/internal/metrics"
)

type (
	// Config holds the manager's immutable settings.
	Config struct {
		// ClientRoot is the local directory on the shared mount.
		ClientRoot string
		// RemoteRoot is the same directory as the remote host sees it.
		RemoteRoot string
		// ExistingOutput is the policy for outputs that already exist.
		ExistingOutput ExistingOutput
		Retry          RetryConfig
		Logger         *log.Logger
		Metrics        *metrics.Metrics
	}

	// Manager creates and releases workspaces. It is safe for concurrent use;
	// workspaces never share a directory.
	Manager struct {
		cfg Config
	}

	// Entry is one link inside a workspace.
	Entry struct {
		// Index is the argument vector position the entry serves.
		Index int
		// Name is the link name inside the workspace directory.
		Name string
		Kind LinkKind
		// Target is the client path the link refers to.
		Target string
		// LinkPath is the absolute path of the link on the client.
		LinkPath string
		// RemotePath is the path to hand to the remote tool.
		RemotePath string
	}

	// Workspace is a materialised per-invocation directory. Release must be
	// called exactly once the invocation is done; further calls are no-ops.
	Workspace struct {
		mgr       *Manager
		id        string
		dir       string
		remoteDir string

		mu       sync.Mutex
		entries  []Entry
		byIndex  map[int]int
		byTarget map[string]string
		names    map[string]struct{}
		released bool
	}
)

// NewManager creates a manager. Zero retry settings and a nil logger are
// replaced with defaults.
func NewManager(cfg Config) *Manager {
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.ExistingOutput == "" {
		cfg.ExistingOutput = PolicySymlink
	}
	return &Manager{cfg: cfg}
}

// CheckRoot verifies that the client root is an existing, writable
// directory. Failures wrap ErrRootUnusable.
func (m *Manager) CheckRoot() error {
	root := m.cfg.ClientRoot
	unusable := func(cause error) error {
		return &WorkspaceError{Op: "check root", Path: root, Cause: fmt.Errorf("%w: %w", ErrRootUnusable, cause)}
	}

	if root == "" {
		return unusable(errors.New("no client working directory configured"))
	}
	fi, err := os.Stat(root)
	if err != nil {
		return unusable(err)
	}
	if !fi.IsDir() {
		return unusable(errors.New("not a directory"))
	}
	if err := unix.Access(root, unix.W_OK|unix.X_OK); err != nil {
		return unusable(fmt.Errorf("not writable: %w", err))
	}
	return nil
}

// Acquire creates a fresh workspace named id (a new UUID when id is empty)
// with one entry per path argument. On any failure everything built so far is
// removed and a *WorkspaceError is returned.
func (m *Manager) Acquire(ctx context.Context, id string, paths []argv.PathArgument) (*Workspace, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if id != filepath.Base(id) || id == "." || id == ".." {
		return nil, &WorkspaceError{Op: "acquire", Path: id, Cause: errors.New("invocation id must be a single path element")}
	}

	w := &Workspace{
		mgr:       m,
		id:        id,
		dir:       filepath.Join(m.cfg.ClientRoot, id),
		remoteDir: path.Join(m.cfg.RemoteRoot, id),
		byIndex:   make(map[int]int),
		byTarget:  make(map[string]string),
		names:     make(map[string]struct{}),
	}

	// Mkdir, not MkdirAll: an existing directory means a name collision.
	err := m.withRetry(ctx, "mkdir", w.dir, func() error { return os.Mkdir(w.dir, 0o755) })
	if err != nil {
		return nil, &WorkspaceError{Op: "create", Path: w.dir, Cause: err}
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, w.abort(&WorkspaceError{Op: "acquire", Path: w.dir, Cause: err})
		}
		if err := w.link(ctx, p); err != nil {
			return nil, w.abort(err)
		}
	}

	m.cfg.Logger.Debug("workspace ready", "dir", w.dir, "entries", len(w.entries))
	return w, nil
}

// abort releases a partially built workspace and returns cause, joined with
// any cleanup failure.
func (w *Workspace) abort(cause error) error {
	if err := w.Release(); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// link creates the entry for one path argument.
func (w *Workspace) link(ctx context.Context, p argv.PathArgument) error {
	m := w.mgr
	kind := KindSymlink
	target := p.ClientPath
	if p.LinkParent {
		kind = KindDirlink
		target = filepath.Dir(p.ClientPath)
	}

	var replaced bool
	if p.Role == argv.RoleOutput && kind == KindSymlink {
		fi, err := os.Lstat(target)
		switch {
		case err == nil && fi.IsDir():
			return &WorkspaceError{Op: "link", Path: target, Cause: errors.New("output destination is a directory")}
		case err == nil && m.cfg.ExistingOutput == PolicyHardlink && fi.Mode().IsRegular():
			kind = KindHardlink
		case err == nil && m.cfg.ExistingOutput == PolicyReplace:
			if err := m.withRetry(ctx, "replace", target, func() error { return os.Remove(target) }); err != nil {
				return &WorkspaceError{Op: "replace", Path: target, Cause: err}
			}
			replaced = true
		}
	}

	key := kind.String() + "\x00" + target
	name, reuse := w.byTarget[key]
	if !reuse {
		name = w.uniqueName(filepath.Base(target))
		linkPath := filepath.Join(w.dir, name)

		var err error
		if kind == KindHardlink {
			err = m.withRetry(ctx, "hardlink", linkPath, func() error { return os.Link(target, linkPath) })
			if errors.Is(err, unix.EXDEV) || errors.Is(err, unix.EPERM) {
				m.cfg.Logger.Debug("hard link refused, using symlink", "target", target, "err", err)
				kind = KindSymlink
				err = nil
			}
		}
		if err == nil && kind != KindHardlink {
			err = m.withRetry(ctx, "symlink", linkPath, func() error { return os.Symlink(target, linkPath) })
		}
		if err != nil {
			delete(w.names, name)
			return &WorkspaceError{Op: "link", Path: linkPath, Cause: err}
		}
		w.byTarget[key] = name
	}

	remote := path.Join(w.remoteDir, name)
	if kind == KindDirlink {
		remote = path.Join(remote, filepath.Base(p.ClientPath))
	}

	w.mu.Lock()
	w.byIndex[p.Index] = len(w.entries)
	w.entries = append(w.entries, Entry{
		Index:      p.Index,
		Name:       name,
		Kind:       kind,
		Target:     target,
		LinkPath:   filepath.Join(w.dir, name),
		RemotePath: remote,
	})
	w.mu.Unlock()

	m.cfg.Logger.Debug("linked", "index", p.Index, "role", p.Role, "kind", kind, "name", name, "target", target, "replaced", replaced)
	return nil
}

// uniqueName returns base, or base with the lowest free numeric prefix.
func (w *Workspace) uniqueName(base string) string {
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "root"
	}
	name := base
	for n := 1; ; n++ {
		if _, taken := w.names[name]; !taken {
			break
		}
		name = strconv.Itoa(n) + "-" + base
	}
	w.names[name] = struct{}{}
	return name
}

// ID returns the invocation id naming the workspace.
func (w *Workspace) ID() string { return w.id }

// Dir returns the client path of the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// RemoteDir returns the workspace directory as the remote host sees it.
func (w *Workspace) RemoteDir() string { return w.remoteDir }

// Entries returns a copy of the entries in creation order.
func (w *Workspace) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.entries)
}

// RemotePath returns the remote path for the argument at index.
func (w *Workspace) RemotePath(index int) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	i, ok := w.byIndex[index]
	if !ok {
		return "", false
	}
	return w.entries[i].RemotePath, true
}

// Mapper adapts the workspace to argv.Rewrite.
func (w *Workspace) Mapper() argv.Mapper {
	return func(p argv.PathArgument) (string, bool) {
		return w.RemotePath(p.Index)
	}
}

// Release removes every link and then the directory. Links are removed with
// os.Remove, which never follows them, so client files are untouched. It is
// idempotent and safe on a partially built workspace.
func (w *Workspace) Release() error {
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return nil
	}
	w.released = true
	entries := slices.Clone(w.entries)
	w.mu.Unlock()

	// Release runs after cancellation too, so it must not inherit a context.
	ctx := context.Background()
	m := w.mgr

	var errs []error
	removed := make(map[string]struct{}, len(entries))
	for _, e := range slices.Backward(entries) {
		if _, done := removed[e.LinkPath]; done {
			continue
		}
		removed[e.LinkPath] = struct{}{}
		err := m.withRetry(ctx, "remove", e.LinkPath, func() error { return os.Remove(e.LinkPath) })
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	// Anything the tool left behind in the directory itself goes too.
	// RemoveAll unlinks symlinks without descending into them.
	if err := m.withRetry(ctx, "rmdir", w.dir, func() error { return os.RemoveAll(w.dir) }); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return &WorkspaceError{Op: "release", Path: w.dir, Cause: errors.Join(errs...)}
	}
	m.cfg.Logger.Debug("workspace released", "dir", w.dir)
	return nil
}
