// SPDX-License-Identifier: MPL-2.0

package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/frtproxy/frt/internal/metrics"
)

func TestIsStale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "bare errno", err: unix.ESTALE, want: true},
		{name: "path error", err: &os.PathError{Op: "symlink", Path: "/x", Err: unix.ESTALE}, want: true},
		{name: "wrapped", err: fmt.Errorf("link: %w", &os.LinkError{Op: "link", Err: unix.ESTALE}), want: true},
		{name: "other errno", err: unix.ENOENT, want: false},
		{name: "plain", err: errors.New("stale"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isStale(tt.err); got != tt.want {
				t.Errorf("isStale() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithRetry(t *testing.T) {
	t.Parallel()

	fast := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	t.Run("succeeds after stale handles", func(t *testing.T) {
		t.Parallel()

		m := NewManager(Config{Retry: fast, Metrics: metrics.New()})
		calls := 0
		err := m.withRetry(context.Background(), "symlink", "/x", func() error {
			calls++
			if calls < 3 {
				return unix.ESTALE
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("withRetry() = %v after %d calls, want nil after 3", err, calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		t.Parallel()

		m := NewManager(Config{Retry: fast})
		calls := 0
		err := m.withRetry(context.Background(), "remove", "/x", func() error {
			calls++
			return unix.ESTALE
		})
		if !errors.Is(err, unix.ESTALE) || calls != fast.MaxRetries+1 {
			t.Errorf("withRetry() = %v after %d calls", err, calls)
		}
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		t.Parallel()

		m := NewManager(Config{Retry: fast})
		calls := 0
		err := m.withRetry(context.Background(), "mkdir", "/x", func() error {
			calls++
			return os.ErrExist
		})
		if !errors.Is(err, os.ErrExist) || calls != 1 {
			t.Errorf("withRetry() = %v after %d calls", err, calls)
		}
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		t.Parallel()

		m := NewManager(Config{Retry: RetryConfig{MaxRetries: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour}})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := m.withRetry(ctx, "symlink", "/x", func() error { return unix.ESTALE })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("withRetry() = %v, want context.Canceled", err)
		}
	})
}
