// SPDX-License-Identifier: MPL-2.0

package workspace

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// RetryConfig bounds retries of link operations that fail with a stale file
// handle, which network mounts report transiently after server-side changes.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the retry policy used for shared mounts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

func isStale(err error) bool {
	return err != nil && errors.Is(err, unix.ESTALE)
}

// withRetry runs fn, retrying with capped exponential backoff while it fails
// with ESTALE. The last error is returned once retries are exhausted.
func (m *Manager) withRetry(ctx context.Context, op, path string, fn func() error) error {
	backoff := m.cfg.Retry.InitialBackoff
	var err error
	for attempt := 0; attempt <= m.cfg.Retry.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			if attempt > 0 {
				m.cfg.Logger.Info("stale handle cleared", "op", op, "path", path, "attempt", attempt)
			}
			return nil
		}
		if !isStale(err) || attempt == m.cfg.Retry.MaxRetries {
			break
		}

		m.cfg.Metrics.StaleRetry(op)
		m.cfg.Logger.Debug("stale file handle, retrying", "op", op, "path", path, "backoff", backoff, "attempt", attempt+1)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}

		backoff *= 2
		if backoff > m.cfg.Retry.MaxBackoff {
			backoff = m.cfg.Retry.MaxBackoff
		}
	}
	return err
}
