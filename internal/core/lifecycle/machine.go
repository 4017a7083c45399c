// SPDX-License-Identifier: MPL-2.0

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by WaitReady when the resource was stopped before it
// became usable.
var ErrStopped = errors.New("stopped before ready")

// Machine tracks one resource through Created, Starting, Running, Stopping
// and a terminal state. Reads are lock-free; transitions use compare-and-swap.
type Machine struct {
	state atomic.Int32

	mu      sync.Mutex
	lastErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// readyCh closes when Starting is left, successfully or not.
	readyCh   chan struct{}
	readyOnce sync.Once
	// doneCh closes when a terminal state is reached.
	doneCh   chan struct{}
	doneOnce sync.Once
}

// New creates a Machine in StateCreated.
func New() *Machine {
	m := &Machine{
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.state.Store(int32(StateCreated))
	return m
}

// State returns the current state (atomic, lock-free read).
func (m *Machine) State() State {
	return State(m.state.Load())
}

// IsRunning returns true if the machine is in StateRunning.
func (m *Machine) IsRunning() bool {
	return m.State() == StateRunning
}

// LastError returns the error that caused StateFailed, or nil.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Start moves Created to Starting. It fails if the machine was already
// started or if ctx is already cancelled, in which case the machine fails.
func (m *Machine) Start(ctx context.Context) error {
	// Checked first so a cancelled caller never reaches Running.
	select {
	case <-ctx.Done():
		m.Fail(fmt.Errorf("context cancelled before start: %w", ctx.Err()))
		return m.LastError()
	default:
	}

	if !m.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("cannot start in state %s", m.State())
	}
	return nil
}

// MarkRunning moves Starting to Running and releases WaitReady callers.
func (m *Machine) MarkRunning() {
	if m.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		m.readyOnce.Do(func() { close(m.readyCh) })
	}
}

// Fail records err and moves Created, Starting or Running to StateFailed.
// The first failure wins. Calls made once a stop has begun are ignored.
func (m *Machine) Fail(err error) {
	for {
		cur := m.State()
		if cur.IsTerminal() || cur == StateStopping {
			return
		}
		if m.state.CompareAndSwap(int32(cur), int32(StateFailed)) {
			break
		}
	}

	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()

	m.cancel()
	m.readyOnce.Do(func() { close(m.readyCh) })
	m.doneOnce.Do(func() { close(m.doneCh) })
}

// BeginStop moves Starting or Running to Stopping and cancels the machine
// context. It returns false when there is nothing to stop; a machine that was
// never started goes straight to StateStopped.
func (m *Machine) BeginStop() bool {
	for {
		cur := m.State()
		switch cur {
		case StateStopped, StateFailed, StateStopping:
			return false
		case StateCreated:
			if m.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
				m.cancel()
				m.readyOnce.Do(func() { close(m.readyCh) })
				m.doneOnce.Do(func() { close(m.doneCh) })
				return false
			}
		case StateStarting, StateRunning:
			if !m.state.CompareAndSwap(int32(cur), int32(StateStopping)) {
				continue
			}
			m.cancel()
			m.readyOnce.Do(func() { close(m.readyCh) })
			return true
		default:
			return false
		}
	}
}

// MarkStopped moves Stopping to StateStopped. Call it after Wait returns.
func (m *Machine) MarkStopped() {
	if m.state.CompareAndSwap(int32(StateStopping), int32(StateStopped)) {
		m.doneOnce.Do(func() { close(m.doneCh) })
	}
}

// WaitReady blocks until the machine leaves StateStarting. It returns nil
// when the resource is running, the failure cause when it failed, ErrStopped
// when it was stopped first, or the wrapped ctx error.
func (m *Machine) WaitReady(ctx context.Context) error {
	select {
	case <-m.readyCh:
	case <-ctx.Done():
		return fmt.Errorf("waiting for ready: %w", ctx.Err())
	}

	switch m.State() {
	case StateRunning:
		return nil
	case StateFailed:
		return m.LastError()
	default:
		return ErrStopped
	}
}

// Done returns a channel closed once the machine is stopped or failed.
func (m *Machine) Done() <-chan struct{} {
	return m.doneCh
}

// Context returns the machine's internal context, cancelled on stop or
// failure.
func (m *Machine) Context() context.Context {
	return m.ctx
}

// Go runs fn in a tracked goroutine with the machine context.
func (m *Machine) Go(fn func(ctx context.Context)) {
	m.wg.Go(func() { fn(m.ctx) })
}

// Wait blocks until every goroutine started with Go has returned.
func (m *Machine) Wait() {
	m.wg.Wait()
}
