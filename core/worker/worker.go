// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides the halt-channel lifecycle primitive embedded by
// the Listener in transport/listener. A Worker is started implicitly the first time
// Go is called, and Halt is idempotent and may be called from any
// goroutine.
package worker

import "sync"

// Worker is embedded by types that run one or more background goroutines
// which must be stopped together on shutdown.
type Worker struct {
	sync.WaitGroup

	haltOnce sync.Once
	haltCh   chan struct{}
	initOnce sync.Once
}

func (w *Worker) init() {
	w.haltCh = make(chan struct{})
}

// HaltCh returns the channel that is closed when Halt is called.
// Background goroutines select on it alongside their blocking I/O so that
// no suspension point monopolizes a scheduler worker past shutdown.
func (w *Worker) HaltCh() chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// Go starts fn in a new goroutine tracked by the Worker's WaitGroup.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt closes the halt channel exactly once and waits for every goroutine
// started via Go to return.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.Wait()
}

// IsHalted reports whether Halt has already been invoked, without blocking.
func (w *Worker) IsHalted() bool {
	w.initOnce.Do(w.init)
	select {
	case <-w.haltCh:
		return true
	default:
		return false
	}
}
