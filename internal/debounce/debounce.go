// Package debounce coalesces bursts of triggers into single calls.
package debounce

import (
	"sync"
	"time"
)

// Debouncer runs fn once delay has passed since the first pending Trigger.
// Triggers while a call is scheduled are absorbed; a trigger during a call
// schedules exactly one follow-up. Calls never overlap.
type Debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	running bool
	rerun   bool
	stopped bool
	wg      sync.WaitGroup
}

func New(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.running {
		d.rerun = true
		return
	}
	if d.pending {
		return
	}
	d.scheduleLocked()
}

func (d *Debouncer) scheduleLocked() {
	d.pending = true
	d.wg.Add(1)
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *Debouncer) fire() {
	defer d.wg.Done()

	d.mu.Lock()
	d.pending = false
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	d.fn()

	d.mu.Lock()
	d.running = false
	if d.rerun && !d.stopped {
		d.rerun = false
		d.scheduleLocked()
	}
	d.mu.Unlock()
}

// Stop cancels a scheduled call and waits for a running one to return.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.rerun = false
	if d.pending && d.timer != nil && d.timer.Stop() {
		d.pending = false
		d.wg.Done()
	}
	d.mu.Unlock()
	d.wg.Wait()
}
