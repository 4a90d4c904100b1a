package search

import (
	"strings"
	"sync"
	"time"

	"stacked/searchservice/internal/domain"
)

const DefaultDebounceDelay = 300 * time.Millisecond

// Debouncer delays a call until input has been quiet for the configured
// delay. Only the latest input of a burst reaches the callback.
type Debouncer struct {
	delay time.Duration
	fire  func(query string)
	clear func()

	mu      sync.Mutex
	timer   *time.Timer
	pending string
	seq     uint64
	stopped bool
	firing  sync.WaitGroup
}

// NewDebouncer returns a Debouncer that calls fire with the latest query
// once input settles. clear, when set, runs immediately for empty input.
func NewDebouncer(delay time.Duration, fire func(query string), clear func()) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	return &Debouncer{delay: delay, fire: fire, clear: clear}
}

// DebounceSession wires a Debouncer to a Session's Search and ClearResults.
func DebounceSession(session *Session, delay time.Duration, types []domain.MediaType) *Debouncer {
	types = append([]domain.MediaType(nil), types...)
	return NewDebouncer(delay, func(query string) {
		session.Search(query, types)
	}, session.ClearResults)
}

func (d *Debouncer) Trigger(query string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.seq++
	d.stopTimerLocked()

	if strings.TrimSpace(query) == "" {
		d.mu.Unlock()
		if d.clear != nil {
			d.clear()
		}
		return
	}

	seq := d.seq
	d.pending = query
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.stopped || seq != d.seq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.firing.Add(1)
		d.mu.Unlock()
		defer d.firing.Done()
		d.fire(query)
	})
	d.mu.Unlock()
}

// Flush runs the pending call immediately instead of waiting out the delay.
// It also waits for a call that is already firing. It reports whether a
// pending call was run.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if d.stopped || d.timer == nil {
		d.mu.Unlock()
		d.firing.Wait()
		return false
	}
	d.seq++
	d.stopTimerLocked()
	query := d.pending
	d.firing.Add(1)
	d.mu.Unlock()

	defer d.firing.Done()
	d.fire(query)
	return true
}

// Cancel drops the pending call, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.stopTimerLocked()
}

// Stop cancels the pending call and ignores all later triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.seq++
	d.stopTimerLocked()
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *Debouncer) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
