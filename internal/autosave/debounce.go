// Package autosave coalesces bursts of edits so expensive per-save side
// effects (archive commits, index pushes) run once per editing pause instead
// of once per keystroke.
package autosave

import (
	"sync"
	"time"
)

// DefaultQuiet is how long a project must go untouched before its pending
// save fires.
const DefaultQuiet = 5 * time.Second

// SaveFunc receives the project ID whose edits have settled. It must read
// the current state itself; the debouncer carries no payload so only the
// latest version is ever saved.
type SaveFunc func(projectID string)

// Debouncer tracks one pending timer per project.
type Debouncer struct {
	quiet time.Duration
	save  SaveFunc

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// New returns a debouncer firing save after quiet of inactivity per project.
// quiet <= 0 uses DefaultQuiet.
func New(quiet time.Duration, save SaveFunc) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	return &Debouncer{
		quiet:  quiet,
		save:   save,
		timers: make(map[string]*time.Timer),
	}
}

// Touch records an edit: any pending save for the project is pushed back by
// the full quiet period.
func (d *Debouncer) Touch(projectID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if timer, ok := d.timers[projectID]; ok {
		timer.Reset(d.quiet)
		return
	}
	d.timers[projectID] = time.AfterFunc(d.quiet, func() {
		d.fire(projectID)
	})
}

// Flush runs the pending save for a project immediately, if one is pending.
func (d *Debouncer) Flush(projectID string) {
	d.mu.Lock()
	timer, ok := d.timers[projectID]
	if ok {
		delete(d.timers, projectID)
		timer.Stop()
	}
	d.mu.Unlock()

	if ok {
		d.save(projectID)
	}
}

// Cancel drops any pending save for a project without running it. Used when
// the project is deleted mid-burst.
func (d *Debouncer) Cancel(projectID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.timers[projectID]; ok {
		delete(d.timers, projectID)
		timer.Stop()
	}
}

// Stop cancels every pending save and rejects further touches.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
}

func (d *Debouncer) fire(projectID string) {
	d.mu.Lock()
	_, ok := d.timers[projectID]
	if ok {
		delete(d.timers, projectID)
	}
	stopped := d.stopped
	d.mu.Unlock()

	if ok && !stopped {
		d.save(projectID)
	}
}
