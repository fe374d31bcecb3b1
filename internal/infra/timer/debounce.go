package timer

import (
	"sync"
	"time"
)

// Debouncer coalesces work by key: scheduling a key that is already pending
// replaces its callback (last write wins) and restarts the quiet period.
// Pending work can be flushed (run now) or cancelled.
type Debouncer struct {
	mu      sync.Mutex
	clock   Clock
	delay   time.Duration
	gen     uint64
	pending map[string]*pendingTask
}

type pendingTask struct {
	gen   uint64
	timer Timer
	fn    func()
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(clock Clock, delay time.Duration) *Debouncer {
	return &Debouncer{
		clock:   clock,
		delay:   delay,
		pending: make(map[string]*pendingTask),
	}
}

// Schedule runs fn once key has been quiet for the debounce delay.
func (d *Debouncer) Schedule(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.pending[key]; ok {
		old.timer.Stop()
	}
	d.gen++
	gen := d.gen
	task := &pendingTask{gen: gen, fn: fn}
	task.timer = d.clock.AfterFunc(d.delay, func() { d.fire(key, gen) })
	d.pending[key] = task
}

// fire runs the task if it is still the latest one for key.
func (d *Debouncer) fire(key string, gen uint64) {
	d.mu.Lock()
	task, ok := d.pending[key]
	if !ok || task.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	task.fn()
}

// Flush runs the pending task for key immediately.
// Returns false if nothing was pending.
func (d *Debouncer) Flush(key string) bool {
	d.mu.Lock()
	task, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
		task.timer.Stop()
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	task.fn()
	return true
}

// FlushAll runs every pending task immediately and returns how many ran.
func (d *Debouncer) FlushAll() int {
	d.mu.Lock()
	tasks := make([]*pendingTask, 0, len(d.pending))
	for key, task := range d.pending {
		task.timer.Stop()
		tasks = append(tasks, task)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, task := range tasks {
		task.fn()
	}
	return len(tasks)
}

// Cancel drops the pending task for key without running it.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.pending[key]
	if !ok {
		return false
	}
	task.timer.Stop()
	delete(d.pending, key)
	return true
}

// Pending returns the number of keys waiting to fire.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
