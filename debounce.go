package d3

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Debounced writes
// ============================================================================

// SaveFunc persists one answer.
type SaveFunc func(ctx context.Context, p ResponsePayload) error

type pendingWrite struct {
	payload ResponsePayload
	timer   *time.Timer
}

// Debouncer coalesces rapid edits of the same answer into one save of the
// final value after a quiet period. Edits of different answers are
// independent.
//
// A save that has started is not cancelled by a newer edit; the newer edit
// simply saves again when its own timer fires.
type Debouncer struct {
	quiet  time.Duration
	save   SaveFunc
	logger *slog.Logger

	mu       sync.Mutex
	idle     *sync.Cond
	pending  map[string]*pendingWrite
	inflight int
	ctx      context.Context
}

// NewDebouncer creates a debouncer that calls save after quiet has passed
// without another edit to the same field.
func NewDebouncer(quiet time.Duration, save SaveFunc, logger *slog.Logger) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if logger == nil {
		logger = discardLogger()
	}
	d := &Debouncer{
		quiet:   quiet,
		save:    save,
		logger:  logger.With("component", "debounce"),
		pending: make(map[string]*pendingWrite),
		ctx:     context.Background(),
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// ScheduleWrite replaces any pending edit of the same field and restarts its
// timer.
func (d *Debouncer) ScheduleWrite(p ResponsePayload) {
	key := p.FieldKey()
	pw := &pendingWrite{payload: p}

	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
	}
	d.pending[key] = pw
	pw.timer = time.AfterFunc(d.quiet, func() { d.fire(key, pw) })
}

func (d *Debouncer) fire(key string, pw *pendingWrite) {
	d.mu.Lock()
	if d.pending[key] != pw {
		// Superseded or already flushed.
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.inflight++
	ctx := d.ctx
	d.mu.Unlock()

	d.run(ctx, pw.payload)
}

func (d *Debouncer) run(ctx context.Context, p ResponsePayload) {
	defer func() {
		d.mu.Lock()
		d.inflight--
		if d.inflight == 0 {
			d.idle.Broadcast()
		}
		d.mu.Unlock()
	}()
	if err := d.save(ctx, p); err != nil {
		d.logger.Warn("debounced save failed", "field", p.FieldKey(), "error", err)
	}
}

// Pending returns the number of edits waiting for their quiet period.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Flush saves every pending edit now and waits for saves in flight.
func (d *Debouncer) Flush(ctx context.Context) {
	d.mu.Lock()
	writes := make([]*pendingWrite, 0, len(d.pending))
	for key, pw := range d.pending {
		pw.timer.Stop()
		delete(d.pending, key)
		writes = append(writes, pw)
	}
	d.inflight += len(writes)
	d.mu.Unlock()

	for _, pw := range writes {
		d.run(ctx, pw.payload)
	}

	d.mu.Lock()
	for d.inflight > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}
