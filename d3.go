// Package d3 is the offline-first sync layer of the D3 Bible study app.
//
// Answers, week completions and cached reads go through a local durable
// store first. Writes that cannot reach Supabase are queued and replayed in
// order when connectivity returns; reads fall back to the local mirror when
// the network is unavailable.
//
// Usage:
//
//	store, _ := d3.OpenSQLiteStore("~/.d3/local.db")
//	remote := d3.NewSupabaseClient(url, anonKey, d3.WithAccessToken(token))
//	engine, _ := d3.NewEngine(d3.Options{Store: store, Remote: remote})
//	engine.Start()
//	defer engine.Close()
//
//	engine.ScheduleWrite(d3.ResponsePayload{GroupID: g, UserID: u, WeekNumber: 3,
//		PassageKey: "p2", ResponseKey: "r3", ResponseText: "grace"})
package d3

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles sync lifecycle events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

// On registers a handler for an event name.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Options
// ============================================================================

// DefaultQuietPeriod is how long ScheduleWrite waits for more edits.
const DefaultQuietPeriod = 400 * time.Millisecond

// Options configures an Engine.
type Options struct {
	Store  Store
	Remote Remote
	// Passages is optional; without it ReadPassage only serves cached entries.
	Passages PassageSource
	// Connectivity defaults to an oracle that starts online.
	Connectivity *Connectivity

	QuietPeriod  time.Duration
	RejectPolicy RejectPolicy
	// PassageMaxAge makes older cached passages count as misses. Zero keeps
	// them forever.
	PassageMaxAge time.Duration
	// PassageMaxEntries prunes the oldest cached passages beyond this count.
	// Zero is unbounded.
	PassageMaxEntries int

	Logger  *slog.Logger
	Metrics *Metrics
}

// ============================================================================
// Engine
// ============================================================================

// Engine wires the store, queue, reconciler, read-through cache, write path
// and debouncer together.
type Engine struct {
	*emitter

	store      Store
	remote     Remote
	passages   PassageSource
	conn       *Connectivity
	queue      *Queue
	reconciler *Reconciler
	debouncer  *Debouncer

	passageMaxAge     time.Duration
	passageMaxEntries int
	logger            *slog.Logger
	metrics           *Metrics
	now               func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	unsubs  []func()
	started bool
	closed  bool
	// running counts background drains; idle is signalled when it drops to
	// zero. Both are guarded by mu.
	running int
	idle    *sync.Cond
}

// NewEngine validates opts, applies defaults and builds the engine. Call
// Start to subscribe to connectivity and run the boot drain.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("d3: store is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("d3: remote is required")
	}
	if opts.Connectivity == nil {
		opts.Connectivity = NewConnectivity(true)
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = DefaultQuietPeriod
	}
	if opts.RejectPolicy == "" {
		opts.RejectPolicy = RejectHold
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		emitter:           newEmitter(),
		store:             opts.Store,
		remote:            opts.Remote,
		passages:          opts.Passages,
		conn:              opts.Connectivity,
		queue:             NewQueue(opts.Store),
		passageMaxAge:     opts.PassageMaxAge,
		passageMaxEntries: opts.PassageMaxEntries,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		now:               time.Now,
		ctx:               ctx,
		cancel:            cancel,
	}
	e.idle = sync.NewCond(&e.mu)
	e.reconciler = NewReconciler(e.queue, opts.Remote, opts.RejectPolicy, opts.Logger, opts.Metrics, e.emitter)
	e.debouncer = NewDebouncer(opts.QuietPeriod, e.SaveResponse, opts.Logger)
	e.debouncer.ctx = ctx
	if opts.Metrics != nil {
		e.conn.setMetrics(opts.Metrics)
	}
	return e, nil
}

// Start subscribes to connectivity edges and drains once in the background.
// It is a no-op after the first call.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.unsubs = append(e.unsubs,
		e.conn.OnBecameOnline(func() { e.triggerDrain("online") }),
		e.conn.OnChange(func(online bool) {
			if online {
				e.emit("network.online", nil)
			} else {
				e.emit("network.offline", nil)
			}
		}),
	)
	e.mu.Unlock()

	e.triggerDrain("boot")
}

// Close flushes pending debounced writes, stops background drains and drops
// event listeners. It does not close the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	e.debouncer.Flush(e.ctx)
	e.cancel()
	e.Wait()
	e.removeAll()
	return nil
}

// Connectivity returns the oracle the engine listens to.
func (e *Engine) Connectivity() *Connectivity { return e.conn }

// Queue returns the mutation queue.
func (e *Engine) Queue() *Queue { return e.queue }

// Reconciler returns the drain engine.
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

// Store returns the local store.
func (e *Engine) Store() Store { return e.store }

// IsOnline reports the oracle's last state.
func (e *Engine) IsOnline() bool { return e.conn.IsOnline() }

// SetOnline forwards a reachability report to the oracle.
func (e *Engine) SetOnline(online bool) { e.conn.SetOnline(online) }

// Sync drains the queue now, whatever the oracle says, and waits for the
// result. It joins a drain that is already running.
func (e *Engine) Sync(ctx context.Context) (DrainResult, error) {
	return e.reconciler.Drain(ctx)
}

// Wait blocks until background drains started so far have finished.
func (e *Engine) Wait() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.running > 0 {
		e.idle.Wait()
	}
}

// triggerDrain starts a background drain when the oracle says online.
func (e *Engine) triggerDrain(reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.running++
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			e.running--
			if e.running == 0 {
				e.idle.Broadcast()
			}
			e.mu.Unlock()
		}()
		if !e.conn.IsOnline() {
			e.logger.Debug("drain skipped while offline", "component", "reconciler", "trigger", reason)
			return
		}
		res, err := e.reconciler.Drain(e.ctx)
		if err != nil {
			e.logger.Info("background drain stopped", "component", "reconciler", "trigger", reason,
				"applied", res.Applied, "remaining", res.Remaining, "error", err)
			return
		}
		if res.Applied > 0 || res.DeadLettered > 0 {
			e.logger.Info("background drain finished", "component", "reconciler", "trigger", reason,
				"applied", res.Applied, "deadLettered", res.DeadLettered)
		}
	}()
}
