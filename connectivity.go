package d3

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ============================================================================
// Connectivity oracle
// ============================================================================

// Connectivity is the advisory online/offline signal. It only decides when a
// sync is attempted; remote calls handle their own failures regardless.
type Connectivity struct {
	mu       sync.Mutex
	online   bool
	nextID   int
	onOnline map[int]func()
	onChange map[int]func(online bool)
	metrics  *Metrics
}

// NewConnectivity creates an oracle with the given initial state.
func NewConnectivity(initial bool) *Connectivity {
	return &Connectivity{
		online:   initial,
		onOnline: make(map[int]func()),
		onChange: make(map[int]func(bool)),
	}
}

// IsOnline returns the last reported state.
func (c *Connectivity) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline records a reachability report. Callbacks run only when the state
// actually changes, once per edge, outside the lock.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	changed := make([]func(bool), 0, len(c.onChange))
	for _, cb := range c.onChange {
		changed = append(changed, cb)
	}
	var became []func()
	if online {
		became = make([]func(), 0, len(c.onOnline))
		for _, cb := range c.onOnline {
			became = append(became, cb)
		}
	}
	metrics := c.metrics
	c.mu.Unlock()

	metrics.setOnline(online)
	for _, cb := range changed {
		func() {
			defer func() { recover() }()
			cb(online)
		}()
	}
	for _, cb := range became {
		func() {
			defer func() { recover() }()
			cb()
		}()
	}
}

// OnBecameOnline registers cb for every offline→online edge. The returned
// function unsubscribes it.
func (c *Connectivity) OnBecameOnline(cb func()) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.onOnline[id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onOnline, id)
	}
}

// OnChange registers cb for every edge in either direction.
func (c *Connectivity) OnChange(cb func(online bool)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.onChange[id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onChange, id)
	}
}

func (c *Connectivity) setMetrics(m *Metrics) {
	c.mu.Lock()
	c.metrics = m
	online := c.online
	c.mu.Unlock()
	m.setOnline(online)
}

// ============================================================================
// HTTP probe
// ============================================================================

// HTTPProbe polls a URL and reports reachability to a Connectivity. Any
// response below 500 counts as reachable; transport errors and 5xx do not.
type HTTPProbe struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	// Header is added to every probe request (e.g. the Supabase apikey).
	Header http.Header
	Logger *slog.Logger
}

// Check performs one probe.
func (p *HTTPProbe) Check(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	for k, vs := range p.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes immediately and then every Interval until ctx is done.
func (p *HTTPProbe) Run(ctx context.Context, conn *Connectivity) {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := p.Logger
	if logger == nil {
		logger = discardLogger()
	}
	logger = logger.With("component", "probe")

	report := func() {
		online := p.Check(ctx)
		if ctx.Err() != nil {
			return
		}
		if online != conn.IsOnline() {
			logger.Info("reachability changed", "url", p.URL, "online", online)
		}
		conn.SetOnline(online)
	}

	report()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report()
		}
	}
}
