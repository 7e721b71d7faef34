package d3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// phoenixMessage is the Supabase Realtime frame (Phoenix serializer 1.0.0).
type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type phoenixReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// ChangeEvent is a row change on a watched table, as delivered by a Realtime
// postgres_changes broadcast or a database webhook.
type ChangeEvent struct {
	Type      string          `json:"type"`
	Schema    string          `json:"schema"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

type postgresChangesPayload struct {
	Data ChangeEvent `json:"data"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeWatcher.
type RealtimeConfig struct {
	// SupabaseURL is the project URL (https://<ref>.supabase.co).
	SupabaseURL string
	AnonKey     string
	AccessToken string
	// Tables to subscribe to in the public schema. Empty means heartbeat only.
	Tables []string

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnect backoff
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter; a connection that stayed up for a
// minute resets the backoff.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeWatcher
// ============================================================================

// RealtimeWatcher keeps a Supabase Realtime socket open and uses it as a
// reachability source: an open socket with answered heartbeats means online.
// Row changes on the subscribed tables are handed to OnChange.
type RealtimeWatcher struct {
	config RealtimeConfig
	logger *slog.Logger
	recon  *reconnector

	mu       sync.Mutex
	state    RealtimeState
	onChange []func(ChangeEvent)

	ref atomic.Int64
}

// NewRealtimeWatcher creates a watcher; call Run to start it.
func NewRealtimeWatcher(config RealtimeConfig) *RealtimeWatcher {
	config.defaults()
	return &RealtimeWatcher{
		config: config,
		logger: config.Logger.With("component", "realtime"),
		recon:  &reconnector{baseDelay: config.ReconnectBaseDelay, maxDelay: config.ReconnectMaxDelay},
		state:  StateDisconnected,
	}
}

// OnChange registers a handler for row changes.
func (w *RealtimeWatcher) OnChange(h func(ChangeEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, h)
}

// State returns the connection state.
func (w *RealtimeWatcher) State() RealtimeState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *RealtimeWatcher) setState(s RealtimeState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run connects, reports reachability to conn and reconnects with backoff
// until ctx is done.
func (w *RealtimeWatcher) Run(ctx context.Context, conn *Connectivity) {
	defer w.setState(StateDisconnected)
	for {
		w.setState(StateConnecting)
		err := w.session(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		conn.SetOnline(false)

		delay := w.recon.nextDelay()
		w.setState(StateReconnecting)
		w.logger.Info("realtime disconnected", "error", err, "retryIn", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *RealtimeWatcher) session(ctx context.Context, conn *Connectivity) error {
	u, err := realtimeURL(w.config.SupabaseURL, w.config.AnonKey)
	if err != nil {
		return err
	}
	ws, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: w.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	if err := w.join(ctx, ws); err != nil {
		return err
	}

	w.setState(StateConnected)
	w.recon.markConnected()
	conn.SetOnline(true)
	w.logger.Debug("realtime connected", "tables", w.config.Tables)

	replies := &replyWaiter{pending: make(map[string]chan struct{})}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.readLoop(gctx, ws, replies) })
	g.Go(func() error { return w.heartbeatLoop(gctx, ws, replies) })
	return g.Wait()
}

func (w *RealtimeWatcher) nextRef() string {
	return strconv.FormatInt(w.ref.Add(1), 10)
}

func (w *RealtimeWatcher) send(ctx context.Context, ws *websocket.Conn, topic, event string, payload any, ref string) error {
	p, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(phoenixMessage{Topic: topic, Event: event, Payload: p, Ref: &ref})
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func (w *RealtimeWatcher) join(ctx context.Context, ws *websocket.Conn) error {
	if len(w.config.Tables) == 0 {
		return nil
	}
	changes := make([]map[string]string, 0, len(w.config.Tables))
	for _, t := range w.config.Tables {
		changes = append(changes, map[string]string{"event": "*", "schema": "public", "table": t})
	}
	payload := map[string]any{
		"config": map[string]any{"postgres_changes": changes},
	}
	if w.config.AccessToken != "" {
		payload["access_token"] = w.config.AccessToken
	}
	return w.send(ctx, ws, "realtime:d3", "phx_join", payload, w.nextRef())
}

func (w *RealtimeWatcher) readLoop(ctx context.Context, ws *websocket.Conn, replies *replyWaiter) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var msg phoenixMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Event {
		case "phx_reply":
			if msg.Ref != nil {
				var reply phoenixReply
				if json.Unmarshal(msg.Payload, &reply) == nil && reply.Status != "ok" {
					w.logger.Warn("realtime reply not ok", "topic", msg.Topic, "status", reply.Status)
				}
				replies.resolve(*msg.Ref)
			}
		case "postgres_changes":
			var p postgresChangesPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				w.logger.Debug("undecodable change", "error", err)
				continue
			}
			w.dispatch(p.Data)
		case "phx_error", "phx_close":
			return fmt.Errorf("channel %s: %s", msg.Topic, msg.Event)
		}
	}
}

func (w *RealtimeWatcher) dispatch(ev ChangeEvent) {
	w.mu.Lock()
	handlers := append([]func(ChangeEvent){}, w.onChange...)
	w.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(ev)
		}()
	}
}

func (w *RealtimeWatcher) heartbeatLoop(ctx context.Context, ws *websocket.Conn, replies *replyWaiter) error {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ref := w.nextRef()
			ch := replies.expect(ref)
			if err := w.send(ctx, ws, "phoenix", "heartbeat", struct{}{}, ref); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			timer := time.NewTimer(w.config.HeartbeatTimeout)
			select {
			case <-ch:
				timer.Stop()
			case <-timer.C:
				replies.forget(ref)
				ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return errHeartbeatTimeout
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
}

var errHeartbeatTimeout = errors.New("heartbeat timeout")

type replyWaiter struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
}

func (r *replyWaiter) expect(ref string) <-chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	r.pending[ref] = ch
	r.mu.Unlock()
	return ch
}

func (r *replyWaiter) resolve(ref string) {
	r.mu.Lock()
	ch, ok := r.pending[ref]
	delete(r.pending, ref)
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (r *replyWaiter) forget(ref string) {
	r.mu.Lock()
	delete(r.pending, ref)
	r.mu.Unlock()
}

// realtimeURL turns a project URL into its Realtime websocket endpoint.
func realtimeURL(base, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse supabase url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
