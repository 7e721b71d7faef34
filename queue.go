package d3

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Intents
// ============================================================================

// IntentKind is the closed set of queued write kinds. The string values are
// the persisted wire names.
type IntentKind string

const (
	IntentUpsertResponse       IntentKind = "upsert_response"
	IntentUpsertWeekCompletion IntentKind = "upsert_week_completion"
	IntentDeleteWeekCompletion IntentKind = "delete_week_completion"
)

// Intent is a decoded queue entry. Exactly one payload field is set,
// matching Kind.
type Intent struct {
	ID        int64
	Kind      IntentKind
	CreatedAt time.Time

	Response   *ResponsePayload
	Completion *WeekCompletionPayload
	Week       *WeekKey
}

// NewResponseIntent builds an UpsertResponse intent.
func NewResponseIntent(p ResponsePayload) Intent {
	return Intent{Kind: IntentUpsertResponse, Response: &p}
}

// NewCompletionIntent builds an UpsertWeekCompletion intent.
func NewCompletionIntent(p WeekCompletionPayload) Intent {
	return Intent{Kind: IntentUpsertWeekCompletion, Completion: &p}
}

// NewDeleteCompletionIntent builds a DeleteWeekCompletion intent.
func NewDeleteCompletionIntent(k WeekKey) Intent {
	return Intent{Kind: IntentDeleteWeekCompletion, Week: &k}
}

// Cell returns the response slot the intent writes, if it is a response upsert.
func (in Intent) Cell() (WeekKey, CellKey, bool) {
	if in.Kind != IntentUpsertResponse || in.Response == nil {
		return WeekKey{}, CellKey{}, false
	}
	p := in.Response
	return WeekKey{GroupID: p.GroupID, UserID: p.UserID, WeekNumber: p.WeekNumber}, p.Cell(), true
}

func (in Intent) payload() (any, error) {
	switch in.Kind {
	case IntentUpsertResponse:
		if in.Response != nil {
			return in.Response, nil
		}
	case IntentUpsertWeekCompletion:
		if in.Completion != nil {
			return in.Completion, nil
		}
	case IntentDeleteWeekCompletion:
		if in.Week != nil {
			return in.Week, nil
		}
	default:
		return nil, fmt.Errorf("unknown intent kind %q", in.Kind)
	}
	return nil, fmt.Errorf("intent %s has no payload", in.Kind)
}

func (in Intent) record(now time.Time) (QueueRecord, error) {
	p, err := in.payload()
	if err != nil {
		return QueueRecord{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return QueueRecord{}, fmt.Errorf("encode %s payload: %w", in.Kind, err)
	}
	created := in.CreatedAt
	if created.IsZero() {
		created = now
	}
	return QueueRecord{Kind: string(in.Kind), CreatedAt: created.UnixMilli(), Payload: data}, nil
}

func decodeIntent(rec QueueRecord) (Intent, error) {
	in := Intent{ID: rec.ID, Kind: IntentKind(rec.Kind), CreatedAt: time.UnixMilli(rec.CreatedAt)}
	var err error
	switch in.Kind {
	case IntentUpsertResponse:
		var p ResponsePayload
		if err = json.Unmarshal(rec.Payload, &p); err == nil {
			err = p.validate()
		}
		in.Response = &p
	case IntentUpsertWeekCompletion:
		var p WeekCompletionPayload
		if err = json.Unmarshal(rec.Payload, &p); err == nil {
			err = p.Week().validate()
		}
		in.Completion = &p
	case IntentDeleteWeekCompletion:
		var k WeekKey
		if err = json.Unmarshal(rec.Payload, &k); err == nil {
			err = k.validate()
		}
		in.Week = &k
	default:
		err = fmt.Errorf("unknown kind %q", rec.Kind)
	}
	if err != nil {
		return Intent{}, fmt.Errorf("%w: record %d: %v", ErrQueueCorrupt, rec.ID, err)
	}
	return in, nil
}

// ============================================================================
// Queue
// ============================================================================

// Queue is the durable FIFO of write intents, backed by a Store.
type Queue struct {
	store Store
	now   func() time.Time

	mu sync.Mutex
	// last guarantees strictly increasing createdAt so two intents enqueued
	// in the same millisecond keep their order. It is seeded from the
	// persisted queue before the first stamp.
	last   int64
	seeded bool
}

// NewQueue wraps a store.
func NewQueue(store Store) *Queue {
	return &Queue{store: store, now: time.Now}
}

// Enqueue appends the intent durably and returns its id. It only fails when
// the store does.
func (q *Queue) Enqueue(ctx context.Context, in Intent) (int64, error) {
	rec, err := in.record(q.now())
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.seed(ctx); err != nil {
		return 0, err
	}
	rec.CreatedAt = q.stamp(rec.CreatedAt)
	return q.store.AppendQueue(ctx, rec)
}

// seed raises last to the newest createdAt already in the store, so an
// intent queued after the device clock moved backwards still sorts behind
// the intents left by an earlier session. Must be called with q.mu held.
func (q *Queue) seed(ctx context.Context) error {
	if q.seeded {
		return nil
	}
	recs, err := q.store.ListQueue(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.CreatedAt > q.last {
			q.last = rec.CreatedAt
		}
	}
	q.seeded = true
	return nil
}

// stamp must be called with q.mu held.
func (q *Queue) stamp(ms int64) int64 {
	if ms <= q.last {
		ms = q.last + 1
	}
	q.last = ms
	return ms
}

// Records returns the raw queue in drain order.
func (q *Queue) Records(ctx context.Context) ([]QueueRecord, error) {
	return q.store.ListQueue(ctx)
}

// Pending returns the decodable intents in drain order. Corrupt records are
// skipped.
func (q *Queue) Pending(ctx context.Context) ([]Intent, error) {
	recs, err := q.store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Intent, 0, len(recs))
	for _, rec := range recs {
		in, err := decodeIntent(rec)
		if err != nil {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// Len returns the number of queued records.
func (q *Queue) Len(ctx context.Context) (int, error) {
	recs, err := q.store.ListQueue(ctx)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Remove deletes a record after it has been applied remotely.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	return q.store.RemoveQueue(ctx, id)
}

// ── Dead letters ─────────────────────────────────────────

// DeadLetter is a queue record that was set aside instead of applied.
type DeadLetter struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt int64     `json:"createdAt"`
	Payload   string    `json:"payload"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// deadLetter moves a record into the deadletter partition and removes it
// from the queue.
func (q *Queue) deadLetter(ctx context.Context, rec QueueRecord, reason error) error {
	dl := DeadLetter{
		ID:        rec.ID,
		Kind:      rec.Kind,
		CreatedAt: rec.CreatedAt,
		Payload:   string(rec.Payload),
		Reason:    reason.Error(),
		At:        q.now().UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := q.store.Put(ctx, PartitionDeadLetter, fmt.Sprintf("%020d", rec.ID), data); err != nil {
		return err
	}
	return q.store.RemoveQueue(ctx, rec.ID)
}

// DeadLetters lists records that were set aside, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	entries, err := q.store.List(ctx, PartitionDeadLetter)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(entries))
	for _, e := range entries {
		var dl DeadLetter
		if err := json.Unmarshal(e.Value, &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Requeue moves a dead letter back to the tail of the queue.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	key := fmt.Sprintf("%020d", id)
	data, ok, err := q.store.Get(ctx, PartitionDeadLetter, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dead letter %d: %w", id, ErrNotFound)
	}
	var dl DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return fmt.Errorf("decode dead letter %d: %w", id, err)
	}
	rec := QueueRecord{Kind: dl.Kind, CreatedAt: q.now().UnixMilli(), Payload: json.RawMessage(dl.Payload)}
	if _, err := decodeIntent(rec); err != nil {
		return err
	}
	q.mu.Lock()
	if err = q.seed(ctx); err == nil {
		rec.CreatedAt = q.stamp(rec.CreatedAt)
		_, err = q.store.AppendQueue(ctx, rec)
	}
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.store.Delete(ctx, PartitionDeadLetter, key)
}

// DropDeadLetter discards a dead letter permanently.
func (q *Queue) DropDeadLetter(ctx context.Context, id int64) error {
	return q.store.Delete(ctx, PartitionDeadLetter, fmt.Sprintf("%020d", id))
}
