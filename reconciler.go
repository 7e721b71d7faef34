package d3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Remote contract
// ============================================================================

// Remote is the authoritative store. Writes must be idempotent: upserts
// replace on their natural key and deletes of absent rows succeed. Failures
// are reported as *RemoteError.
type Remote interface {
	UpsertResponse(ctx context.Context, p ResponsePayload) error
	UpsertWeekCompletion(ctx context.Context, p WeekCompletionPayload) error
	DeleteWeekCompletion(ctx context.Context, k WeekKey) error

	ReadMembership(ctx context.Context, groupID, userID string) (GroupContext, error)
	ReadMemberships(ctx context.Context, userID string) (Memberships, error)
	ReadResponses(ctx context.Context, k WeekKey) (WeekResponses, error)
}

// PassageSource fetches scripture HTML.
type PassageSource interface {
	ReadPassage(ctx context.Context, bibleID int, ref string) (Passage, error)
}

func applyIntent(ctx context.Context, remote Remote, in Intent) error {
	switch in.Kind {
	case IntentUpsertResponse:
		return remote.UpsertResponse(ctx, *in.Response)
	case IntentUpsertWeekCompletion:
		return remote.UpsertWeekCompletion(ctx, *in.Completion)
	case IntentDeleteWeekCompletion:
		return remote.DeleteWeekCompletion(ctx, *in.Week)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrQueueCorrupt, in.Kind)
	}
}

// ============================================================================
// Reconciler
// ============================================================================

// RejectPolicy decides what a drain does with an intent the remote rejected.
type RejectPolicy string

const (
	// RejectHold stops the drain and keeps the intent queued, like any other
	// failure.
	RejectHold RejectPolicy = "hold"
	// RejectDeadLetter moves the intent to the deadletter partition and keeps
	// draining.
	RejectDeadLetter RejectPolicy = "deadletter"
)

// DrainResult summarises one drain pass.
type DrainResult struct {
	Applied      int
	DeadLettered int
	// Remaining is the queue length when the pass ended.
	Remaining int
	// Err is the failure that stopped the pass, nil if it ran to the end.
	Err      error
	Duration time.Duration
}

// Reconciler applies queued intents to the remote in order. At most one drain
// runs at a time; concurrent callers wait for and share the running pass.
type Reconciler struct {
	queue   *Queue
	remote  Remote
	policy  RejectPolicy
	logger  *slog.Logger
	metrics *Metrics
	events  *emitter

	flight singleflight.Group
}

// NewReconciler creates a reconciler. logger, metrics and events may be nil.
func NewReconciler(queue *Queue, remote Remote, policy RejectPolicy, logger *slog.Logger, metrics *Metrics, events *emitter) *Reconciler {
	if policy == "" {
		policy = RejectHold
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Reconciler{
		queue:   queue,
		remote:  remote,
		policy:  policy,
		logger:  logger.With("component", "reconciler"),
		metrics: metrics,
		events:  events,
	}
}

// Drain runs one pass over the queue. If a pass is already running, Drain
// waits for it and returns its result instead of starting another one;
// intents enqueued during that pass are picked up by the next trigger.
// The returned error is the result's Err. A caller whose ctx ends while it
// waits returns ctx.Err(); the pass it joined keeps running.
func (r *Reconciler) Drain(ctx context.Context) (DrainResult, error) {
	ch := r.flight.DoChan("drain", func() (any, error) {
		return r.drain(ctx), nil
	})
	select {
	case out := <-ch:
		res := out.Val.(DrainResult)
		return res, res.Err
	case <-ctx.Done():
		return DrainResult{Err: ctx.Err()}, ctx.Err()
	}
}

func (r *Reconciler) drain(ctx context.Context) DrainResult {
	start := time.Now()
	var res DrainResult
	defer func() {
		res.Duration = time.Since(start)
		r.metrics.observeDrain(res)
		if res.Err != nil {
			r.events.emit("sync.error", map[string]any{"error": res.Err.Error(), "remaining": res.Remaining})
		} else {
			r.events.emit("sync.complete", map[string]any{"applied": res.Applied, "deadLettered": res.DeadLettered})
		}
	}()

	r.events.emit("sync.start", nil)
	recs, err := r.queue.Records(ctx)
	if err != nil {
		r.logger.Warn("drain could not read queue", "error", err)
		res.Err = err
		return res
	}
	if len(recs) == 0 {
		return res
	}
	r.logger.Debug("drain started", "queued", len(recs))

	for i, rec := range recs {
		res.Remaining = len(recs) - i
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		in, err := decodeIntent(rec)
		if err != nil {
			r.logger.Warn("skipping corrupt queued intent", "id", rec.ID, "kind", rec.Kind, "error", err)
			if dlErr := r.queue.deadLetter(ctx, rec, err); dlErr != nil {
				res.Err = dlErr
				return res
			}
			res.DeadLettered++
			r.events.emit("outbox.deadletter", map[string]any{"id": rec.ID, "kind": rec.Kind, "error": err.Error()})
			continue
		}

		if err := applyIntent(ctx, r.remote, in); err != nil {
			if IsRejected(err) && r.policy == RejectDeadLetter {
				r.logger.Warn("dead-lettering rejected intent", "id", in.ID, "kind", in.Kind, "error", err)
				if dlErr := r.queue.deadLetter(ctx, rec, err); dlErr != nil {
					res.Err = dlErr
					return res
				}
				res.DeadLettered++
				r.events.emit("outbox.deadletter", map[string]any{"id": in.ID, "kind": string(in.Kind), "error": err.Error()})
				continue
			}
			r.logger.Info("drain stopped", "id", in.ID, "kind", in.Kind, "remaining", res.Remaining, "error", err)
			r.events.emit("outbox.failed", map[string]any{"id": in.ID, "kind": string(in.Kind), "error": err.Error()})
			res.Err = err
			return res
		}

		// Applied but still queued: the next drain replays it, which the
		// remote treats as a no-op.
		if err := r.queue.Remove(ctx, rec.ID); err != nil {
			r.logger.Warn("applied intent could not be removed", "id", in.ID, "error", err)
			res.Err = err
			return res
		}
		res.Applied++
		r.metrics.applied(in.Kind)
		r.events.emit("outbox.confirmed", map[string]any{"id": in.ID, "kind": string(in.Kind)})
	}
	res.Remaining = 0
	r.logger.Debug("drain finished", "applied", res.Applied, "deadLettered", res.DeadLettered)
	return res
}

// Stuck reports whether a drain result left work behind because of a
// failure that will not go away by retrying.
func (res DrainResult) Stuck() bool {
	return res.Err != nil && IsRejected(res.Err)
}

// Retryable reports whether the drain stopped on a transient failure.
func (res DrainResult) Retryable() bool {
	return res.Err != nil && (IsNetworkError(res.Err) || errors.Is(res.Err, context.DeadlineExceeded))
}
