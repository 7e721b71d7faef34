package d3

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Write path
// ============================================================================

// ScheduleWrite debounces an answer edit; the final value is saved with
// SaveResponse once the field has been quiet for the configured period.
func (e *Engine) ScheduleWrite(p ResponsePayload) {
	e.debouncer.ScheduleWrite(p)
}

// FlushWrites saves every debounced edit immediately.
func (e *Engine) FlushWrites(ctx context.Context) {
	e.debouncer.Flush(ctx)
}

// PendingWrites returns the number of edits waiting for their quiet period.
func (e *Engine) PendingWrites() int {
	return e.debouncer.Pending()
}

// SaveResponse writes the answer to the local mirror and then either applies
// it remotely or queues it.
//
// It returns nil once the answer is applied or queued, the remote's error
// when the remote rejects it, and an ErrCannotSave error when it could
// neither be applied nor queued.
func (e *Engine) SaveResponse(ctx context.Context, p ResponsePayload) error {
	if err := p.validate(); err != nil {
		return err
	}
	if err := e.putResponse(ctx, p); err != nil {
		e.logger.Warn("local mirror write failed", "component", "writer", "field", p.FieldKey(), "error", err)
	}
	return e.writeOrEnqueue(ctx, NewResponseIntent(p), func(ctx context.Context) error {
		return e.remote.UpsertResponse(ctx, p)
	})
}

// MarkWeekComplete records that the week is done as of at (now if zero).
func (e *Engine) MarkWeekComplete(ctx context.Context, k WeekKey, at time.Time) error {
	if err := k.validate(); err != nil {
		return err
	}
	if at.IsZero() {
		at = e.now()
	}
	p := WeekCompletionPayload{GroupID: k.GroupID, UserID: k.UserID, WeekNumber: k.WeekNumber, CompletedAt: at.UTC()}
	return e.writeOrEnqueue(ctx, NewCompletionIntent(p), func(ctx context.Context) error {
		return e.remote.UpsertWeekCompletion(ctx, p)
	})
}

// ClearWeekComplete removes the week's completion mark.
func (e *Engine) ClearWeekComplete(ctx context.Context, k WeekKey) error {
	if err := k.validate(); err != nil {
		return err
	}
	return e.writeOrEnqueue(ctx, NewDeleteCompletionIntent(k), func(ctx context.Context) error {
		return e.remote.DeleteWeekCompletion(ctx, k)
	})
}

// writeOrEnqueue applies a write directly when online and nothing is queued
// ahead of it; otherwise, or when the direct attempt fails for a reason
// other than rejection, the intent is queued.
func (e *Engine) writeOrEnqueue(ctx context.Context, in Intent, direct func(context.Context) error) error {
	logger := e.logger.With("component", "writer", "kind", in.Kind)

	behind := false
	if e.conn.IsOnline() {
		queued, err := e.queue.Len(ctx)
		switch {
		case err != nil:
			logger.Warn("queue unavailable, writing directly", "error", err)
			queued = 0
		case queued > 0:
			logger.Debug("queue not empty, queueing behind earlier intents", "queued", queued)
			behind = true
		}

		if queued == 0 {
			err := direct(ctx)
			if err == nil {
				e.triggerDrain("write")
				return nil
			}
			if IsRejected(err) {
				logger.Warn("remote rejected write", "error", err)
				e.emit("outbox.failed", map[string]any{"kind": string(in.Kind), "error": err.Error()})
				return err
			}
			logger.Info("direct write failed, queueing", "error", err)
		}
	}

	if _, err := e.queue.Enqueue(ctx, in); err != nil {
		logger.Error("could not queue write", "error", err)
		return fmt.Errorf("%w: %w", ErrCannotSave, err)
	}
	e.metrics.enqueued(in.Kind)
	e.emit("outbox.queued", map[string]any{"kind": string(in.Kind)})
	if behind {
		e.triggerDrain("enqueue")
	}
	return nil
}

func (e *Engine) putResponse(ctx context.Context, p ResponsePayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return e.store.Put(ctx, PartitionResponses, p.FieldKey(), data)
}
