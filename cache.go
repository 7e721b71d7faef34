package d3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// Read-through
// ============================================================================

// readSpec describes one read-through lookup.
type readSpec[T any] struct {
	entity    string
	partition Partition
	key       string
	fetch     func(ctx context.Context) (T, error)
	// stamp records the cache time on a fresh remote value.
	stamp func(v *T, at time.Time)
	// fresh rejects a local copy that is too old to serve; nil accepts all.
	fresh func(v T) bool
	// saved runs after a remote value was written locally.
	saved func(ctx context.Context)
}

// readThrough prefers the remote. A network failure or an offline oracle
// falls back to the local copy; any other remote error is returned as is.
// A local miss is reported as ErrNotAvailableOffline.
func readThrough[T any](ctx context.Context, e *Engine, rs readSpec[T]) (T, error) {
	var zero T
	logger := e.logger.With("component", "cache", "entity", rs.entity, "key", rs.key)

	if e.conn.IsOnline() {
		v, err := rs.fetch(ctx)
		if err == nil {
			if rs.stamp != nil {
				rs.stamp(&v, e.now().UTC())
			}
			if err := putJSON(ctx, e.store, rs.partition, rs.key, v); err != nil {
				logger.Debug("cache write failed", "error", err)
			} else if rs.saved != nil {
				rs.saved(ctx)
			}
			e.metrics.cacheRead(rs.entity, "remote")
			return v, nil
		}
		if !IsNetworkError(err) {
			return zero, err
		}
		logger.Debug("remote read failed, trying local copy", "error", err)
	}

	v, ok, err := getJSON[T](ctx, e.store, rs.partition, rs.key)
	if err != nil {
		logger.Warn("local read failed", "error", err)
	}
	if ok && rs.fresh != nil && !rs.fresh(v) {
		logger.Debug("local copy expired")
		ok = false
	}
	if !ok {
		e.metrics.cacheRead(rs.entity, "miss")
		return zero, fmt.Errorf("%s %s: %w", rs.entity, rs.key, ErrNotAvailableOffline)
	}
	e.metrics.cacheRead(rs.entity, "local")
	e.emit("cache.stale", map[string]any{"entity": rs.entity, "key": rs.key})
	return v, nil
}

func putJSON(ctx context.Context, s Store, p Partition, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, p, key, data)
}

// getJSON treats an undecodable value as absent.
func getJSON[T any](ctx context.Context, s Store, p Partition, key string) (T, bool, error) {
	var v T
	data, ok, err := s.Get(ctx, p, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("decode %s/%s: %w", p, key, err)
	}
	return v, true, nil
}

// ============================================================================
// Entity readers
// ============================================================================

// ReadGroupContext returns the user's role and group metadata.
func (e *Engine) ReadGroupContext(ctx context.Context, groupID, userID string) (GroupContext, error) {
	return readThrough(ctx, e, readSpec[GroupContext]{
		entity:    "group_context",
		partition: PartitionGroupContext,
		key:       groupContextKey(userID, groupID),
		fetch: func(ctx context.Context) (GroupContext, error) {
			return e.remote.ReadMembership(ctx, groupID, userID)
		},
		stamp: func(v *GroupContext, at time.Time) { v.CachedAt = at },
	})
}

// ReadMemberships returns every group the user belongs to.
func (e *Engine) ReadMemberships(ctx context.Context, userID string) (Memberships, error) {
	return readThrough(ctx, e, readSpec[Memberships]{
		entity:    "memberships",
		partition: PartitionMemberships,
		key:       membershipsKey(userID),
		fetch: func(ctx context.Context) (Memberships, error) {
			return e.remote.ReadMemberships(ctx, userID)
		},
		stamp: func(v *Memberships, at time.Time) { v.CachedAt = at },
	})
}

// ReadPassage returns scripture HTML. Without a PassageSource only cached
// passages are served.
func (e *Engine) ReadPassage(ctx context.Context, bibleID int, ref string) (Passage, error) {
	if bibleID == 0 {
		bibleID = DefaultBibleID
	}
	key := passageCacheKey(bibleID, ref)
	rs := readSpec[Passage]{
		entity:    "passage",
		partition: PartitionPassages,
		key:       key,
		fetch: func(ctx context.Context) (Passage, error) {
			if e.passages == nil {
				return Passage{}, networkError("read passage", errNoPassageSource)
			}
			return e.passages.ReadPassage(ctx, bibleID, ref)
		},
		stamp: func(v *Passage, at time.Time) { v.CachedAt = at },
		saved: func(ctx context.Context) { e.prunePassages(ctx, key) },
	}
	if e.passageMaxAge > 0 {
		rs.fresh = func(v Passage) bool {
			return v.CachedAt.IsZero() || e.now().Sub(v.CachedAt) <= e.passageMaxAge
		}
	}
	return readThrough(ctx, e, rs)
}

var errNoPassageSource = errors.New("no passage source configured")

// prunePassages drops the oldest cached passages beyond the configured bound,
// never the one just written.
func (e *Engine) prunePassages(ctx context.Context, keep string) {
	if e.passageMaxEntries <= 0 {
		return
	}
	entries, err := e.store.List(ctx, PartitionPassages)
	if err != nil || len(entries) <= e.passageMaxEntries {
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(entries))
	for _, en := range entries {
		var p Passage
		_ = json.Unmarshal(en.Value, &p)
		all = append(all, aged{key: en.Key, at: p.CachedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	excess := len(all) - e.passageMaxEntries
	for _, a := range all {
		if excess == 0 {
			break
		}
		if a.key == keep {
			continue
		}
		if err := e.store.Delete(ctx, PartitionPassages, a.key); err != nil {
			e.logger.Debug("passage prune failed", "component", "cache", "key", a.key, "error", err)
			return
		}
		excess--
	}
}

// ReadWeekResponses returns the user's answers for a week. Answers that are
// still queued locally take precedence over the remote copy. Offline, the
// answers are rebuilt from the local mirror.
func (e *Engine) ReadWeekResponses(ctx context.Context, k WeekKey) (WeekResponses, error) {
	if err := k.validate(); err != nil {
		return WeekResponses{}, err
	}
	logger := e.logger.With("component", "cache", "entity", "responses")

	if e.conn.IsOnline() {
		remote, err := e.remote.ReadResponses(ctx, k)
		if err == nil {
			pending := e.pendingCells(ctx, k)
			for cell, text := range remote.Cells {
				if _, queued := pending[cell]; queued {
					continue
				}
				p := ResponsePayload{
					GroupID: k.GroupID, UserID: k.UserID, WeekNumber: k.WeekNumber,
					PassageKey: cell.PassageKey, ResponseKey: cell.ResponseKey, ResponseText: text,
				}
				if err := e.putResponse(ctx, p); err != nil {
					logger.Debug("cache write failed", "error", err)
					break
				}
			}
			if err := putJSON(ctx, e.store, PartitionWeeks, weekCacheKey(k), weekSeen{FetchedAt: e.now().UTC()}); err != nil {
				logger.Debug("week marker write failed", "error", err)
			}
			if remote.Cells == nil {
				remote.Cells = make(map[CellKey]string)
			}
			for cell, text := range pending {
				remote.Cells[cell] = text
			}
			remote.WeekKey = k
			e.metrics.cacheRead("responses", "remote")
			return remote, nil
		}
		if !IsNetworkError(err) {
			return WeekResponses{}, err
		}
		logger.Debug("remote read failed, trying local copy", "error", err)
	}

	out := WeekResponses{WeekKey: k, Cells: make(map[CellKey]string)}
	for pi := 1; pi <= PassagesPerWeek; pi++ {
		for ri := 1; ri <= ResponsesPerPassage; ri++ {
			cell := CellKey{PassageKey: PassageKey(pi), ResponseKey: ResponseKey(ri)}
			key := responseCacheKey(k.GroupID, k.UserID, k.WeekNumber, cell.PassageKey, cell.ResponseKey)
			p, ok, err := getJSON[ResponsePayload](ctx, e.store, PartitionResponses, key)
			if err != nil {
				logger.Warn("local read failed", "key", key, "error", err)
				continue
			}
			if ok {
				out.Cells[cell] = p.ResponseText
			}
		}
	}
	if len(out.Cells) == 0 {
		_, seen, err := getJSON[weekSeen](ctx, e.store, PartitionWeeks, weekCacheKey(k))
		if err != nil {
			logger.Warn("local read failed", "key", weekCacheKey(k), "error", err)
		}
		if seen {
			e.metrics.cacheRead("responses", "local")
			e.emit("cache.stale", map[string]any{"entity": "responses", "week": k.WeekNumber})
			return out, nil
		}
		e.metrics.cacheRead("responses", "miss")
		return WeekResponses{}, fmt.Errorf("responses %s/%s week %d: %w", k.GroupID, k.UserID, k.WeekNumber, ErrNotAvailableOffline)
	}
	e.metrics.cacheRead("responses", "local")
	e.emit("cache.stale", map[string]any{"entity": "responses", "week": k.WeekNumber})
	return out, nil
}

// weekSeen records that a week's answers were read from the remote.
type weekSeen struct {
	FetchedAt time.Time `json:"fetched_at"`
}

// pendingCells returns the latest queued text per cell for the week.
func (e *Engine) pendingCells(ctx context.Context, k WeekKey) map[CellKey]string {
	intents, err := e.queue.Pending(ctx)
	if err != nil {
		return nil
	}
	out := make(map[CellKey]string)
	for _, in := range intents {
		wk, cell, ok := in.Cell()
		if ok && wk == k {
			out[cell] = in.Response.ResponseText
		}
	}
	return out
}
