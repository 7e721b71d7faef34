package d3

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// fakeRemote
// ============================================================================

var errUnreachable = errors.New("dial tcp: connection refused")

// fakeRemote is an in-memory Remote with injectable failures.
type fakeRemote struct {
	mu          sync.Mutex
	responses   map[string]string
	completions map[WeekKey]time.Time
	memberships map[string]GroupContext
	lists       map[string]Memberships
	calls       []string

	// fail, when set, is consulted before every call; a non-nil result is
	// returned instead of performing the call.
	fail func(op, arg string) error
	// gate, when set, blocks every write until it is closed or receives.
	gate chan struct{}
	// entered receives one value per write that reached the gate.
	entered chan string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		responses:   make(map[string]string),
		completions: make(map[WeekKey]time.Time),
		memberships: make(map[string]GroupContext),
		lists:       make(map[string]Memberships),
	}
}

func (f *fakeRemote) setFail(fn func(op, arg string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

// goOffline makes every call fail with a network error.
func (f *fakeRemote) goOffline() {
	f.setFail(func(op, _ string) error { return networkError(op, errUnreachable) })
}

func (f *fakeRemote) goOnline() { f.setFail(nil) }

func (f *fakeRemote) before(op, arg string, write bool) error {
	f.mu.Lock()
	f.calls = append(f.calls, op+" "+arg)
	fail, gate, entered := f.fail, f.gate, f.entered
	f.mu.Unlock()

	if write && entered != nil {
		entered <- arg
	}
	if write && gate != nil {
		<-gate
	}
	if fail != nil {
		return fail(op, arg)
	}
	return nil
}

func (f *fakeRemote) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeRemote) response(p ResponsePayload) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.responses[p.FieldKey()]
	return v, ok
}

func (f *fakeRemote) UpsertResponse(ctx context.Context, p ResponsePayload) error {
	if err := f.before("upsert_response", p.FieldKey()+"="+p.ResponseText, true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[p.FieldKey()] = p.ResponseText
	return nil
}

func (f *fakeRemote) UpsertWeekCompletion(ctx context.Context, p WeekCompletionPayload) error {
	if err := f.before("upsert_week_completion", fmt.Sprint(p.Week()), true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions[p.Week()] = p.CompletedAt
	return nil
}

func (f *fakeRemote) DeleteWeekCompletion(ctx context.Context, k WeekKey) error {
	if err := f.before("delete_week_completion", fmt.Sprint(k), true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.completions, k)
	return nil
}

func (f *fakeRemote) ReadMembership(ctx context.Context, groupID, userID string) (GroupContext, error) {
	if err := f.before("read_membership", groupID+"/"+userID, false); err != nil {
		return GroupContext{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	gc, ok := f.memberships[groupContextKey(userID, groupID)]
	if !ok {
		return GroupContext{}, fmt.Errorf("membership: %w", ErrNotFound)
	}
	return gc, nil
}

func (f *fakeRemote) ReadMemberships(ctx context.Context, userID string) (Memberships, error) {
	if err := f.before("read_memberships", userID, false); err != nil {
		return Memberships{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists[userID], nil
}

func (f *fakeRemote) ReadResponses(ctx context.Context, k WeekKey) (WeekResponses, error) {
	if err := f.before("read_responses", fmt.Sprint(k), false); err != nil {
		return WeekResponses{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := WeekResponses{WeekKey: k, Cells: make(map[CellKey]string)}
	for pi := 1; pi <= PassagesPerWeek; pi++ {
		for ri := 1; ri <= ResponsesPerPassage; ri++ {
			cell := CellKey{PassageKey: PassageKey(pi), ResponseKey: ResponseKey(ri)}
			key := responseCacheKey(k.GroupID, k.UserID, k.WeekNumber, cell.PassageKey, cell.ResponseKey)
			if v, ok := f.responses[key]; ok {
				out.Cells[cell] = v
			}
		}
	}
	return out, nil
}

// ============================================================================
// fakePassages
// ============================================================================

type fakePassages struct {
	mu      sync.Mutex
	html    map[string]string
	err     error
	fetches int
}

func (f *fakePassages) ReadPassage(ctx context.Context, bibleID int, ref string) (Passage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return Passage{}, f.err
	}
	html, ok := f.html[ref]
	if !ok {
		return Passage{}, &RemoteError{Kind: KindRejected, Op: "read passage", Status: 404, Message: "not found"}
	}
	return Passage{BibleID: bibleID, Ref: ref, Reference: ref, HTML: html}, nil
}

// ============================================================================
// Engine helpers
// ============================================================================

const (
	testGroup = "group-1"
	testUser  = "user-1"
)

func testPayload(week int, p, r, text string) ResponsePayload {
	return ResponsePayload{
		GroupID: testGroup, UserID: testUser, WeekNumber: week,
		PassageKey: p, ResponseKey: r, ResponseText: text,
	}
}

func newTestEngine(t *testing.T, remote *fakeRemote, opts Options) *Engine {
	t.Helper()
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	opts.Remote = remote
	if opts.QuietPeriod == 0 {
		opts.QuietPeriod = 20 * time.Millisecond
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func queueLen(t *testing.T, e *Engine) int {
	t.Helper()
	n, err := e.Queue().Len(context.Background())
	require.NoError(t, err)
	return n
}
