package d3

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPassageOfflineFallback(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	passages := &fakePassages{html: map[string]string{"JHN.3.16": "<p>For God so loved</p>"}}
	e := newTestEngine(t, remote, Options{Passages: passages})

	p, err := e.ReadPassage(ctx, 0, "JHN.3.16")
	require.NoError(t, err)
	assert.Equal(t, DefaultBibleID, p.BibleID)
	assert.False(t, p.CachedAt.IsZero())

	e.SetOnline(false)
	p, err = e.ReadPassage(ctx, 0, "JHN.3.16")
	require.NoError(t, err)
	assert.Equal(t, "<p>For God so loved</p>", p.HTML)
	assert.Equal(t, 1, passages.fetches)

	_, err = e.ReadPassage(ctx, 0, "ROM.8.28")
	assert.ErrorIs(t, err, ErrNotAvailableOffline)
}

func TestReadPassageNetworkErrorFallsBack(t *testing.T) {
	ctx := context.Background()
	passages := &fakePassages{html: map[string]string{"JHN.3.16": "<p>x</p>"}}
	e := newTestEngine(t, newFakeRemote(), Options{Passages: passages})

	_, err := e.ReadPassage(ctx, 0, "JHN.3.16")
	require.NoError(t, err)

	// Oracle still says online, but the request fails in transit.
	passages.err = networkError("read passage", errUnreachable)
	p, err := e.ReadPassage(ctx, 0, "JHN.3.16")
	require.NoError(t, err)
	assert.Equal(t, "<p>x</p>", p.HTML)

	_, err = e.ReadPassage(ctx, 0, "ROM.8.28")
	assert.ErrorIs(t, err, ErrNotAvailableOffline)
}

func TestReadPassageRejectedIsNotMasked(t *testing.T) {
	ctx := context.Background()
	passages := &fakePassages{html: map[string]string{"JHN.3.16": "<p>x</p>"}}
	e := newTestEngine(t, newFakeRemote(), Options{Passages: passages})

	_, err := e.ReadPassage(ctx, 0, "JHN.3.16")
	require.NoError(t, err)

	passages.err = &RemoteError{Kind: KindRejected, Op: "read passage", Status: 401}
	_, err = e.ReadPassage(ctx, 0, "JHN.3.16")
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.NotErrorIs(t, err, ErrNotAvailableOffline)
}

func TestReadPassageWithoutSource(t *testing.T) {
	e := newTestEngine(t, newFakeRemote(), Options{})
	_, err := e.ReadPassage(context.Background(), 0, "JHN.3.16")
	assert.ErrorIs(t, err, ErrNotAvailableOffline)
}

func TestReadPassageMaxAge(t *testing.T) {
	ctx := context.Background()
	passages := &fakePassages{html: map[string]string{"JHN.3.16": "<p>x</p>"}}
	e := newTestEngine(t, newFakeRemote(), Options{Passages: passages, PassageMaxAge: time.Hour})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	_, err := e.ReadPassage(ctx, 0, "JHN.3.16")
	require.NoError(t, err)

	e.SetOnline(false)
	now = now.Add(30 * time.Minute)
	_, err = e.ReadPassage(ctx, 0, "JHN.3.16")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = e.ReadPassage(ctx, 0, "JHN.3.16")
	assert.ErrorIs(t, err, ErrNotAvailableOffline)
}

func TestReadPassageMaxEntries(t *testing.T) {
	ctx := context.Background()
	passages := &fakePassages{html: map[string]string{
		"GEN.1.1": "a", "EXO.3.14": "b", "PSA.23.1": "c",
	}}
	e := newTestEngine(t, newFakeRemote(), Options{Passages: passages, PassageMaxEntries: 2})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	for _, ref := range []string{"GEN.1.1", "EXO.3.14", "PSA.23.1"} {
		_, err := e.ReadPassage(ctx, 0, ref)
		require.NoError(t, err)
	}

	entries, err := e.Store().List(ctx, PartitionPassages)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	e.SetOnline(false)
	_, err = e.ReadPassage(ctx, 0, "GEN.1.1")
	assert.ErrorIs(t, err, ErrNotAvailableOffline)
	_, err = e.ReadPassage(ctx, 0, "PSA.23.1")
	assert.NoError(t, err)
}

func TestReadGroupContext(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.memberships[groupContextKey(testUser, testGroup)] = GroupContext{
		GroupID: testGroup, UserID: testUser, Role: "leader",
		Group: Group{ID: testGroup, Name: "Tuesday Men", StartDate: "2026-01-04", Timezone: "America/Chicago"},
	}
	e := newTestEngine(t, remote, Options{})

	gc, err := e.ReadGroupContext(ctx, testGroup, testUser)
	require.NoError(t, err)
	assert.True(t, gc.IsLeader())

	remote.goOffline()
	gc, err = e.ReadGroupContext(ctx, testGroup, testUser)
	require.NoError(t, err)
	assert.Equal(t, "Tuesday Men", gc.Group.Name)

	_, err = e.ReadGroupContext(ctx, "group-2", testUser)
	assert.ErrorIs(t, err, ErrNotAvailableOffline)
}

func TestReadGroupContextNotFoundPropagates(t *testing.T) {
	e := newTestEngine(t, newFakeRemote(), Options{})
	_, err := e.ReadGroupContext(context.Background(), "missing", testUser)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadMemberships(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.lists[testUser] = Memberships{UserID: testUser, Items: []Membership{
		{GroupID: testGroup, Role: "member", Group: Group{ID: testGroup, Name: "Tuesday Men"}},
	}}
	e := newTestEngine(t, remote, Options{})

	_, err := e.ReadMemberships(ctx, testUser)
	require.NoError(t, err)

	e.SetOnline(false)
	m, err := e.ReadMemberships(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, m.Items, 1)
	assert.Equal(t, "Tuesday Men", m.Items[0].Group.Name)
}

func TestReadWeekResponses(t *testing.T) {
	ctx := context.Background()
	week := WeekKey{GroupID: testGroup, UserID: testUser, WeekNumber: 3}

	t.Run("remote result is mirrored", func(t *testing.T) {
		remote := newFakeRemote()
		require.NoError(t, remote.UpsertResponse(ctx, testPayload(3, "p1", "r1", "light")))
		e := newTestEngine(t, remote, Options{})

		got, err := e.ReadWeekResponses(ctx, week)
		require.NoError(t, err)
		assert.Equal(t, "light", got.Get("p1", "r1"))

		e.SetOnline(false)
		got, err = e.ReadWeekResponses(ctx, week)
		require.NoError(t, err)
		assert.Equal(t, "light", got.Get("p1", "r1"))
	})

	t.Run("queued edits overlay remote", func(t *testing.T) {
		remote := newFakeRemote()
		require.NoError(t, remote.UpsertResponse(ctx, testPayload(3, "p2", "r3", "old")))
		e := newTestEngine(t, remote, Options{})

		remote.goOffline()
		require.NoError(t, e.SaveResponse(ctx, testPayload(3, "p2", "r3", "new")))
		require.Equal(t, 1, queueLen(t, e))

		remote.goOnline()
		got, err := e.ReadWeekResponses(ctx, week)
		require.NoError(t, err)
		assert.Equal(t, "new", got.Get("p2", "r3"))
	})

	t.Run("week never fetched is unavailable offline", func(t *testing.T) {
		e := newTestEngine(t, newFakeRemote(), Options{Connectivity: NewConnectivity(false)})
		_, err := e.ReadWeekResponses(ctx, week)
		assert.ErrorIs(t, err, ErrNotAvailableOffline)
	})

	t.Run("empty week read online is empty offline", func(t *testing.T) {
		e := newTestEngine(t, newFakeRemote(), Options{})

		got, err := e.ReadWeekResponses(ctx, week)
		require.NoError(t, err)
		assert.Empty(t, got.Cells)

		e.SetOnline(false)
		got, err = e.ReadWeekResponses(ctx, week)
		require.NoError(t, err)
		assert.Equal(t, week, got.WeekKey)
		assert.Empty(t, got.Cells)

		other := WeekKey{GroupID: testGroup, UserID: testUser, WeekNumber: 4}
		_, err = e.ReadWeekResponses(ctx, other)
		assert.ErrorIs(t, err, ErrNotAvailableOffline)
	})

	t.Run("invalid key", func(t *testing.T) {
		e := newTestEngine(t, newFakeRemote(), Options{})
		_, err := e.ReadWeekResponses(ctx, WeekKey{GroupID: testGroup, UserID: testUser})
		assert.Error(t, err)
	})
}
