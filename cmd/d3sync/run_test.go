package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	d3 "github.com/jsnika87/d3-pwa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachableRemote fails every call with a network error.
type unreachableRemote struct{}

func (unreachableRemote) err() error {
	return &d3.RemoteError{Kind: d3.KindNetwork, Op: "test", Message: "unreachable"}
}

func (r unreachableRemote) UpsertResponse(context.Context, d3.ResponsePayload) error { return r.err() }
func (r unreachableRemote) UpsertWeekCompletion(context.Context, d3.WeekCompletionPayload) error {
	return r.err()
}
func (r unreachableRemote) DeleteWeekCompletion(context.Context, d3.WeekKey) error { return r.err() }
func (r unreachableRemote) ReadMembership(context.Context, string, string) (d3.GroupContext, error) {
	return d3.GroupContext{}, r.err()
}
func (r unreachableRemote) ReadMemberships(context.Context, string) (d3.Memberships, error) {
	return d3.Memberships{}, r.err()
}
func (r unreachableRemote) ReadResponses(context.Context, d3.WeekKey) (d3.WeekResponses, error) {
	return d3.WeekResponses{}, r.err()
}

func newTestEngine(t *testing.T) *d3.Engine {
	t.Helper()
	e, err := d3.NewEngine(d3.Options{
		Store:        d3.NewMemoryStore(),
		Remote:       unreachableRemote{},
		Connectivity: d3.NewConnectivity(false),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestRouterHealthAndMetrics(t *testing.T) {
	h, err := newRouter(newTestEngine(t), "", func() string { return "none" })
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// No secret, no webhook.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks/db", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterStatus(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.SaveResponse(ctx, d3.ResponsePayload{
		GroupID: "g", UserID: "u", WeekNumber: 1, PassageKey: "p1", ResponseKey: "r1", ResponseText: "offline",
	}))
	require.NoError(t, e.MarkWeekComplete(ctx, d3.WeekKey{GroupID: "g", UserID: "u", WeekNumber: 1}, time.Time{}))

	h, err := newRouter(e, "", func() string { return "reconnecting" })
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, statusResponse{Online: false, Queued: 2, Watch: "reconnecting"}, got)
}

func TestRouterWebhook(t *testing.T) {
	h, err := newRouter(newTestEngine(t), "hook-secret", func() string { return "none" })
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks/db", strings.NewReader(`{"type":"UPDATE"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hooks/db", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRetryDrainsSkipsWhileOffline(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SaveResponse(context.Background(), d3.ResponsePayload{
		GroupID: "g", UserID: "u", WeekNumber: 1, PassageKey: "p1", ResponseKey: "r1", ResponseText: "x",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	retryDrains(ctx, e, 5*time.Millisecond, newLogger())

	n, err := e.Queue().Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
