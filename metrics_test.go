package d3

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.observeDrain(DrainResult{Err: errors.New("x")})
	m.applied(IntentUpsertResponse)
	m.enqueued(IntentUpsertResponse)
	m.cacheRead("passage", "local")
	m.setOnline(true)
}

func TestMetricsExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	conn := NewConnectivity(false)
	e := newTestEngine(t, newFakeRemote(), Options{Metrics: m, Connectivity: conn})

	require.NoError(t, e.SaveResponse(context.Background(), testPayload(1, "p1", "r1", "x")))
	_, err := e.ReadWeekResponses(context.Background(), WeekKey{GroupID: testGroup, UserID: testUser, WeekNumber: 1})
	require.NoError(t, err)
	conn.SetOnline(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.enqueuedTotal.WithLabelValues("upsert_response")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheReads.WithLabelValues("responses", "local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.online))

	expected := `
# HELP d3_online 1 when the connectivity oracle reports online.
# TYPE d3_online gauge
d3_online 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "d3_online"))
}

func TestRemoteErrorFormatting(t *testing.T) {
	cases := []struct {
		err  *RemoteError
		want string
	}{
		{&RemoteError{Kind: KindRejected, Op: "upsert response", Status: 403, Code: "42501", Message: "rls"}, "upsert response: rejected (403 42501): rls"},
		{&RemoteError{Kind: KindNetwork, Op: "read", Status: 503, Message: "unavailable"}, "read: network (503): unavailable"},
		{&RemoteError{Kind: KindRejected, Op: "exec", Code: "23505", Message: "dup"}, "exec: rejected (23505): dup"},
		{networkError("dial", errUnreachable), "dial: network: " + errUnreachable.Error()},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Error())
	}

	wrapped := fmt.Errorf("drain: %w", networkError("dial", errUnreachable))
	assert.True(t, IsNetworkError(wrapped))
	assert.False(t, IsRejected(wrapped))
	assert.ErrorIs(t, wrapped, errUnreachable)
	assert.False(t, IsNetworkError(errors.New("plain")))
}
