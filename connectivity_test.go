package d3

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectivityEdges(t *testing.T) {
	c := NewConnectivity(false)
	var became, changes int
	unsubOnline := c.OnBecameOnline(func() { became++ })
	c.OnChange(func(bool) { changes++ })

	c.SetOnline(false)
	assert.Zero(t, changes)

	c.SetOnline(true)
	c.SetOnline(true)
	assert.Equal(t, 1, became)
	assert.Equal(t, 1, changes)

	c.SetOnline(false)
	assert.Equal(t, 1, became)
	assert.Equal(t, 2, changes)

	unsubOnline()
	c.SetOnline(true)
	assert.Equal(t, 1, became)
	assert.Equal(t, 3, changes)
}

func TestConnectivityCallbackPanicIsContained(t *testing.T) {
	c := NewConnectivity(false)
	var reached bool
	c.OnBecameOnline(func() { panic("listener bug") })
	c.OnBecameOnline(func() { reached = true })
	c.SetOnline(true)
	assert.True(t, reached)
	assert.True(t, c.IsOnline())
}

func TestConnectivityCallbackMayReadState(t *testing.T) {
	c := NewConnectivity(false)
	var seen bool
	c.OnChange(func(bool) { seen = c.IsOnline() })
	c.SetOnline(true)
	assert.True(t, seen)
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("apikey"))
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	probe := &HTTPProbe{
		URL:      srv.URL,
		Interval: 10 * time.Millisecond,
		Header:   http.Header{"apikey": []string{"anon"}},
	}
	assert.True(t, probe.Check(context.Background()))
	assert.Equal(t, "anon", gotKey.Load())

	status.Store(http.StatusNotFound)
	assert.True(t, probe.Check(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, probe.Check(context.Background()))

	conn := NewConnectivity(true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		probe.Run(ctx, conn)
		close(done)
	}()
	require.Eventually(t, func() bool { return !conn.IsOnline() }, time.Second, 5*time.Millisecond)

	status.Store(http.StatusOK)
	require.Eventually(t, conn.IsOnline, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestHTTPProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	probe := &HTTPProbe{URL: url, Client: &http.Client{Timeout: time.Second}}
	assert.False(t, probe.Check(context.Background()))
}
