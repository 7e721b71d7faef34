package d3

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestPassageClientReadPassage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/youversion/verses", r.URL.Path)
		assert.Equal(t, "JHN.3.16", r.URL.Query().Get("ref"))
		assert.Equal(t, "2692", r.URL.Query().Get("bibleId"))
		w.Write([]byte(`{"ref":"JHN.3.16","bibleId":2692,"youversion":{"id":"JHN.3.16","reference":"John 3:16","content":"<p>For God so loved</p>"}}`))
	}))
	defer srv.Close()

	c := NewPassageClient(srv.URL, nil, 0)
	p, err := c.ReadPassage(context.Background(), DefaultBibleID, "JHN.3.16")
	require.NoError(t, err)
	assert.Equal(t, "John 3:16", p.Reference)
	assert.Equal(t, "<p>For God so loved</p>", p.HTML)
	assert.Equal(t, 2692, p.BibleID)
}

func TestPassageClientReferenceFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"youversion":{"content":"<p>x</p>"}}`))
	}))
	defer srv.Close()

	p, err := NewPassageClient(srv.URL, nil, 0).ReadPassage(context.Background(), 1, "ROM.8.28")
	require.NoError(t, err)
	assert.Equal(t, "ROM.8.28", p.Reference)
}

func TestPassageClientErrors(t *testing.T) {
	t.Run("missing content", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"youversion":{}}`))
		}))
		defer srv.Close()
		_, err := NewPassageClient(srv.URL, nil, 0).ReadPassage(context.Background(), 1, "X")
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, KindUnknown, re.Kind)
	})

	t.Run("upstream 404 is rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"Passage not found"}`, http.StatusNotFound)
		}))
		defer srv.Close()
		_, err := NewPassageClient(srv.URL, nil, 0).ReadPassage(context.Background(), 1, "X")
		assert.True(t, IsRejected(err))
	})

	t.Run("unreachable is network", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		_, err := NewPassageClient(url, &http.Client{Timeout: time.Second}, 0).ReadPassage(context.Background(), 1, "X")
		assert.True(t, IsNetworkError(err))
	})
}

func TestPassageClientRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"youversion":{"content":"x"}}`))
	}))
	defer srv.Close()

	c := NewPassageClient(srv.URL, nil, rate.Every(time.Hour))
	_, err := c.ReadPassage(context.Background(), 1, "A")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ReadPassage(ctx, 1, "B")
	require.Error(t, err)
	assert.False(t, IsNetworkError(err))
}
