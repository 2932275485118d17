package tiles

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func tileServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

// archive honours the range request like a static file server.
func archive(t *testing.T) string {
	return tileServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-6", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("PMTiles"))
	})
}

func TestSelectFirstHealthy(t *testing.T) {
	down := tileServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	wrong := tileServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<!doctype html>"))
	})
	good := archive(t)

	s := NewSelector([]string{down, wrong, good}, nil, time.Second, zaptest.NewLogger(t))
	got, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, good, got)
}

func TestSelectPrefersOrder(t *testing.T) {
	a, b := archive(t), archive(t)
	s := NewSelector([]string{a, b}, nil, time.Second, zaptest.NewLogger(t))
	got, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestSelectFallsBackToFirst(t *testing.T) {
	slow := tileServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	s := NewSelector([]string{slow, "http://127.0.0.1:1"}, nil, 50*time.Millisecond, zaptest.NewLogger(t))

	start := time.Now()
	got, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, slow, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSelectNoServers(t *testing.T) {
	_, err := NewSelector(nil, nil, 0, zaptest.NewLogger(t)).Select(context.Background())
	assert.ErrorIs(t, err, ErrNoServers)
}
