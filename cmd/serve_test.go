package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/trending?window_hours=48&k=abc", nil)
	assert.Equal(t, 48, intQuery(req, "window_hours", 24))
	assert.Equal(t, 50, intQuery(req, "k", 50), "non-numeric falls back to default")
	assert.Equal(t, 24, intQuery(req, "missing", 24))
}

func TestDrainServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &http.Server{Handler: http.NotFoundHandler()}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	// The drain must succeed even when the triggering context is
	// already cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	<-ctx.Done()

	assert.NoError(t, drainServer(srv))
	assert.ErrorIs(t, <-done, http.ErrServerClosed)
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, 200, map[string]string{"status": "ok"})
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
