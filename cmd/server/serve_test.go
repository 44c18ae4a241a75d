package main

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

type closeRecorder struct {
	closed atomic.Bool
}

func (c *closeRecorder) Send(context.Context, fanout.Event) error { return nil }
func (c *closeRecorder) Close() error {
	c.closed.Store(true)
	return nil
}

func TestServe_ClosesRegistryBeforeReturning(t *testing.T) {
	registry := fanout.NewRegistry()
	conn := &closeRecorder{}
	_, err := registry.Subscribe("u1", fanout.TopicAlerts, conn)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	})}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, srv, ln, registry) }()

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started
	cancel()

	// A request still in flight keeps Shutdown, and so serve, waiting.
	select {
	case <-done:
		t.Fatal("serve returned while a request was draining")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after shutdown")
	}
	assert.True(t, conn.closed.Load(), "push connections are closed before serve returns")
	assert.Zero(t, registry.Len())
}
