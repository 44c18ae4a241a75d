package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

const shutdownTimeout = 10 * time.Second

// serve runs srv on ln until ctx ends, then drains it and closes every push
// connection. It returns only after the registry is closed.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, registry *fanout.Registry) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()

		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown failed: %v", err)
		}
		// Hijacked WebSocket connections are not tracked by Shutdown.
		registry.Close()
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	<-stopped
	return nil
}
