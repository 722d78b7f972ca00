// Package server provides the HTTP side of the WebSocket transport.
package server

import (
	"log/slog"
	"net/http"
)

const (
	// SyncPath is where clients open the sync WebSocket.
	SyncPath = "/sync"

	// HealthPath answers plain GETs so load balancers can probe the
	// server without opening a session.
	HealthPath = "/healthz"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	SyncHandler http.Handler
	Logger      *slog.Logger
}

// NewMux builds the HTTP mux with the sync and health endpoints.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(SyncPath, cfg.SyncHandler)
	mux.HandleFunc(HealthPath, func(w http.ResponseWriter, r *http.Request) {
		cfg.Logger.Debug("health probe", slog.String("remote", r.RemoteAddr))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	return mux
}
