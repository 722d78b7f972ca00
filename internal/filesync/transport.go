package filesync

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coder/websocket"

	"github.com/alexjbarnes/filesync/internal/server"
)

// TCPDialer opens a plain TCP stream.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial implements Dialer.
func (d TCPDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", addr)
}

// WebSocketDialer opens the stream as binary messages over a WebSocket
// at ws://addr/sync. Framing inside the stream is unchanged.
type WebSocketDialer struct{}

// Dial implements Dialer.
func (WebSocketDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	c, _, err := websocket.Dial(ctx, "ws://"+addr+server.SyncPath, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	c.SetReadLimit(server.WSReadLimit)

	// The connection outlives the dial context; sessions close it
	// themselves on cancellation.
	return websocket.NetConn(context.WithoutCancel(ctx), c, websocket.MessageBinary), nil
}
