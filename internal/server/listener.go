package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSReadLimit caps a single WebSocket message. A whole file is sent in
// one write, so the limit is far above the library default.
const WSReadLimit = 1 << 40

// WebSocketListener adapts upgraded WebSocket connections to a
// net.Listener. Each upgrade handler blocks until Accept takes its
// connection and the session closes it, so a one-at-a-time accept loop
// keeps later clients waiting.
type WebSocketListener struct {
	addr   net.Addr
	srv    *http.Server
	conns  chan net.Conn
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// ListenWebSocket binds addr and starts serving the sync mux on it.
func ListenWebSocket(addr string, logger *slog.Logger) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &WebSocketListener{
		addr:   ln.Addr(),
		conns:  make(chan net.Conn),
		done:   make(chan struct{}),
		logger: logger,
	}

	l.srv = &http.Server{
		Handler:           NewMux(MuxConfig{SyncHandler: l, Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket listener stopped", slog.String("error", err.Error()))
		}
	}()

	return l, nil
}

// ServeHTTP upgrades the request and hands the connection to Accept.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c.SetReadLimit(WSReadLimit)

	conn := &trackedConn{
		Conn:   websocket.NetConn(context.WithoutCancel(r.Context()), c, websocket.MessageBinary),
		closed: make(chan struct{}),
		remote: r.RemoteAddr,
	}

	select {
	case l.conns <- conn:
	case <-l.done:
		c.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	select {
	case <-conn.closed:
	case <-l.done:
		conn.Close()
	}
}

// Accept implements net.Listener.
func (l *WebSocketListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close implements net.Listener.
func (l *WebSocketListener) Close() error {
	var err error

	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})

	return err
}

// Addr implements net.Listener.
func (l *WebSocketListener) Addr() net.Addr {
	return l.addr
}

// trackedConn signals when the session is done with the connection.
type trackedConn struct {
	net.Conn
	closed chan struct{}
	once   sync.Once
	remote string
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })
	return err
}

// RemoteAddr reports the HTTP peer rather than the WebSocket's
// placeholder address.
func (c *trackedConn) RemoteAddr() net.Addr {
	return wsAddr(c.remote)
}

type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }
