package e2e_test

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/filesync/internal/config"
	"github.com/alexjbarnes/filesync/internal/filesync"
	"github.com/alexjbarnes/filesync/internal/server"
	"github.com/alexjbarnes/filesync/internal/state"
)

// harness holds a running server and a client that syncs against it.
// Both sides keep their settings and history in real bbolt databases.
type harness struct {
	ClientDir   string
	ServerDir   string
	ClientState *state.State
	ServerState *state.State
	Syncer      *filesync.Syncer
	Addr        string
}

// newHarness starts a server on a random loopback port using the given
// transport and wires a client to it.
func newHarness(t *testing.T, transport string) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	base := t.TempDir()

	h := &harness{
		ClientDir: filepath.Join(base, "client"),
		ServerDir: filepath.Join(base, "server"),
	}
	require.NoError(t, os.MkdirAll(h.ClientDir, 0o755))
	require.NoError(t, os.MkdirAll(h.ServerDir, 0o755))

	var err error

	h.ClientState, err = state.LoadAt(filepath.Join(base, "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.ClientState.Close() })

	h.ServerState, err = state.LoadAt(filepath.Join(base, "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.ServerState.Close() })

	var (
		ln     net.Listener
		dialer filesync.Dialer
	)

	switch transport {
	case config.TransportWebSocket:
		ln, err = server.ListenWebSocket("127.0.0.1:0", logger)
		dialer = filesync.WebSocketDialer{}
	default:
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		dialer = filesync.TCPDialer{Timeout: 5 * time.Second}
	}
	require.NoError(t, err)

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	h.Addr = ln.Addr().String()

	seed(t, h.ServerState, h.ServerDir, h.ServerDir, host, port)
	seed(t, h.ClientState, h.ClientDir, h.ServerDir, host, port)

	snap := filesync.NewSnapshotter([]string{"**/*.tmp"}, logger)

	srv := filesync.NewServer(filesync.ServerConfig{
		Store:       h.ServerState,
		Snapshotter: snap,
		Transfer:    filesync.NewTransfer(logger, 0),
		Recorder:    h.ServerState,
		IOTimeout:   10 * time.Second,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	h.Syncer = filesync.NewSyncer(filesync.SyncerConfig{
		Store:       h.ClientState,
		Snapshotter: snap,
		Transfer:    filesync.NewTransfer(logger, 0),
		Dialer:      dialer,
		Recorder:    h.ClientState,
		IOTimeout:   10 * time.Second,
	}, logger)

	return h
}

func seed(t *testing.T, s *state.State, local, remote, host, port string) {
	t.Helper()
	require.NoError(t, s.Set(filesync.SectionDir, filesync.KeyLocalDir, local))
	require.NoError(t, s.Set(filesync.SectionDir, filesync.KeyRemoteDir, remote))
	require.NoError(t, s.Set(filesync.SectionHost, filesync.KeyServer, host))
	require.NoError(t, s.Set(filesync.SectionHost, filesync.KeyPort, port))
	require.NoError(t, s.Set(filesync.SectionHost, filesync.KeyClient, "e2e-"+strconv.Itoa(os.Getpid())))
	_, err := s.SetDefault(filesync.SectionStatus, filesync.KeyNeedSync, "true")
	require.NoError(t, err)
}

// sync runs one client session against the server and waits until the
// server has recorded its side.
func (h *harness) sync(t *testing.T) {
	t.Helper()

	before := h.serverSessions(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, h.Syncer.SyncOnce(ctx))

	require.Eventually(t, func() bool {
		return h.serverSessions(t) > before
	}, 5*time.Second, 10*time.Millisecond)
}

func (h *harness) serverSessions(t *testing.T) int {
	t.Helper()
	recs, err := h.ServerState.Sessions(0)
	require.NoError(t, err)
	return len(recs)
}

// forgetLastSync clears the client's last sync time so the next
// session compares the full trees and is not skipped.
func (h *harness) forgetLastSync(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ClientState.Set(filesync.SectionTime, filesync.KeySyncTime, ""))
}

var old = time.Now().Add(-24 * time.Hour).Truncate(time.Second)

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
