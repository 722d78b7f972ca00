package filesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	syncerr "github.com/alexjbarnes/filesync/internal/errors"
	"github.com/alexjbarnes/filesync/internal/state"
)

// acceptRetryDelay paces the accept loop after a failed Accept.
const acceptRetryDelay = 100 * time.Millisecond

// ServerConfig holds the collaborators of a Server.
type ServerConfig struct {
	Store       ConfigStore
	Snapshotter *Snapshotter
	Transfer    *Transfer
	// Recorder is optional.
	Recorder  Recorder
	IOTimeout time.Duration
}

// Server answers client sessions one connection at a time. Further
// clients wait in the listener's backlog until the active session ends.
type Server struct {
	store     ConfigStore
	snap      *Snapshotter
	transfer  *Transfer
	recorder  Recorder
	ioTimeout time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewServer creates a Server from the given config.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		store:     cfg.Store,
		snap:      cfg.Snapshotter,
		transfer:  cfg.Transfer,
		recorder:  cfg.Recorder,
		ioTimeout: cfg.IOTimeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Serve accepts connections from ln and handles each session to
// completion before accepting the next. It returns nil once ctx is
// cancelled; the listener is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("waiting for connections", slog.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: listener closed: %w", syncerr.ErrConnection, err)
			}

			s.logger.Error("accept failed", slog.String("error", err.Error()))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}

			continue
		}

		s.logger.Info("client connected", slog.String("peer", conn.RemoteAddr().String()))

		if err := s.HandleSession(ctx, conn); err != nil {
			s.logger.Warn("session aborted", slog.String("error", err.Error()))
		} else {
			s.logger.Info("session finished, waiting for next connection")
		}
	}
}

// HandleSession dispatches commands from one client until SYNC_OVER,
// a session-fatal error, or cancellation. conn is always closed.
func (s *Server) HandleSession(ctx context.Context, conn net.Conn) (err error) {
	rec := state.SessionRecord{
		Role:    RoleServer,
		Peer:    conn.RemoteAddr().String(),
		Started: s.now(),
	}

	wire := newWireConn(conn, s.ioTimeout)
	defer wire.Close()

	stop := context.AfterFunc(ctx, func() { wire.Close() })
	defer stop()

	defer func() {
		rec.Finished = s.now()
		if err != nil {
			rec.Error = err.Error()
		}
		s.record(rec)
	}()

	for {
		cmd, err := wire.readCommand()
		if err != nil {
			return err
		}

		s.logger.Debug("command received", slog.String("command", cmd.String()))

		var itemErr error

		switch cmd {
		case CmdFetchDir:
			// A failed manifest leaves the client mid-stream, so any
			// error here ends the session.
			if err := s.sendManifest(wire, &rec); err != nil {
				return err
			}
		case CmdFetchFile:
			itemErr = s.serveFile(wire, &rec)
		case CmdPushFile:
			itemErr = s.receiveFile(wire, &rec)
		case CmdPushDir:
			itemErr = s.receiveDir(wire, &rec)
		case CmdSendOver:
			// Only meaningful inside a manifest stream.
		case CmdSyncOver:
			wire.Close()

			if err := SaveSyncTime(s.store, s.now()); err != nil {
				return err
			}

			s.logger.Info("sync over, connection closed",
				slog.Int("received", rec.Pushed),
				slog.Int("served", rec.Fetched),
			)

			return nil
		case CmdFetchName, CmdFetchTime, CmdUnknown:
			return fmt.Errorf("%w: client sent %v", syncerr.ErrProtocol, cmd)
		default:
			return fmt.Errorf("%w: unhandled command %d", syncerr.ErrProtocol, int(cmd))
		}

		if itemErr != nil {
			if syncerr.Fatal(itemErr) {
				return itemErr
			}

			rec.Skipped++
			s.logger.Warn("request failed", slog.String("command", cmd.String()), slog.String("error", itemErr.Error()))
		}
	}
}

// sendManifest answers FETCH_DIR: it asks for the floor, snapshots the
// local root and streams one frame per entry followed by SEND_OVER.
func (s *Server) sendManifest(wire *wireConn, rec *state.SessionRecord) error {
	if err := wire.sendCommand(CmdFetchTime); err != nil {
		return err
	}

	since, err := wire.readSyncTime()
	if err != nil {
		return err
	}

	rec.Since = since

	root := s.store.Get(SectionDir, KeyLocalDir)
	if root == "" {
		return fmt.Errorf("local root not configured")
	}

	m, err := s.snap.Snapshot(root, since)
	if err != nil {
		return fmt.Errorf("snapshotting %s: %w", root, err)
	}

	for _, e := range m.Entries {
		if err := wire.writeLine(e.Line()); err != nil {
			return err
		}
	}

	if err := wire.sendCommand(CmdSendOver); err != nil {
		return err
	}

	s.logger.Info("manifest sent", slog.Int("entries", len(m.Entries)), slog.Any("since", since))

	return nil
}

// serveFile answers FETCH_FILE with the raw bytes of the named file.
// No length is sent; the client already knows the size.
func (s *Server) serveFile(wire *wireConn, rec *state.SessionRecord) error {
	if err := wire.sendCommand(CmdFetchName); err != nil {
		return err
	}

	path, err := wire.readLine()
	if err != nil {
		return err
	}

	n, err := s.transfer.Send(wire, path)
	rec.Bytes += uint64(n)
	if err != nil {
		return err
	}

	rec.Fetched++

	return nil
}

// receiveFile answers PUSH_FILE: it reads the manifest line of the
// incoming file and then exactly its size in raw bytes.
func (s *Server) receiveFile(wire *wireConn, rec *state.SessionRecord) error {
	if err := wire.sendCommand(CmdFetchName); err != nil {
		return err
	}

	line, err := wire.readLine()
	if err != nil {
		return err
	}

	entry, err := ParseEntry(line)
	if err != nil {
		return err
	}

	if entry.IsDir() {
		return fmt.Errorf("%w: PUSH_FILE for directory %s", syncerr.ErrProtocol, entry.Path)
	}

	n, err := s.transfer.Receive(wire, entry.Size, entry.Path)
	rec.Bytes += n
	if err != nil {
		return err
	}

	rec.Pushed++
	s.logger.Info("file received", slog.String("path", entry.Path))

	return nil
}

// receiveDir answers PUSH_DIR by creating the named directory.
func (s *Server) receiveDir(wire *wireConn, rec *state.SessionRecord) error {
	if err := wire.sendCommand(CmdFetchName); err != nil {
		return err
	}

	path, err := wire.readLine()
	if err != nil {
		return err
	}

	created, err := s.transfer.CreateDirectory(path)
	if err != nil {
		return err
	}

	if created {
		rec.DirsCreated++
	}

	return nil
}

func (s *Server) record(rec state.SessionRecord) {
	if s.recorder == nil {
		return
	}

	if err := s.recorder.RecordSession(rec); err != nil {
		s.logger.Warn("failed to record session", slog.String("error", err.Error()))
	}
}
