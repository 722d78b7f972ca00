package filesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	syncerr "github.com/alexjbarnes/filesync/internal/errors"
	"github.com/alexjbarnes/filesync/internal/state"
)

// Session roles recorded in the history.
const (
	RoleClient = "client"
	RoleServer = "server"
)

//go:generate mockgen -source=sync.go -destination=mock_sync_test.go -package=filesync

// Dialer opens the stream to the server.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// Recorder keeps a history of finished sessions.
type Recorder interface {
	RecordSession(rec state.SessionRecord) error
}

// SyncerConfig holds the collaborators of a Syncer.
type SyncerConfig struct {
	Store       ConfigStore
	Snapshotter *Snapshotter
	Transfer    *Transfer
	Dialer      Dialer
	// Recorder is optional.
	Recorder  Recorder
	IOTimeout time.Duration
}

// Syncer runs client sessions: it fetches the peer's manifest, diffs
// it against a local snapshot, and copies every differing entry in
// diff order.
type Syncer struct {
	store     ConfigStore
	snap      *Snapshotter
	transfer  *Transfer
	dialer    Dialer
	recorder  Recorder
	ioTimeout time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSyncer creates a Syncer from the given config.
func NewSyncer(cfg SyncerConfig, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:     cfg.Store,
		snap:      cfg.Snapshotter,
		transfer:  cfg.Transfer,
		dialer:    cfg.Dialer,
		recorder:  cfg.Recorder,
		ioTimeout: cfg.IOTimeout,
		logger:    logger,
		now:       time.Now,
	}
}

// SyncOnce dials the configured server and runs one session. It does
// nothing when the stored last sync time is not in the past.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	since, err := LastSyncTime(s.store)
	if err != nil {
		return err
	}

	if since == 0 {
		s.logger.Info("no previous sync, running full sync")
	} else if int64(since) >= s.now().Unix() {
		s.logger.Info("last sync is not in the past, skipping",
			slog.String("last_sync", s.store.Get(SectionTime, KeySyncTime)),
		)
		return nil
	}

	addr := net.JoinHostPort(s.store.Get(SectionHost, KeyServer), s.store.Get(SectionHost, KeyPort))

	conn, err := s.dialer.Dial(ctx, addr)
	if err != nil {
		s.logger.Error("connect failed", slog.String("addr", addr), slog.String("error", err.Error()))
		return fmt.Errorf("%w: dialing %s: %w", syncerr.ErrConnection, addr, err)
	}

	s.logger.Info("connected", slog.String("addr", addr))

	_, err = s.Run(ctx, conn)

	return err
}

// Run performs one client session over conn and closes it.
func (s *Syncer) Run(ctx context.Context, conn net.Conn) (rec state.SessionRecord, err error) {
	rec = state.SessionRecord{
		Role:    RoleClient,
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
			s.logger.Error("sync session failed", slog.String("error", err.Error()))
		}
		s.record(rec)
	}()

	localRoot := s.store.Get(SectionDir, KeyLocalDir)
	if localRoot == "" {
		return rec, fmt.Errorf("local root not configured")
	}

	remoteRoot := s.store.Get(SectionDir, KeyRemoteDir)
	if remoteRoot == "" {
		remoteRoot = localRoot
	}

	since, err := LastSyncTime(s.store)
	if err != nil {
		return rec, err
	}

	rec.Since = since

	sess := &clientSession{
		wire:     wire,
		transfer: s.transfer,
		paths:    pathMap{local: localRoot, remote: remoteRoot},
		rec:      &rec,
		logger:   s.logger,
	}

	remote, err := sess.fetchManifest(since)
	if err != nil {
		return rec, fmt.Errorf("fetching remote manifest: %w", err)
	}

	s.logger.Info("remote manifest received", slog.Int("entries", len(remote)), slog.Any("since", since))

	local, err := s.snap.Snapshot(localRoot, since)
	if err != nil {
		return rec, fmt.Errorf("snapshotting local tree: %w", err)
	}

	items := Diff(local.Entries, remote)
	s.logger.Info("diff computed",
		slog.Int("local", len(local.Entries)),
		slog.Int("remote", len(remote)),
		slog.Int("items", len(items)),
	)

	for _, item := range items {
		var itemErr error
		if item.FromRemote() {
			itemErr = sess.fetchRemoteEntry(item)
		} else {
			itemErr = sess.pushLocalEntry(item)
		}

		if itemErr == nil {
			continue
		}

		if syncerr.Fatal(itemErr) {
			return rec, itemErr
		}

		rec.Skipped++
		s.logger.Warn("diff item skipped",
			slog.String("path", item.Entry.Path),
			slog.String("class", item.Class.String()),
			slog.String("error", itemErr.Error()),
		)
	}

	if err := sess.finish(); err != nil {
		return rec, err
	}

	wire.Close()

	if err := SaveSyncTime(s.store, s.now()); err != nil {
		return rec, err
	}

	if err := SetNeedsSync(s.store, false); err != nil {
		s.logger.Warn("failed to clear needs-sync flag", slog.String("error", err.Error()))
	}

	s.logger.Info("sync session complete",
		slog.Int("pushed", rec.Pushed),
		slog.Int("fetched", rec.Fetched),
		slog.Int("dirs_created", rec.DirsCreated),
		slog.Int("skipped", rec.Skipped),
	)

	return rec, nil
}

// Watch runs the change watcher and a loop that starts a session
// whenever the needs-sync flag is set, checking every interval. The
// flag is cleared before each attempt, so a failed session waits for
// the next change instead of retrying.
func (s *Syncer) Watch(ctx context.Context, w *ChangeWatcher, interval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Watch(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			s.syncIfNeeded(gctx)

			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (s *Syncer) syncIfNeeded(ctx context.Context) {
	if ctx.Err() != nil || !NeedsSync(s.store) {
		return
	}

	if err := SetNeedsSync(s.store, false); err != nil {
		s.logger.Warn("failed to clear needs-sync flag", slog.String("error", err.Error()))
		return
	}

	if err := s.SyncOnce(ctx); err != nil {
		s.logger.Warn("sync failed", slog.String("error", err.Error()))
	}
}

func (s *Syncer) record(rec state.SessionRecord) {
	if s.recorder == nil {
		return
	}

	if err := s.recorder.RecordSession(rec); err != nil {
		s.logger.Warn("failed to record session", slog.String("error", err.Error()))
	}
}
