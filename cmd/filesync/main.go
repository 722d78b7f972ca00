package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/filesync/internal/config"
	"github.com/alexjbarnes/filesync/internal/filesync"
	"github.com/alexjbarnes/filesync/internal/logging"
	"github.com/alexjbarnes/filesync/internal/state"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "filesync",
		Short:         "Synchronize a directory tree with a peer host",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Answer sync sessions from clients, one at a time",
			Args:  cobra.NoArgs,
			RunE:  withApp(runServe),
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Run one sync session against the server",
			Args:  cobra.NoArgs,
			RunE:  withApp(runSync),
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Sync whenever the local tree changes",
			Args:  cobra.NoArgs,
			RunE:  withApp(runWatch),
		},
		newStatusCmd(),
	)

	return root
}

// app bundles what every subcommand needs once config is loaded.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	state  *state.State
}

// withApp loads config, logging and state, installs signal handling,
// and runs fn with the resulting context.
func withApp(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger := logging.NewLogger(cfg.Environment)
		logger.Info("filesync starting",
			slog.String("version", Version),
			slog.String("command", cmd.Name()),
			slog.String("local", cfg.LocalDir),
			slog.String("transport", cfg.Transport),
		)

		appState, err := state.LoadAt(cfg.StatePath)
		if err != nil {
			return fmt.Errorf("loading state: %w", err)
		}
		defer appState.Close()

		if err := seedStore(appState, cfg); err != nil {
			return fmt.Errorf("seeding config store: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return fn(ctx, &app{cfg: cfg, logger: logger, state: appState})
	}
}

// seedStore copies the environment config into the store. The last
// sync time and the needs-sync flag belong to the store and are only
// initialised when absent.
func seedStore(s *state.State, cfg *config.Config) error {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "filesync"
	}

	values := []struct{ section, key, value string }{
		{filesync.SectionDir, filesync.KeyLocalDir, cfg.LocalDir},
		{filesync.SectionDir, filesync.KeyRemoteDir, cfg.RemoteDir},
		{filesync.SectionHost, filesync.KeyServer, cfg.Host},
		{filesync.SectionHost, filesync.KeyPort, strconv.Itoa(cfg.Port)},
		{filesync.SectionHost, filesync.KeyClient, hostname},
	}
	for _, v := range values {
		if err := s.Set(v.section, v.key, v.value); err != nil {
			return err
		}
	}

	if _, err := s.SetDefault(filesync.SectionTime, filesync.KeySyncTime, ""); err != nil {
		return err
	}

	_, err = s.SetDefault(filesync.SectionStatus, filesync.KeyNeedSync, "true")

	return err
}

func newSnapshotter(a *app) *filesync.Snapshotter {
	return filesync.NewSnapshotter(a.cfg.Exclude, a.logger)
}

func newSyncer(a *app) *filesync.Syncer {
	var dialer filesync.Dialer = filesync.TCPDialer{Timeout: a.cfg.IOTimeout}
	if a.cfg.Transport == config.TransportWebSocket {
		dialer = filesync.WebSocketDialer{}
	}

	return filesync.NewSyncer(filesync.SyncerConfig{
		Store:       a.state,
		Snapshotter: newSnapshotter(a),
		Transfer:    filesync.NewTransfer(a.logger, a.cfg.MaxEmptyReads),
		Dialer:      dialer,
		Recorder:    a.state,
		IOTimeout:   a.cfg.IOTimeout,
	}, a.logger)
}

func runSync(ctx context.Context, a *app) error {
	return newSyncer(a).SyncOnce(ctx)
}

func runWatch(ctx context.Context, a *app) error {
	watcher := filesync.NewChangeWatcher(a.cfg.LocalDir, a.state, newSnapshotter(a), a.logger)
	return newSyncer(a).Watch(ctx, watcher, a.cfg.WatchInterval)
}
