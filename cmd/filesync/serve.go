package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/filesync/internal/config"
	syncerr "github.com/alexjbarnes/filesync/internal/errors"
	"github.com/alexjbarnes/filesync/internal/filesync"
	"github.com/alexjbarnes/filesync/internal/server"
)

func runServe(ctx context.Context, a *app) error {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))

	ln, err := listen(a.cfg.Transport, addr, a.logger)
	if err != nil {
		return fmt.Errorf("%w: listening on %s: %w", syncerr.ErrConnection, addr, err)
	}

	srv := filesync.NewServer(filesync.ServerConfig{
		Store:       a.state,
		Snapshotter: newSnapshotter(a),
		Transfer:    filesync.NewTransfer(a.logger, a.cfg.MaxEmptyReads),
		Recorder:    a.state,
		IOTimeout:   a.cfg.IOTimeout,
	}, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down server")
		return nil
	})

	return g.Wait()
}

func listen(transport, addr string, logger *slog.Logger) (net.Listener, error) {
	if transport == config.TransportWebSocket {
		ln, err := server.ListenWebSocket(addr, logger)
		if err != nil {
			return nil, err
		}
		return ln, nil
	}

	return net.Listen("tcp", addr)
}
