package filesync

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	syncerr "github.com/alexjbarnes/filesync/internal/errors"
	"github.com/alexjbarnes/filesync/internal/state"
)

// pathMap rebases paths between the local root and the peer's root.
// When both roots are equal it is the identity.
type pathMap struct {
	local  string
	remote string
}

func (p pathMap) toLocal(remotePath string) string {
	return rebase(remotePath, p.remote, p.local)
}

func (p pathMap) toRemote(localPath string) string {
	return rebase(localPath, p.local, p.remote)
}

// rebase swaps the from prefix of path for to. Paths outside from are
// returned unchanged.
func rebase(path, from, to string) string {
	if from == to || from == "" {
		return path
	}

	if path == from {
		return to
	}

	prefix := strings.TrimSuffix(from, string(filepath.Separator)) + string(filepath.Separator)
	if rest, ok := strings.CutPrefix(path, prefix); ok {
		return strings.TrimSuffix(to, string(filepath.Separator)) + string(filepath.Separator) + rest
	}

	return path
}

// clientSession holds the wire exchanges a client performs during one
// session. Entries it handles always carry local paths; names sent to
// the peer are rebased onto the remote root.
type clientSession struct {
	wire     *wireConn
	transfer *Transfer
	paths    pathMap
	rec      *state.SessionRecord
	logger   *slog.Logger
}

// fetchManifest asks the peer for its entries modified after since and
// reads manifest frames until SEND_OVER.
func (c *clientSession) fetchManifest(since uint32) ([]Entry, error) {
	if err := c.wire.sendCommand(CmdFetchDir); err != nil {
		return nil, err
	}

	if err := c.wire.expect(CmdFetchTime); err != nil {
		return nil, err
	}

	if err := c.wire.writeSyncTime(since); err != nil {
		return nil, err
	}

	var entries []Entry

	for {
		line, err := c.wire.readLine()
		if err != nil {
			return nil, err
		}

		if cmd, ok := ParseCommand(line); ok {
			if cmd == CmdSendOver {
				return entries, nil
			}
			return nil, fmt.Errorf("%w: %v inside manifest stream", syncerr.ErrProtocol, cmd)
		}

		entry, err := ParseEntry(line)
		if err != nil {
			return nil, err
		}

		entry.Path = c.paths.toLocal(entry.Path)
		entries = append(entries, entry)
	}
}

// fetchRemoteEntry brings a remote item to this host. Directories are
// created locally without a wire exchange. For files the expected size
// is the one held in the diff item; the peer sends no length.
func (c *clientSession) fetchRemoteEntry(item DiffItem) error {
	local := item.Entry.Path

	if item.Entry.IsDir() {
		created, err := c.transfer.CreateDirectory(local)
		if err != nil {
			return err
		}
		if created {
			c.rec.DirsCreated++
		}
		return nil
	}

	if err := c.wire.sendCommand(CmdFetchFile); err != nil {
		return err
	}

	if err := c.wire.expect(CmdFetchName); err != nil {
		return err
	}

	if err := c.wire.writeLine(c.paths.toRemote(local)); err != nil {
		return err
	}

	n, err := c.transfer.Receive(c.wire, item.Entry.Size, local)
	c.rec.Bytes += n
	if err != nil {
		return err
	}

	c.rec.Fetched++
	c.logger.Info("fetched file",
		slog.String("path", local),
		slog.String("class", item.Class.String()),
		slog.String("size", humanize.Bytes(n)),
	)

	return nil
}

// pushLocalEntry sends a local item to the peer. For files the manifest
// line goes first so the peer knows how many raw bytes follow. The
// file is read before the exchange starts and the line carries the
// length of what was read, not the snapshot size, so a file that
// changed since the snapshot still leaves the stream aligned.
func (c *clientSession) pushLocalEntry(item DiffItem) error {
	local := item.Entry.Path
	remote := c.paths.toRemote(local)

	if item.Entry.IsDir() {
		if err := c.wire.sendCommand(CmdPushDir); err != nil {
			return err
		}

		if err := c.wire.expect(CmdFetchName); err != nil {
			return err
		}

		if err := c.wire.writeLine(remote); err != nil {
			return err
		}

		c.logger.Info("pushed directory", slog.String("path", local))

		return nil
	}

	data, err := c.transfer.readFile(local)
	if err != nil {
		return err
	}

	if err := c.wire.sendCommand(CmdPushFile); err != nil {
		return err
	}

	if err := c.wire.expect(CmdFetchName); err != nil {
		return err
	}

	frame := item.Entry
	frame.Path = remote
	frame.Size = uint64(len(data))

	if err := c.wire.writeLine(frame.Line()); err != nil {
		return err
	}

	n, err := c.transfer.sendBytes(c.wire, local, data)
	c.rec.Bytes += uint64(n)
	if err != nil {
		// The peer is already waiting for the bytes.
		return fmt.Errorf("%w: %w", syncerr.ErrTransfer, err)
	}

	c.rec.Pushed++
	c.logger.Info("pushed file",
		slog.String("path", local),
		slog.String("class", item.Class.String()),
		slog.String("size", humanize.Bytes(uint64(n))),
	)

	return nil
}

func (c *clientSession) finish() error {
	return c.wire.sendCommand(CmdSyncOver)
}
