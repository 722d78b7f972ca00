package filesync

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	syncerr "github.com/alexjbarnes/filesync/internal/errors"
)

const (
	// recvChunkSize is the most a receive asks for in one read.
	recvChunkSize = 1024

	// backupTimeLayout stamps backups to the minute, so two backups of
	// the same file inside one minute share a name and the later
	// rename replaces the earlier backup.
	backupTimeLayout = "200601021504"

	// DefaultMaxEmptyReads bounds consecutive zero-byte reads.
	DefaultMaxEmptyReads = 64

	dirPerm  = fs.FileMode(0o755)
	filePerm = fs.FileMode(0o644)
)

// Transfer moves raw file bytes between the filesystem and a stream.
type Transfer struct {
	logger        *slog.Logger
	maxEmptyReads int
	now           func() time.Time
}

// NewTransfer creates a transfer engine. maxEmptyReads below one falls
// back to DefaultMaxEmptyReads.
func NewTransfer(logger *slog.Logger, maxEmptyReads int) *Transfer {
	if maxEmptyReads < 1 {
		maxEmptyReads = DefaultMaxEmptyReads
	}

	return &Transfer{
		logger:        logger,
		maxEmptyReads: maxEmptyReads,
		now:           time.Now,
	}
}

// Send writes the whole file at path to w in one write and returns the
// number of bytes sent.
func (t *Transfer) Send(w io.Writer, path string) (int64, error) {
	data, err := t.readFile(path)
	if err != nil {
		return 0, err
	}

	return t.sendBytes(w, path, data)
}

// readFile loads the whole file at path. A missing file is
// ErrFileNotFound.
func (t *Transfer) readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("sending %s: %w", path, syncerr.ErrFileNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return data, nil
}

// sendBytes writes data, already read from path, to w in one write.
func (t *Transfer) sendBytes(w io.Writer, path string, data []byte) (int64, error) {
	n, err := w.Write(data)
	if err != nil {
		return int64(n), fmt.Errorf("%w: sending %s: %w", syncerr.ErrConnection, path, err)
	}

	t.logger.Debug("file sent", slog.String("path", path), slog.String("size", humanize.Bytes(uint64(n))))

	return int64(n), nil
}

// Receive reads exactly size bytes from r into dst. An existing file at
// dst is first renamed to its backup name; if that rename fails the
// conflict is logged and dst is overwritten anyway. Missing parent
// directories are created.
//
// The full size is always consumed from r, even when dst cannot be
// written, so the stream stays aligned for the next frame. In that case
// the write error is returned after the bytes are drained. A stream
// that ends early, or that returns maxEmptyReads zero-byte reads in a
// row, fails with ErrTransfer.
func (t *Transfer) Receive(r io.Reader, size uint64, dst string) (uint64, error) {
	var sink io.Writer = io.Discard

	f, writeErr := t.openDestination(dst)
	if writeErr == nil {
		defer f.Close()
		sink = f
	}

	buf := make([]byte, recvChunkSize)

	var received uint64

	empty := 0
	for received < size {
		want := uint64(recvChunkSize)
		if remaining := size - received; remaining < want {
			want = remaining
		}

		n, err := r.Read(buf[:want])
		if n > 0 {
			empty = 0
			received += uint64(n)

			if _, werr := sink.Write(buf[:n]); werr != nil {
				writeErr = fmt.Errorf("writing %s: %w", dst, werr)
				sink = io.Discard
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) && received < size {
				return received, fmt.Errorf("receiving %s: stream ended after %d of %d bytes: %w", dst, received, size, syncerr.ErrTransfer)
			}
			if received < size {
				return received, fmt.Errorf("%w: receiving %s: %w", syncerr.ErrConnection, dst, err)
			}
		}

		if n == 0 && err == nil {
			empty++
			if empty >= t.maxEmptyReads {
				return received, fmt.Errorf("receiving %s: %d empty reads after %d of %d bytes: %w", dst, empty, received, size, syncerr.ErrTransfer)
			}
		}
	}

	if writeErr != nil {
		return received, writeErr
	}

	if err := f.Close(); err != nil {
		return received, fmt.Errorf("closing %s: %w", dst, err)
	}

	t.logger.Debug("file received", slog.String("path", dst), slog.String("size", humanize.Bytes(received)))

	return received, nil
}

// openDestination prepares dst for writing: parent directories are
// created and an existing file is backed up.
func (t *Transfer) openDestination(dst string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return nil, fmt.Errorf("creating parent of %s: %w", dst, err)
	}

	if info, err := os.Lstat(dst); err == nil && !info.IsDir() {
		backup, err := t.backup(dst)
		if err != nil {
			t.logger.Warn("backup failed, overwriting in place",
				slog.String("path", dst),
				slog.String("error", fmt.Errorf("%w: %w", syncerr.ErrFilesystemConflict, err).Error()),
			)
		} else {
			t.logger.Info("backed up existing file", slog.String("path", dst), slog.String("backup", backup))
		}
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dst, err)
	}

	return f, nil
}

func (t *Transfer) backup(path string) (string, error) {
	target := BackupName(path, t.now())
	if err := os.Rename(path, target); err != nil {
		return "", err
	}
	return target, nil
}

// BackupName returns the name path is renamed to before being
// overwritten at time at: <name><YYYYMMDDHHMM><ext> in the same
// directory, using local time.
func BackupName(path string, at time.Time) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)

	// A leading dot starts the name, not an extension (".env").
	if name == "" {
		name, ext = base, ""
	}

	return filepath.Join(dir, name+at.In(time.Local).Format(backupTimeLayout)+ext)
}

// CreateDirectory creates path and any missing parents. It returns
// false, without error, when something already exists at path.
func (t *Transfer) CreateDirectory(path string) (bool, error) {
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			t.logger.Warn("non-directory already at directory path", slog.String("path", path))
		} else {
			t.logger.Debug("directory already exists", slog.String("path", path))
		}
		return false, nil
	}

	if err := os.MkdirAll(path, dirPerm); err != nil {
		return false, fmt.Errorf("creating directory %s: %w", path, err)
	}

	t.logger.Debug("directory created", slog.String("path", path))

	return true, nil
}
