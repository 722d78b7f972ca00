package filesync

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Snapshotter walks a root directory and produces a manifest of the
// entries modified after a floor timestamp.
type Snapshotter struct {
	excludes []string
	logger   *slog.Logger
}

// NewSnapshotter creates a snapshotter. Exclude patterns are doublestar
// globs matched against slash-separated paths relative to the root; a
// trailing slash is ignored.
func NewSnapshotter(excludes []string, logger *slog.Logger) *Snapshotter {
	cleaned := make([]string, 0, len(excludes))
	for _, p := range excludes {
		p = strings.TrimSuffix(strings.TrimSpace(p), "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}

	return &Snapshotter{excludes: cleaned, logger: logger}
}

// Snapshot walks root in pre-order and returns every directory
// (including root) and file whose modification time is strictly after
// since. Symlinks are skipped. Any stat failure, including an entry vanishing mid-walk, fails
// the whole snapshot.
func (s *Snapshotter) Snapshot(root string, since uint32) (*Manifest, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	m := &Manifest{Root: absRoot, Since: since}
	floor := int64(since)

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != absRoot && s.excluded(absRoot, path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks are left out: their lstat size is the link text, not
		// the bytes a transfer would read through them.
		if path != absRoot && d.Type()&fs.ModeSymlink != 0 {
			s.logger.Debug("skipping symlink during snapshot", slog.String("path", path))
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		mtime := info.ModTime().Unix()
		if mtime <= floor {
			return nil
		}

		kind := KindFile
		if d.IsDir() {
			kind = KindDirectory
		}

		m.Entries = append(m.Entries, Entry{
			Path:    path,
			Kind:    kind,
			Size:    uint64(info.Size()),
			ModTime: mtime,
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", absRoot, err)
	}

	s.logger.Debug("snapshot complete",
		slog.String("root", absRoot),
		slog.Int("entries", len(m.Entries)),
		slog.Any("since", since),
	)

	return m, nil
}

func (s *Snapshotter) excluded(root, path string) bool {
	if len(s.excludes) == 0 {
		return false
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}

	rel = filepath.ToSlash(rel)
	for _, pattern := range s.excludes {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
	}

	return false
}
