package filesync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryPaths(entries []Entry) []string {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	return paths
}

func TestSnapshot_FullTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello", past)
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "world!", past)
	mkdir(t, filepath.Join(root, "sub"), past)
	mkdir(t, root, past)

	m, err := NewSnapshotter(nil, testLogger).Snapshot(root, 0)
	require.NoError(t, err)

	assert.Equal(t, root, m.Root)
	assert.Equal(t, uint32(0), m.Since)
	assert.Equal(t, []string{
		root,
		filepath.Join(root, "a.txt"),
		filepath.Join(root, "sub"),
		filepath.Join(root, "sub", "b.txt"),
	}, entryPaths(m.Entries))

	assert.Equal(t, KindDirectory, m.Entries[0].Kind)
	assert.Equal(t, Entry{
		Path:    filepath.Join(root, "a.txt"),
		Kind:    KindFile,
		Size:    5,
		ModTime: past.Unix(),
	}, m.Entries[1])
}

func TestSnapshot_SinceIsStrict(t *testing.T) {
	root := t.TempDir()
	older := past.Add(-time.Hour)
	newer := past.Add(time.Hour)

	writeFile(t, filepath.Join(root, "old.txt"), "old", older)
	writeFile(t, filepath.Join(root, "equal.txt"), "eq", past)
	writeFile(t, filepath.Join(root, "new.txt"), "new", newer)
	mkdir(t, root, older)

	m, err := NewSnapshotter(nil, testLogger).Snapshot(root, uint32(past.Unix()))
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(root, "new.txt")}, entryPaths(m.Entries))
}

func TestSnapshot_DirectoryPrecedesContents(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x", "y", "z.txt"), "z", past)

	m, err := NewSnapshotter(nil, testLogger).Snapshot(root, 0)
	require.NoError(t, err)

	index := map[string]int{}
	for i, e := range m.Entries {
		index[e.Path] = i
	}

	assert.Less(t, index[filepath.Join(root, "x")], index[filepath.Join(root, "x", "y")])
	assert.Less(t, index[filepath.Join(root, "x", "y")], index[filepath.Join(root, "x", "y", "z.txt")])
}

func TestSnapshot_Excludes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), "k", past)
	writeFile(t, filepath.Join(root, "skip.tmp"), "s", past)
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref", past)
	writeFile(t, filepath.Join(root, "deep", "a.tmp"), "a", past)
	mkdir(t, filepath.Join(root, "deep"), past)
	mkdir(t, root, past)

	snap := NewSnapshotter([]string{".git/", "**/*.tmp", " "}, testLogger)

	m, err := snap.Snapshot(root, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{
		root,
		filepath.Join(root, "deep"),
		filepath.Join(root, "keep.txt"),
	}, entryPaths(m.Entries))
}

func TestSnapshot_MissingRoot(t *testing.T) {
	_, err := NewSnapshotter(nil, testLogger).Snapshot(filepath.Join(t.TempDir(), "missing"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSnapshot_RelativeRootIsResolved(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a", past)
	t.Chdir(root)

	m, err := NewSnapshotter(nil, testLogger).Snapshot(".", 0)
	require.NoError(t, err)

	abs, err := filepath.Abs(".")
	require.NoError(t, err)
	assert.Equal(t, abs, m.Root)
	assert.Contains(t, entryPaths(m.Entries), filepath.Join(abs, "a.txt"))
}

func TestSnapshot_SkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "target.txt"), "a target much longer than its link text", past)
	require.NoError(t, os.Mkdir(filepath.Join(outside, "dir"), 0o755))

	writeFile(t, filepath.Join(root, "after.txt"), "after", past)
	symlinkOrSkip(t, filepath.Join(outside, "target.txt"), filepath.Join(root, "link.txt"))
	symlinkOrSkip(t, filepath.Join(outside, "dir"), filepath.Join(root, "linkdir"))
	mkdir(t, root, past)

	m, err := NewSnapshotter(nil, testLogger).Snapshot(root, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{root, filepath.Join(root, "after.txt")}, entryPaths(m.Entries))
}
