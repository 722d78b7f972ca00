package filesync

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memStore is an in-memory ConfigStore.
type memStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string)}
}

func (m *memStore) Get(section, key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[section+"/"+key]
}

func (m *memStore) Set(section, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[section+"/"+key] = value
	return nil
}

// past is a fixed timestamp well before any test run.
var past = time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)

// writeFile creates path with content and sets its mtime.
func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

// mkdir creates path and sets its mtime.
func mkdir(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// symlinkOrSkip creates a symlink at link, skipping the test where the
// platform does not allow it.
func symlinkOrSkip(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
}
