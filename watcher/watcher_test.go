package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects ingested paths.
type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) ingest(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return nil
}

func (r *recorder) has(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.paths {
		if p == path {
			return true
		}
	}
	return false
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func startWatcher(t *testing.T, root string, rec *recorder) *Watcher {
	t.Helper()
	w, err := New(root, rec.ingest)
	require.NoError(t, err)
	w.SetStability(50 * time.Millisecond)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestBackfillIngestsExistingFiles(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "pre.md")
	require.NoError(t, os.WriteFile(existing, []byte("already here"), 0644))

	rec := &recorder{}
	startWatcher(t, root, rec)

	require.Eventually(t, func() bool { return rec.has(existing) },
		5*time.Second, 20*time.Millisecond, "pre-existing file not backfilled")
}

func TestWriteEventIngestsAfterStability(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	startWatcher(t, root, rec)

	path := filepath.Join(root, "new.md")
	require.NoError(t, os.WriteFile(path, []byte("fresh content"), 0644))

	require.Eventually(t, func() bool { return rec.has(path) },
		5*time.Second, 20*time.Millisecond, "new file not ingested")
}

func TestDotfilesAreIgnored(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	startWatcher(t, root, rec)

	dotfile := filepath.Join(root, ".hidden.md")
	require.NoError(t, os.WriteFile(dotfile, []byte("secret"), 0644))
	visible := filepath.Join(root, "visible.md")
	require.NoError(t, os.WriteFile(visible, []byte("hello"), 0644))

	require.Eventually(t, func() bool { return rec.has(visible) },
		5*time.Second, 20*time.Millisecond)
	assert.False(t, rec.has(dotfile), "dotfile must never be ingested")
}

func TestSnapshotFilesAreIgnored(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	startWatcher(t, root, rec)

	snap := filepath.Join(root, "cozo_memory_snapshot_20260806T120000Z.yaml")
	require.NoError(t, os.WriteFile(snap, []byte("- id: x"), 0644))
	marker := filepath.Join(root, "marker.md")
	require.NoError(t, os.WriteFile(marker, []byte("done"), 0644))

	require.Eventually(t, func() bool { return rec.has(marker) },
		5*time.Second, 20*time.Millisecond)
	assert.False(t, rec.has(snap), "snapshot backups must never be re-ingested")
}

func TestSubdirectoriesAreWatched(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "project")
	require.NoError(t, os.MkdirAll(sub, 0755))

	rec := &recorder{}
	startWatcher(t, root, rec)

	path := filepath.Join(sub, "nested.md")
	require.NoError(t, os.WriteFile(path, []byte("nested content"), 0644))

	require.Eventually(t, func() bool { return rec.has(path) },
		5*time.Second, 20*time.Millisecond, "file in subdirectory not ingested")
}

func TestIngestErrorDoesNotStopWatcher(t *testing.T) {
	root := t.TempDir()

	var mu sync.Mutex
	var good []string
	w, err := New(root, func(ctx context.Context, path string) error {
		mu.Lock()
		defer mu.Unlock()
		if filepath.Base(path) == "bad.md" {
			return assert.AnError
		}
		good = append(good, path)
		return nil
	})
	require.NoError(t, err)
	w.SetStability(50 * time.Millisecond)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	require.NoError(t, os.WriteFile(filepath.Join(root, "bad.md"), []byte("boom"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.md"), []byte("fine"), 0644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(good) == 1
	}, 5*time.Second, 20*time.Millisecond, "watcher must survive per-file errors")

	assert.GreaterOrEqual(t, w.Stats().Errors, 1)
}

func TestStopIsIdempotent(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	w := startWatcher(t, root, rec)

	w.Stop()
	w.Stop() // second call is a no-op
	_ = rec.count()
}
