package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type eventLog struct {
	mu     sync.Mutex
	events []FileEvent
}

func (l *eventLog) record(e FileEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ops(path string) []FileOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []FileOp
	for _, e := range l.events {
		if e.Path == path {
			out = append(out, e.Op)
		}
	}
	return out
}

func TestNewFileWatcher_Defaults(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWatcher([]string{dir})
	require.NoError(t, err)

	assert.Equal(t, []string{dir}, w.Paths())
	assert.False(t, w.IsRunning())
	assert.Equal(t, time.Second, w.pollInterval)
}

func TestNewFileWatcher_NonExistentPath(t *testing.T) {
	w, err := NewFileWatcher([]string{"/nonexistent/path/workflows"}, WithWatcherLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.Len(t, w.Paths(), 1)
}

func TestFileWatcher_DirectoryChanges(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("name: a"), 0o644))

	w, err := NewFileWatcher([]string{dir},
		WithPollInterval(10*time.Millisecond),
		WithExtensions(".yaml", ".json"),
	)
	require.NoError(t, err)
	log := &eventLog{}
	w.OnChange(log.record)

	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()))

	added := filepath.Join(dir, "added.json")
	require.NoError(t, os.WriteFile(added, []byte(`{"name":"b"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.Eventually(t, func() bool { return len(log.ops(added)) == 1 }, 2*time.Second, 5*time.Millisecond)

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(existing, later, later))
	require.Eventually(t, func() bool { return len(log.ops(existing)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []FileOp{FileOpWrite}, log.ops(existing))

	require.NoError(t, os.Remove(added))
	require.Eventually(t, func() bool { return len(log.ops(added)) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []FileOp{FileOpCreate, FileOpRemove}, log.ops(added))

	assert.Empty(t, log.ops(filepath.Join(dir, "notes.txt")))
}

func TestFileWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewFileWatcher([]string{t.TempDir()}, WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	assert.NoError(t, w.Stop())
	require.NoError(t, w.Start(context.Background()))
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(42).String())
}
