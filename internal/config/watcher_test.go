package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, basicConfig, basicPrompts())

	store := NewStore(path)
	require.NoError(t, store.EnsureLatest())
	require.Len(t, store.Snapshot().Agents, 2)

	watcher, err := NewWatcher(store, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	// File mtime granularity can swallow sub-second edits; make sure the
	// rewrite lands on a later timestamp.
	time.Sleep(1100 * time.Millisecond)

	updated := `
agents:
  pm:
    endpoint: http://localhost:1234
    system_prompt: prompts/pm.system.md
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	assert.Eventually(t, func() bool {
		return len(store.Snapshot().Agents) == 1
	}, 3*time.Second, 50*time.Millisecond, "watcher should trigger a reload")
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, basicConfig, basicPrompts())

	store := NewStore(path)
	require.NoError(t, store.EnsureLatest())
	snap := store.Snapshot()

	watcher, err := NewWatcher(store, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(dir+"/unrelated.txt", []byte("x"), 0644))
	time.Sleep(300 * time.Millisecond)

	assert.Same(t, snap, store.Snapshot())
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), basicConfig, basicPrompts())
	store := NewStore(path)

	watcher, err := NewWatcher(store, 0)
	require.NoError(t, err)
	require.NoError(t, watcher.Start())

	require.NoError(t, watcher.Stop())
	// Second stop must not panic on the closed channel.
	assert.NoError(t, watcher.Stop())
}
