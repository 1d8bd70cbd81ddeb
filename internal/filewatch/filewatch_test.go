package filewatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildat-io/buildat"
)

func TestParentDir(t *testing.T) {
	require.Equal(t, "a/b", parentDir("a/b/c.txt"))
	require.Equal(t, ".", parentDir("c.txt"))
}

func TestWatcherInvokesCallbackOnWrite(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0o644))

	w, err := New(buildat.NopLogger{})
	require.NoError(t, err)
	defer w.Close()

	changed := make(chan string, 8)
	require.NoError(t, w.Add(dir, func(path string) { changed <- path }))

	require.NoError(t, os.WriteFile(file, []byte("v2"), 0o644))

	select {
	case path := <-changed:
		require.Equal(t, file, path)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a write event")
	}
}

func TestWatcherFansOutToMultipleCallbacksInTheSameDirectory(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.yaml")
	fileB := filepath.Join(dir, "b.yaml")
	require.NoError(t, os.WriteFile(fileA, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(fileB, []byte("b"), 0o644))

	w, err := New(buildat.NopLogger{})
	require.NoError(t, err)
	defer w.Close()

	seenA := make(chan string, 8)
	seenB := make(chan string, 8)
	require.NoError(t, w.Add(dir, func(path string) { seenA <- path }))
	require.NoError(t, w.Add(dir, func(path string) { seenB <- path }))

	require.NoError(t, os.WriteFile(fileA, []byte("a2"), 0o644))

	for _, ch := range []chan string{seenA, seenB} {
		select {
		case path := <-ch:
			require.Equal(t, fileA, path)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for both callbacks to fire for the same directory")
		}
	}
}

func TestWatcherCloseStopsTheLoop(t *testing.T) {
	w, err := New(buildat.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
}
