package watch

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kiln/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 5 * time.Second

func startWatcher(t *testing.T, opts Options) (string, *Watcher, <-chan events.SessionEvent) {
	t.Helper()
	dir := t.TempDir()
	ch := make(chan events.SessionEvent, 32)
	w, err := New(dir, opts, func(_ context.Context, ev events.SessionEvent) { ch <- ev })
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return dir, w, ch
}

func next(t *testing.T, ch <-chan events.SessionEvent) events.SessionEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a file event")
		return nil
	}
}

func TestCreateModifyDelete(t *testing.T) {
	dir, w, ch := startWatcher(t, Options{Debounce: 20 * time.Millisecond, Include: []string{"*.md"}})
	path := filepath.Join(dir, "note.md")

	require.NoError(t, os.WriteFile(path, []byte("# hi"), 0644))
	assert.Equal(t, events.FileChanged{Path: "note.md", Kind: events.FileCreated}, next(t, ch))

	require.NoError(t, os.WriteFile(path, []byte("# hi again"), 0644))
	assert.Equal(t, events.FileChanged{Path: "note.md", Kind: events.FileModified}, next(t, ch))

	require.NoError(t, os.Remove(path))
	assert.Equal(t, events.FileDeleted{Path: "note.md"}, next(t, ch))

	stats := w.Stats()
	assert.Equal(t, 1, stats.FilesCreated)
	assert.Equal(t, 1, stats.FilesDeleted)
	assert.Equal(t, 3, stats.Emitted)
}

func TestIncludeAndExcludeFilters(t *testing.T) {
	dir, _, ch := startWatcher(t, Options{
		Debounce: 20 * time.Millisecond,
		Include:  []string{"*.md"},
		Exclude:  []string{".*"},
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.md"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.md"), []byte("x"), 0644))

	assert.Equal(t, events.FileChanged{Path: "keep.md", Kind: events.FileCreated}, next(t, ch))
}

func TestRecursiveWatchesNewDirectories(t *testing.T) {
	dir, w, ch := startWatcher(t, Options{Debounce: 20 * time.Millisecond, Recursive: true})

	sub := filepath.Join(dir, "journal")
	require.NoError(t, os.Mkdir(sub, 0755))
	require.Eventually(t, func() bool {
		return slices.Contains(w.Dirs(), sub)
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "day.md"), []byte("x"), 0644))
	assert.Equal(t, events.FileChanged{Path: "journal/day.md", Kind: events.FileCreated}, next(t, ch))
}

func TestExcludedDirectoriesAreNotWatched(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".kiln", "cache"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0755))

	w, err := New(dir, Options{Recursive: true, Exclude: []string{".*"}}, func(context.Context, events.SessionEvent) {})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	dirs := w.Dirs()
	assert.Contains(t, dirs, filepath.Join(dir, "notes"))
	assert.NotContains(t, dirs, filepath.Join(dir, ".kiln"))
	assert.NotContains(t, dirs, filepath.Join(dir, ".kiln", "cache"))
}

func TestStopFlushesPendingChanges(t *testing.T) {
	dir := t.TempDir()
	ch := make(chan events.SessionEvent, 4)
	w, err := New(dir, Options{Debounce: time.Hour}, func(_ context.Context, ev events.SessionEvent) { ch <- ev })
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.md"), []byte("x"), 0644))
	require.Eventually(t, func() bool { return w.Stats().FilesCreated == 1 }, waitFor, 10*time.Millisecond)

	w.Stop()
	w.Stop()
	require.Len(t, ch, 1)
	assert.Equal(t, events.FileChanged{Path: "late.md", Kind: events.FileCreated}, <-ch)
}

func TestCancelledContextFlushesPendingChanges(t *testing.T) {
	dir := t.TempDir()
	ch := make(chan events.SessionEvent, 4)
	sinkErrs := make(chan error, 4)
	w, err := New(dir, Options{Debounce: time.Hour}, func(ctx context.Context, ev events.SessionEvent) {
		sinkErrs <- ctx.Err()
		ch <- ev
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.md"), []byte("x"), 0644))
	require.Eventually(t, func() bool { return w.Stats().FilesCreated == 1 }, waitFor, 10*time.Millisecond)

	cancel()
	w.Stop()

	require.Len(t, ch, 1)
	assert.Equal(t, events.FileChanged{Path: "late.md", Kind: events.FileCreated}, <-ch)
	assert.NoError(t, <-sinkErrs, "flushed changes must not carry the cancelled context")
	assert.Equal(t, 1, w.Stats().Emitted)
}

func TestNewErrors(t *testing.T) {
	_, err := New(t.TempDir(), Options{}, nil)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file.md")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err = New(file, Options{}, func(context.Context, events.SessionEvent) {})
	assert.ErrorContains(t, err, "not a directory")

	_, err = New(filepath.Join(t.TempDir(), "missing"), Options{}, func(context.Context, events.SessionEvent) {})
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	tests := []struct {
		prev, next, want string
	}{
		{"", kindCreated, kindCreated},
		{kindCreated, kindModified, kindCreated},
		{kindModified, kindModified, kindModified},
		{kindModified, kindDeleted, kindDeleted},
		{kindDeleted, kindCreated, kindModified},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, merge(tt.prev, tt.next), "%s then %s", tt.prev, tt.next)
	}
}
