package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kingrea/cadforge/internal/config"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
	fail  map[string]bool
	seen  chan string
}

func newRecorder() *recorder {
	return &recorder{fail: map[string]bool{}, seen: make(chan string, 16)}
}

func (r *recorder) Process(_ context.Context, path string) error {
	r.mu.Lock()
	r.paths = append(r.paths, filepath.Base(path))
	fail := r.fail[filepath.Base(path)]
	r.mu.Unlock()
	r.seen <- filepath.Base(path)
	if fail {
		return errors.New("inference failed")
	}
	return nil
}

func (r *recorder) processed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.paths...)
}

func (r *recorder) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-r.seen:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func startWatcher(t *testing.T, dir string, proc Processor) (cancel func()) {
	t.Helper()
	w, err := New(dir, config.WatchConfig{Extensions: []string{"png", ".JPG"}, Debounce: 50 * time.Millisecond}, proc)
	require.NoError(t, err)
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	// Give fsnotify a moment to register the directory.
	time.Sleep(50 * time.Millisecond)
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("watcher did not stop")
		}
	}
}

func TestWatcherProcessesNewImages(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()
	rec := newRecorder()
	stop := startWatcher(t, dir, rec)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".flange.png"), []byte("hidden"), 0o644))
	path := filepath.Join(dir, "flange.png")
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte{0x89, 'P', 'N', 'G', byte(i)}, 0o644))
	}
	rec.wait(t, "flange.png")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bracket.jpg"), []byte("jpeg"), 0o644))
	rec.wait(t, "bracket.jpg")

	stop()
	assert.Equal(t, []string{"flange.png", "bracket.jpg"}, rec.processed())
}

func TestWatcherKeepsGoingAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()
	rec := newRecorder()
	rec.fail["broken.png"] = true
	stop := startWatcher(t, dir, rec)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("png"), 0o644))
	rec.wait(t, "broken.png")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flange.png"), []byte("png"), 0o644))
	rec.wait(t, "flange.png")
	stop()
}

func TestWatcherStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	stop := startWatcher(t, t.TempDir(), ProcessorFunc(func(context.Context, string) error { return nil }))
	stop()
}

func TestNewRejectsFiles(t *testing.T) {
	file := filepath.Join(t.TempDir(), "flange.png")
	require.NoError(t, os.WriteFile(file, []byte("png"), 0o644))
	_, err := New(file, config.WatchConfig{}, ProcessorFunc(func(context.Context, string) error { return nil }))
	require.ErrorContains(t, err, "not a directory")

	_, err = New(t.TempDir(), config.WatchConfig{}, nil)
	require.Error(t, err)
}

func TestMatches(t *testing.T) {
	w, err := New(t.TempDir(), config.WatchConfig{Extensions: []string{"png", ".jpeg"}}, ProcessorFunc(func(context.Context, string) error { return nil }))
	require.NoError(t, err)
	assert.True(t, w.matches("/x/flange.PNG"))
	assert.True(t, w.matches("bracket.jpeg"))
	assert.False(t, w.matches("flange.py"))
	assert.False(t, w.matches(".hidden.png"))
	assert.Equal(t, 750*time.Millisecond, w.debounce)
}
