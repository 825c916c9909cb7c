package credential

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.NewCLI("grokgate-test")
	require.NoError(t, err)
	return logger
}

func writeCookie(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func startWatcher(t *testing.T, dir string, store *Store) *Watcher {
	t.Helper()
	w, err := NewWatcher(dir, store, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, w.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
	return w
}

func TestNewWatcherCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data", "cookies")

	w, err := NewWatcher(dir, NewStore(), testLogger(t))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, dir, w.Dir())
}

func TestNewWatcherValidation(t *testing.T) {
	_, err := NewWatcher("", NewStore(), nil)
	require.Error(t, err)

	_, err = NewWatcher(t.TempDir(), nil, nil)
	require.Error(t, err)
}

func TestWatcherLoadsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	writeCookie(t, dir, "alice.txt", "  sso=abc \n")
	writeCookie(t, dir, "empty.txt", "   \n")
	writeCookie(t, dir, "notes.md", "ignored")

	store := NewStore()
	w, err := NewWatcher(dir, store, testLogger(t))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.Load())

	assert.Equal(t, []string{"alice"}, store.Names())
	secret, _ := store.Get("alice")
	assert.Equal(t, "sso=abc", secret)
}

func TestWatcherTracksDirectoryChanges(t *testing.T) {
	dir := t.TempDir()
	store := NewStore()
	startWatcher(t, dir, store)

	path := writeCookie(t, dir, "bob.txt", "first")
	require.Eventually(t, func() bool {
		s, ok := store.Get("bob")
		return ok && s == "first"
	}, 2*time.Second, 10*time.Millisecond)

	writeCookie(t, dir, "bob.txt", "second")
	require.Eventually(t, func() bool {
		s, ok := store.Get("bob")
		return ok && s == "second"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return !store.Has("bob")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherRemovesCredentialWhenFileBecomesEmpty(t *testing.T) {
	dir := t.TempDir()
	writeCookie(t, dir, "carol.txt", "valid")

	store := NewStore()
	startWatcher(t, dir, store)
	require.True(t, store.Has("carol"))

	writeCookie(t, dir, "carol.txt", "")
	require.Eventually(t, func() bool {
		return !store.Has("carol")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherRenameRemovesCredential(t *testing.T) {
	dir := t.TempDir()
	path := writeCookie(t, dir, "dave.txt", "valid")

	store := NewStore()
	startWatcher(t, dir, store)
	require.True(t, store.Has("dave"))

	require.NoError(t, os.Rename(path, filepath.Join(dir, "dave.bak")))
	require.Eventually(t, func() bool {
		return !store.Has("dave")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherRunTwiceFails(t *testing.T) {
	w := startWatcher(t, t.TempDir(), NewStore())

	// give the first Run a moment to mark itself running
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.running
	}, time.Second, 5*time.Millisecond)

	err := w.Run(context.Background())
	require.Error(t, err)
}

func TestNameFromPath(t *testing.T) {
	tests := []struct {
		path string
		name string
		ok   bool
	}{
		{"/data/cookies/alice.txt", "alice", true},
		{"bob.txt", "bob", true},
		{"/data/cookies/.hidden.txt", "", false},
		{"/data/cookies/.txt", "", false},
		{"/data/cookies/alice.txt.swp", "", false},
		{"/data/cookies/alice", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			name, ok := NameFromPath(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestScanDirReportsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeCookie(t, dir, "b.txt", "secret-b")
	writeCookie(t, dir, "a.txt", "")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.txt"), 0o755))

	files, err := ScanDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "a", files[0].Name)
	assert.ErrorIs(t, files[0].Err, ErrEmptySecret)
	assert.Equal(t, "b", files[1].Name)
	assert.NoError(t, files[1].Err)
	assert.Equal(t, "secret-b", files[1].Secret)
}

func TestWatcherRunAfterCloseReturnsCleanly(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), NewStore(), testLogger(t))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestWatcherCloseDuringStartup(t *testing.T) {
	for i := 0; i < 20; i++ {
		w, err := NewWatcher(t.TempDir(), NewStore(), testLogger(t))
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- w.Run(context.Background()) }()
		require.NoError(t, w.Close())

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after Close")
		}
	}
}
