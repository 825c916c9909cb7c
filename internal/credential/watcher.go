package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/grokgate/grokgate/internal/observability"
)

// FileExt is the extension a cookie file must carry to be loaded.
const FileExt = ".txt"

// ErrEmptySecret is returned for cookie files with no content.
var ErrEmptySecret = errors.New("cookie file is empty")

// Watcher keeps a Store in sync with a directory of cookie files.
//
// Each <name>.txt file maps to credential <name>. The watcher is the only
// writer of the store it feeds.
type Watcher struct {
	dir     string
	store   *Store
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates the directory if needed and starts watching it.
// Call Load to import existing files and Run to process changes.
func NewWatcher(dir string, store *Store, logger *logging.Logger) (*Watcher, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("cookie directory is required")
	}
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cookie directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch before the initial scan so nothing written in between is missed.
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	return &Watcher{
		dir:     dir,
		store:   store,
		logger:  logger,
		watcher: fsw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Load imports every cookie file currently in the directory.
// Broken files are logged and skipped.
func (w *Watcher) Load() error {
	files, err := ScanDir(w.dir)
	if err != nil {
		return err
	}

	for _, f := range files {
		if f.Err != nil {
			w.log().Warn("Skipping broken cookie file",
				zap.String("file", filepath.Base(f.Path)),
				zap.Error(f.Err))
			continue
		}
		w.store.Add(f.Name, f.Secret)
	}

	w.log().Info("Loaded cookie files",
		zap.String("dir", w.dir),
		zap.Int("count", w.store.Len()))
	return nil
}

// Run processes filesystem events until ctx is cancelled or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	if w.stopped() {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	defer close(w.doneCh)

	w.log().Info("Cookie watcher started", zap.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			w.log().Info("Cookie watcher stopped (context cancelled)")
			return nil

		case <-w.stopCh:
			w.log().Info("Cookie watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				if w.stopped() {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				if w.stopped() {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			w.log().Error("Cookie watcher error", zap.Error(err))
		}
	}
}

// Close stops Run (if running) and releases the fsnotify watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	running := w.running
	if !w.stopped() {
		close(w.stopCh)
	}
	w.mu.Unlock()

	if running {
		<-w.doneCh
	}

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	name, ok := NameFromPath(event.Name)
	if !ok {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		w.log().Info("Detected new cookie file", zap.String("file", filepath.Base(event.Name)))
		w.reload(name, event.Name, false)

	case event.Has(fsnotify.Write):
		w.log().Info("Detected changed cookie file", zap.String("file", filepath.Base(event.Name)))
		w.reload(name, event.Name, true)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.log().Info("Detected deleted cookie file", zap.String("file", filepath.Base(event.Name)))
		w.store.Remove(name)
	}
}

// reload reads path into the store. On failure a changed file drops the
// credential, a new file is just skipped.
func (w *Watcher) reload(name, path string, changed bool) {
	secret, err := ReadSecret(path)
	if err == nil {
		w.store.Add(name, secret)
		return
	}

	if changed {
		w.log().Warn("Cookie file is broken, removed credential",
			zap.String("cookie", name),
			zap.Error(err))
		w.store.Remove(name)
		return
	}

	w.log().Warn("Cookie file is broken, skipped",
		zap.String("cookie", name),
		zap.Error(err))
}

func (w *Watcher) log() *logging.Logger {
	if w.logger != nil {
		return w.logger
	}
	return observability.Logger()
}

// NameFromPath returns the credential name for a cookie file path.
func NameFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, FileExt) {
		return "", false
	}
	name := strings.TrimSuffix(base, FileExt)
	if name == "" || strings.HasPrefix(name, ".") {
		return "", false
	}
	return name, true
}

// ReadSecret reads and trims a cookie file.
func ReadSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", ErrEmptySecret
	}
	return secret, nil
}

// File describes a cookie file found by ScanDir.
type File struct {
	Name    string
	Path    string
	Secret  string
	Size    int64
	ModTime time.Time
	Err     error
}

// ScanDir lists the cookie files in dir, sorted by name. Unreadable or empty
// files are returned with Err set.
func ScanDir(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read cookie directory: %w", err)
	}

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, ok := NameFromPath(entry.Name())
		if !ok {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		f := File{Name: name, Path: path}
		if info, err := entry.Info(); err == nil {
			f.Size = info.Size()
			f.ModTime = info.ModTime()
		}
		f.Secret, f.Err = ReadSecret(path)
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
