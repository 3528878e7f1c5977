package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// FileSecret is a SecretSource backed by a file that is reloaded on change.
// Surrounding whitespace in the file is ignored.
type FileSecret struct {
	path    string
	log     *slog.Logger
	current atomic.Pointer[string]

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// FileSecretOption configures a FileSecret.
type FileSecretOption func(*FileSecret)

// WithWatchLogger sets the logger used for reload events.
func WithWatchLogger(l *slog.Logger) FileSecretOption {
	return func(f *FileSecret) { f.log = l }
}

// NewFileSecret reads path and starts watching it. The watch stops when ctx
// ends or Close is called. An empty or unreadable file is an error up front;
// later failed reloads keep the last good value.
func NewFileSecret(ctx context.Context, path string, opts ...FileSecretOption) (*FileSecret, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve secret file: %w", err)
	}
	f := &FileSecret{path: abs, log: slog.New(slog.DiscardHandler), done: make(chan struct{})}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors and secret mounts replace the file by
	// rename, which drops a watch on the file itself.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	f.watcher = w

	ctx, f.cancel = context.WithCancel(ctx)
	go f.watch(ctx)
	return f, nil
}

func (f *FileSecret) Secret() string {
	if p := f.current.Load(); p != nil {
		return *p
	}
	return ""
}

// Close stops watching. The last loaded secret stays available.
func (f *FileSecret) Close() error {
	var err error
	f.once.Do(func() {
		f.cancel()
		<-f.done
		err = f.watcher.Close()
	})
	return err
}

func (f *FileSecret) reload() error {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read secret file: %w", err)
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return errors.New("secret file is empty")
	}
	f.current.Store(&s)
	return nil
}

func (f *FileSecret) watch(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			// Mounted secrets swap a ..data symlink; any change in the
			// directory may have changed what path resolves to.
			if err := f.reload(); err != nil {
				f.log.WarnContext(ctx, "auth.secret.reload.fail", slog.String("path", f.path), slog.String("err", err.Error()))
				continue
			}
			f.log.InfoContext(ctx, "auth.secret.reload.ok", slog.String("path", f.path))
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.WarnContext(ctx, "auth.secret.watch.fail", slog.String("err", err.Error()))
		}
	}
}
