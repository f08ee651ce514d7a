package crawler

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sibyldev/sibyl/pkg/errs"
)

// WatchOp classifies a file change.
type WatchOp string

const (
	WatchCreate WatchOp = "create"
	WatchWrite  WatchOp = "write"
	WatchRemove WatchOp = "remove"
)

// WatchEvent is one debounced change to a supported file under a
// watched tree.
type WatchEvent struct {
	Path string
	Op   WatchOp
}

// Watcher observes a local source tree and reports changes to files
// the walker can parse. Rapid event bursts for the same path are
// coalesced; new subdirectories are watched as they appear.
type Watcher struct {
	fsw      *fsnotify.Watcher
	root     string
	debounce time.Duration
	out      chan WatchEvent
	log      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewWatcher builds a watcher rooted at root. A zero debounce defaults
// to 200ms.
func NewWatcher(root string, debounce time.Duration) (*Watcher, error) {
	const op = "NewWatcher"

	root = LocalPath(root)
	if _, err := os.Stat(root); err != nil {
		return nil, errs.Wrap(errs.NotFound, component, op, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{
		fsw:      fsw,
		root:     root,
		debounce: debounce,
		out:      make(chan WatchEvent, 100),
		log:      slog.With("component", component),
	}, nil
}

// Start begins watching and returns the event channel. The channel
// closes when ctx is canceled or the watcher is stopped.
func (w *Watcher) Start(ctx context.Context) (<-chan WatchEvent, error) {
	const op = "Start"

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return w.out, nil
	}

	if err := w.addTree(w.root); err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	go w.loop(runCtx)

	w.log.Info("watching local source", "root", w.root)
	return w.out, nil
}

// Stop ends the watch. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	w.cancel()
	return w.fsw.Close()
}

// addTree registers root and every non-hidden subdirectory.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.log.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// loop owns the output channel: it coalesces raw events per path and
// emits them after the debounce window goes quiet.
func (w *Watcher) loop(ctx context.Context) {
	defer close(w.out)

	pending := map[string]fsnotify.Op{}
	flushCh := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if prior, seen := pending[event.Name]; seen {
				pending[event.Name] = prior | event.Op
			} else {
				pending[event.Name] = event.Op
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case flushCh <- struct{}{}:
				default:
				}
			})

		case <-flushCh:
			for path, op := range pending {
				delete(pending, path)
				w.handle(ctx, path, op)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", "root", w.root, "error", err)
		}
	}
}

// handle maps one coalesced fsnotify op onto a watch event, picking up
// new directories along the way.
func (w *Watcher) handle(ctx context.Context, path string, op fsnotify.Op) {
	if op&fsnotify.Create != 0 {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if !strings.HasPrefix(filepath.Base(path), ".") {
				if err := w.fsw.Add(path); err != nil {
					w.log.Warn("failed to watch new directory", "path", path, "error", err)
				}
			}
			return
		}
	}
	if !SupportedFile(path) {
		return
	}

	var watchOp WatchOp
	switch {
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		watchOp = WatchRemove
	case op&fsnotify.Create != 0:
		watchOp = WatchCreate
	default:
		watchOp = WatchWrite
	}

	select {
	case w.out <- WatchEvent{Path: path, Op: watchOp}:
	case <-ctx.Done():
	}
}
