// Package watch re-syncs the artifact index when files appear in or vanish
// from the models directory.
package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"oxidelab/internal/common/fsutil"
)

// SyncFunc reconciles the index with the directory.
type SyncFunc func(ctx context.Context) error

// DefaultDebounce is the quiet period after the last event before syncing.
const DefaultDebounce = 500 * time.Millisecond

// Watcher batches directory events and runs one sync per quiet period.
type Watcher struct {
	dir      string
	sync     SyncFunc
	debounce time.Duration
	log      zerolog.Logger

	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	runs int
	last error
}

// New creates a watcher for dir. It does not start watching.
func New(dir string, fn SyncFunc, debounce time.Duration, log zerolog.Logger) (*Watcher, error) {
	if fn == nil {
		return nil, errors.New("watch: sync func is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		sync:     fn,
		debounce: debounce,
		log:      log.With().Str("component", "watch").Logger(),
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Events stop being processed when ctx is done or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.dir); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.loop(ctx)
	w.log.Info().Str("event", "watch_start").Str("dir", w.dir).Dur("debounce", w.debounce).Msg("watching models directory")
	return nil
}

// Stop closes the underlying watcher and waits for a pending sync to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
	w.wg.Wait()
}

// Runs reports how many syncs ran and the last sync error.
func (w *Watcher) Runs() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs, w.last
}

// relevant filters out partial downloads and hidden files; their churn
// never changes what is indexed.
func relevant(ev fsnotify.Event) bool {
	if fsutil.IsScratch(ev.Name) {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.done:
			timer.Stop()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			w.log.Debug().Str("event", "watch_change").Str("file", ev.Name).Str("op", ev.Op.String()).Msg("models directory changed")
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Str("event", "watch_error").Msg("watcher error")
		case <-timer.C:
			w.run(ctx)
		}
	}
}

func (w *Watcher) run(ctx context.Context) {
	err := w.sync(ctx)
	w.mu.Lock()
	w.runs++
	w.last = err
	w.mu.Unlock()
	if err != nil {
		w.log.Error().Err(err).Str("event", "watch_sync_failed").Msg("cache sync after directory change failed")
		return
	}
	w.log.Debug().Str("event", "watch_sync").Msg("cache synced after directory change")
}
