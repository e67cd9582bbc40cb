package credential

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 300 * time.Millisecond

// Reloader is a Signer backed by a key file that is re-read whenever the
// file changes on disk. A reload that fails keeps the previous key.
type Reloader struct {
	path     string
	keyID    string
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current Signer

	callbacksMu sync.RWMutex
	callbacks   []func(Signer)

	watcher  *fsnotify.Watcher
	pending  time.Time
	done     chan struct{}
	stopOnce sync.Once
	loopDone sync.WaitGroup
}

// ReloaderOption configures a Reloader.
type ReloaderOption func(*Reloader)

// WithReloadLogger sets the logger.
func WithReloadLogger(logger *slog.Logger) ReloaderOption {
	return func(r *Reloader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReloadDebounce sets how long the file must be quiet before it is re-read.
func WithReloadDebounce(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		if d > 0 {
			r.debounce = d
		}
	}
}

// WithKeyID overrides the key id derived from the key material.
func WithKeyID(keyID string) ReloaderOption {
	return func(r *Reloader) {
		r.keyID = keyID
	}
}

// NewReloader loads the key at path. Call Start to begin watching.
func NewReloader(path string, opts ...ReloaderOption) (*Reloader, error) {
	r := &Reloader{
		path:     path,
		logger:   slog.Default(),
		debounce: defaultReloadDebounce,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	s, err := Load(path, r.keyID)
	if err != nil {
		return nil, err
	}
	r.current = s
	return r, nil
}

// AddCallback registers fn to run after every successful reload.
func (r *Reloader) AddCallback(fn func(Signer)) {
	r.callbacksMu.Lock()
	defer r.callbacksMu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start watches the key file's directory. Watching the directory rather than
// the file keeps working when the file is replaced by a rename.
func (r *Reloader) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	r.logger.Info("Watching key file", "path", r.path)
	r.loopDone.Add(1)
	go r.watchLoop()
	return nil
}

// Stop ends watching. The last loaded key stays usable.
func (r *Reloader) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			err = r.watcher.Close()
		}
		r.loopDone.Wait()
	})
	return err
}

func (r *Reloader) watchLoop() {
	defer r.loopDone.Done()
	ticker := time.NewTicker(r.debounce / 2)
	defer ticker.Stop()

	target := filepath.Clean(r.path)
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				r.pending = time.Now()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("Key watcher error", "error", err)
		case <-ticker.C:
			if !r.pending.IsZero() && time.Since(r.pending) >= r.debounce {
				r.pending = time.Time{}
				if err := r.Reload(); err != nil {
					r.logger.Error("Key reload failed, keeping previous key", "path", r.path, "error", err)
				}
			}
		}
	}
}

// Reload re-reads the key file now.
func (r *Reloader) Reload() error {
	s, err := Load(r.path, r.keyID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
	r.logger.Info("Key reloaded", "path", r.path, "key_id", s.KeyID())

	r.callbacksMu.RLock()
	defer r.callbacksMu.RUnlock()
	for _, fn := range r.callbacks {
		fn(s)
	}
	return nil
}

// Current returns the active signer.
func (r *Reloader) Current() Signer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *Reloader) Sign(data []byte) ([]byte, error) {
	return r.Current().Sign(data)
}

func (r *Reloader) KeyID() string {
	return r.Current().KeyID()
}
