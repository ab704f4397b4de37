package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fileStamp identifies one observed version of the config file.
type fileStamp struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// Watcher reloads a config file when its content changes. Changes are found
// by polling the modification time from [Watcher.Run] or on demand through
// [Watcher.Reload]; a moved mtime only triggers a reload when the content
// hash differs too.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onReject func(error)
	log      *slog.Logger

	// checkMu serialises polls and forced reloads.
	checkMu sync.Mutex
	stamp   fileStamp

	mu      sync.RWMutex
	current *Config
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger overrides the default slog logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// OnReject registers fn to receive the error of every reload that was
// refused because the file could not be read or did not validate.
func OnReject(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onReject = fn }
}

// NewWatcher loads path and returns a watcher holding it as the current
// config. onChange may be nil. It is called with the previous and the new
// config, only ever with configs that passed [Validate], and never
// concurrently with itself.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.stamp = stamp
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run polls the file until ctx is cancelled. It always returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.check(false); err != nil {
				w.reject(err)
			}
		}
	}
}

// Reload re-reads the file regardless of its modification time. It reports
// whether a new config was accepted; an unchanged file is not an error.
func (w *Watcher) Reload() (bool, error) {
	changed, err := w.check(true)
	if err != nil {
		w.reject(err)
	}
	return changed, err
}

func (w *Watcher) reject(err error) {
	w.log.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
	if w.onReject != nil {
		w.onReject(err)
	}
}

func (w *Watcher) check(force bool) (bool, error) {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	var mtime time.Time
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return false, fmt.Errorf("config: stat %q: %w", w.path, err)
		}
		mtime = info.ModTime()
		if mtime.Equal(w.stamp.mtime) {
			return false, nil
		}
	}

	cfg, stamp, err := w.read()
	if err != nil {
		if !force {
			// Reject each file version once, not on every poll.
			w.stamp.mtime = mtime
		}
		return false, err
	}
	sameContent := stamp.hash == w.stamp.hash
	w.stamp = stamp
	if sameContent {
		return false, nil
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	w.log.Info("config: configuration reloaded", "path", w.path)
	// checkMu is still held so callbacks never overlap; w.mu is released so
	// the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
