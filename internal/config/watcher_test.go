package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/marionette/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
navigation:
  reach_radius: 0.3
avatars:
  - id: greeter
    archetype: assistant
    clips:
      - {name: Idle, duration: 2}
      - {name: Walking, duration: 1}
`

const watcherUpdatedYAML = `
server:
  log_level: debug
navigation:
  reach_radius: 0.5
avatars:
  - id: greeter
    archetype: assistant
    clips:
      - {name: Idle, duration: 2}
      - {name: Walking, duration: 1}
  - id: wanderer
    clips:
      - {name: Idle, duration: 2}
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// watchFixture records every callback of a watcher.
type watchFixture struct {
	w    *config.Watcher
	path string

	mu       sync.Mutex
	diffs    []config.ConfigDiff
	rejected []error
}

func newWatchFixture(t *testing.T, content string, opts ...config.WatcherOption) *watchFixture {
	t.Helper()
	f := &watchFixture{path: filepath.Join(t.TempDir(), "config.yaml")}
	writeFile(t, f.path, content)
	opts = append(opts, config.OnReject(func(err error) {
		f.mu.Lock()
		f.rejected = append(f.rejected, err)
		f.mu.Unlock()
	}))
	w, err := config.NewWatcher(f.path, func(old, new *config.Config) {
		f.mu.Lock()
		f.diffs = append(f.diffs, config.Diff(old, new))
		f.mu.Unlock()
	}, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	f.w = w
	return f
}

func (f *watchFixture) counts() (changes, rejects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.diffs), len(f.rejected)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	f := newWatchFixture(t, watcherValidYAML)

	cfg := f.w.Current()
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if len(cfg.Avatars) != 1 || cfg.Avatars[0].ID != "greeter" {
		t.Errorf("avatars: got %+v", cfg.Avatars)
	}

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("NewWatcher(missing file) error = nil")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		content     string
		wantChanged bool
		wantErr     bool
		wantLevel   config.LogLevel
	}{
		{name: "unchanged content", content: watcherValidYAML, wantLevel: config.LogInfo},
		{name: "new content", content: watcherUpdatedYAML, wantChanged: true, wantLevel: config.LogDebug},
		{name: "invalid content", content: watcherInvalidYAML, wantErr: true, wantLevel: config.LogInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newWatchFixture(t, watcherValidYAML)
			writeFile(t, f.path, tt.content)

			changed, err := f.w.Reload()
			if changed != tt.wantChanged || (err != nil) != tt.wantErr {
				t.Fatalf("Reload() = %v, %v; want changed=%v err=%v", changed, err, tt.wantChanged, tt.wantErr)
			}
			if got := f.w.Current().Server.LogLevel; got != tt.wantLevel {
				t.Errorf("Current() log_level = %q, want %q", got, tt.wantLevel)
			}
			changes, rejects := f.counts()
			if want := btoi(tt.wantChanged); changes != want {
				t.Errorf("onChange calls = %d, want %d", changes, want)
			}
			if want := btoi(tt.wantErr); rejects != want {
				t.Errorf("OnReject calls = %d, want %d", rejects, want)
			}
		})
	}
}

func TestWatcher_ReloadReportsDiff(t *testing.T) {
	t.Parallel()
	f := newWatchFixture(t, watcherValidYAML)
	writeFile(t, f.path, watcherUpdatedYAML)
	if _, err := f.w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.diffs[0]
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff: %+v", d)
	}
	if !d.NavigationChanged {
		t.Error("NavigationChanged should be true")
	}
	if len(d.AvatarChanges) != 1 || d.AvatarChanges[0] != (config.AvatarDiff{ID: "wanderer", Added: true}) {
		t.Errorf("AvatarChanges = %+v, want wanderer added", d.AvatarChanges)
	}
}

func TestWatcher_RunPicksUpChange(t *testing.T) {
	t.Parallel()
	f := newWatchFixture(t, watcherValidYAML, config.WithInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	})

	// Pushing the mtime forward guards against coarse filesystem timestamps.
	writeFile(t, f.path, watcherUpdatedYAML)
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(f.path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.w.Current().Navigation.ReachRadius != 0.5 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not pick up the new config")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcher_RunRejectsEachVersionOnce(t *testing.T) {
	t.Parallel()
	f := newWatchFixture(t, watcherValidYAML, config.WithInterval(10*time.Millisecond))

	writeFile(t, f.path, watcherInvalidYAML)
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(f.path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = f.w.Run(ctx)

	changes, rejects := f.counts()
	if changes != 0 || rejects != 1 {
		t.Errorf("changes, rejects = %d, %d; want 0, 1", changes, rejects)
	}
	if got := f.w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log_level = %q, want the previous %q", got, config.LogInfo)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	f := newWatchFixture(t, watcherValidYAML, config.WithInterval(10*time.Millisecond))

	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(f.path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = f.w.Run(ctx)

	if changes, rejects := f.counts(); changes != 0 || rejects != 0 {
		t.Errorf("changes, rejects = %d, %d; want none for a touch", changes, rejects)
	}
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
