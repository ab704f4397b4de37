package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Decoding starts from [Default], so a section that sets only some
// of its keys keeps the defaults of the others. An empty document is valid.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative, got %s", cfg.Server.ShutdownTimeout))
	}

	// Scene
	if cfg.Scene.TickHz < 1 || cfg.Scene.TickHz > 1000 {
		errs = append(errs, fmt.Errorf("scene.tick_hz %d is out of range [1, 1000]", cfg.Scene.TickHz))
	}
	if b := cfg.Scene.Bounds; b.MinX >= b.MaxX || b.MinZ >= b.MaxZ {
		errs = append(errs, fmt.Errorf("scene.bounds is empty: x [%g, %g], z [%g, %g]", b.MinX, b.MaxX, b.MinZ, b.MaxZ))
	}
	for i, o := range cfg.Scene.Obstacles {
		if o.MinX >= o.MaxX || o.MinZ >= o.MaxZ {
			errs = append(errs, fmt.Errorf("scene.obstacles[%d] is empty", i))
		}
	}
	if cfg.Scene.StaleAfter < 0 {
		errs = append(errs, fmt.Errorf("scene.stale_after must not be negative, got %s", cfg.Scene.StaleAfter))
	}

	// Tuning
	if err := cfg.Navigation.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Animation.Crossfade < 0 {
		errs = append(errs, fmt.Errorf("animation.crossfade must not be negative, got %g", cfg.Animation.Crossfade))
	}
	if cfg.Animation.IdleVarietyAfter < 0 {
		errs = append(errs, fmt.Errorf("animation.idle_variety_after must not be negative, got %g", cfg.Animation.IdleVarietyAfter))
	}
	if err := cfg.LipSync.Validate(); err != nil {
		errs = append(errs, err)
	}

	// Store
	if !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, postgres, sqlite", cfg.Store.Driver))
	}
	if cfg.Store.Driver == StorePostgres && cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required when driver is postgres"))
	}
	if cfg.Store.Driver == StoreSQLite && cfg.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required when driver is sqlite"))
	}
	if cfg.Store.ImportConcurrency < 1 {
		errs = append(errs, fmt.Errorf("store.import_concurrency must be at least 1, got %d", cfg.Store.ImportConcurrency))
	}

	// Feed
	if !strings.HasPrefix(cfg.Feed.Path, "/") {
		errs = append(errs, fmt.Errorf("feed.path %q must start with /", cfg.Feed.Path))
	}
	if cfg.Feed.Buffer < 1 {
		errs = append(errs, fmt.Errorf("feed.buffer must be at least 1, got %d", cfg.Feed.Buffer))
	}
	if cfg.Feed.Every < 0 {
		errs = append(errs, fmt.Errorf("feed.every must not be negative, got %d", cfg.Feed.Every))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g is out of range [0, 1]", *r))
	}

	// Avatars
	seen := make(map[string]int, len(cfg.Avatars))
	for i := range cfg.Avatars {
		av := &cfg.Avatars[i]
		prefix := fmt.Sprintf("avatars[%d]", i)
		if err := av.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if av.ID != "" {
			if prev, ok := seen[av.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of avatars[%d]", prefix, av.ID, prev))
			}
			seen[av.ID] = i
		}
		if av.SceneID != "" && av.SceneID != cfg.Scene.ID {
			slog.Warn("avatar belongs to another scene and will not be spawned",
				"avatar", av.ID,
				"scene_id", av.SceneID,
				"scene", cfg.Scene.ID,
			)
		}
		if len(av.Clips) == 0 {
			slog.Warn("avatar declares no clips and will not animate", "avatar", av.ID)
		}
	}

	return errors.Join(errs...)
}
