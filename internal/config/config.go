// Package config defines the YAML configuration schema of the marionette
// runtime and the helpers that load, validate, and watch it.
package config

import (
	"time"

	"github.com/MrWong99/marionette/internal/animation"
	"github.com/MrWong99/marionette/internal/avatarstore"
	"github.com/MrWong99/marionette/internal/lipsync"
	"github.com/MrWong99/marionette/internal/navigation"
	"github.com/MrWong99/marionette/pkg/walkable"
)

// LogLevel is the minimum slog level emitted by the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a known level. The empty string is valid and
// means info.
func (l LogLevel) IsValid() bool {
	switch l {
	case "", LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreDriver selects the avatar definition backend.
type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StorePostgres StoreDriver = "postgres"
	StoreSQLite   StoreDriver = "sqlite"
)

// IsValid reports whether d is a supported driver.
func (d StoreDriver) IsValid() bool {
	switch d {
	case StoreMemory, StorePostgres, StoreSQLite:
		return true
	}
	return false
}

// Config is the root of the configuration file.
type Config struct {
	Server     ServerConfig             `yaml:"server"`
	Scene      SceneConfig              `yaml:"scene"`
	Navigation navigation.Config        `yaml:"navigation"`
	Animation  animation.Config         `yaml:"animation"`
	LipSync    lipsync.Config           `yaml:"lipsync"`
	Store      StoreConfig              `yaml:"store"`
	Feed       FeedConfig               `yaml:"feed"`
	Telemetry  TelemetryConfig          `yaml:"telemetry"`
	Avatars    []avatarstore.Definition `yaml:"avatars"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// ListenAddr is the address of the health, metrics, and feed endpoints.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig points at a PEM certificate and key.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SceneConfig describes the walkable area and the simulation rate.
type SceneConfig struct {
	// ID scopes avatar definitions loaded from the store.
	ID string `yaml:"id"`

	// TickHz is the simulation rate.
	TickHz int `yaml:"tick_hz"`

	Bounds    Box   `yaml:"bounds"`
	Obstacles []Box `yaml:"obstacles"`

	// Seed seeds random points in the walkable area. Zero picks a random seed.
	Seed uint64 `yaml:"seed"`

	// StaleAfter is how long the scene may go without a tick before the
	// readiness check fails.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Box is an axis-aligned rectangle on the ground plane.
type Box struct {
	MinX float64 `yaml:"min_x"`
	MinZ float64 `yaml:"min_z"`
	MaxX float64 `yaml:"max_x"`
	MaxZ float64 `yaml:"max_z"`
}

// Walkable converts b to an obstacle footprint.
func (b Box) Walkable() walkable.Box {
	return walkable.Box{MinX: b.MinX, MinZ: b.MinZ, MaxX: b.MaxX, MaxZ: b.MaxZ}
}

// Area builds the rectangular walkable area of the scene.
func (s SceneConfig) Area() *walkable.Rect {
	boxes := make([]walkable.Box, len(s.Obstacles))
	for i, o := range s.Obstacles {
		boxes[i] = o.Walkable()
	}
	opts := []walkable.RectOption{walkable.WithObstacles(boxes...)}
	if s.Seed != 0 {
		opts = append(opts, walkable.WithSeed(s.Seed))
	}
	return walkable.NewRect(s.Bounds.MinX, s.Bounds.MinZ, s.Bounds.MaxX, s.Bounds.MaxZ, opts...)
}

// StoreConfig selects and configures the avatar store.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// ImportConcurrency bounds parallel upserts of configured avatars.
	ImportConcurrency int `yaml:"import_concurrency"`
}

// FeedConfig configures the WebSocket render feed.
type FeedConfig struct {
	// Path is the HTTP route of the feed.
	Path string `yaml:"path"`

	// Buffer is the per-subscriber queue length in frames.
	Buffer int `yaml:"buffer"`

	WriteTimeout time.Duration `yaml:"write_timeout"`

	// OriginPatterns lists cross-origin hosts allowed to subscribe.
	OriginPatterns []string `yaml:"origin_patterns"`

	// Every publishes one frame out of Every ticks. 0 and 1 publish all.
	Every int `yaml:"every"`
}

// TelemetryConfig names the service in exported telemetry.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// TraceSampleRatio is the fraction of root spans recorded, in [0, 1].
	// Child spans follow their parent's decision. Default: 1.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`
}

// Default returns a config with every default applied and no avatars.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields of cfg. Tuning sections left entirely at
// their zero value are replaced by the package defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Scene.ID == "" {
		cfg.Scene.ID = "default"
	}
	if cfg.Scene.TickHz == 0 {
		cfg.Scene.TickHz = 60
	}
	if cfg.Scene.Bounds == (Box{}) {
		cfg.Scene.Bounds = Box{MinX: -10, MinZ: -10, MaxX: 10, MaxZ: 10}
	}
	if cfg.Scene.StaleAfter == 0 {
		cfg.Scene.StaleAfter = 2 * time.Second
	}

	if cfg.Navigation == (navigation.Config{}) {
		cfg.Navigation = navigation.DefaultConfig()
	}
	if cfg.Animation == (animation.Config{}) {
		cfg.Animation = animation.DefaultConfig()
	}
	if cfg.LipSync == (lipsync.Config{}) {
		cfg.LipSync = lipsync.DefaultConfig()
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
	}
	if cfg.Store.ImportConcurrency == 0 {
		cfg.Store.ImportConcurrency = 4
	}

	if cfg.Feed.Path == "" {
		cfg.Feed.Path = "/feed"
	}
	if cfg.Feed.Buffer == 0 {
		cfg.Feed.Buffer = 8
	}
	if cfg.Feed.WriteTimeout == 0 {
		cfg.Feed.WriteTimeout = 5 * time.Second
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "marionette"
	}
	if cfg.Telemetry.TraceSampleRatio == nil {
		ratio := 1.0
		cfg.Telemetry.TraceSampleRatio = &ratio
	}
}
