// Package app wires all marionette subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the scene and serves HTTP until the context is
// cancelled, ApplyConfig hot-reloads tuning, and Shutdown tears everything
// down in order.
//
// For testing, inject implementations via functional options (WithStore,
// WithMicrophone, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/marionette/internal/avatarstore"
	"github.com/MrWong99/marionette/internal/capture"
	"github.com/MrWong99/marionette/internal/config"
	"github.com/MrWong99/marionette/internal/health"
	"github.com/MrWong99/marionette/internal/lipsync"
	"github.com/MrWong99/marionette/internal/navigation"
	"github.com/MrWong99/marionette/internal/observe"
	"github.com/MrWong99/marionette/internal/resilience"
	"github.com/MrWong99/marionette/internal/scene"
	"github.com/MrWong99/marionette/pkg/feed"
)

// App owns all subsystem lifetimes of one marionette scene.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer

	// Subsystems, initialised in New and torn down in Shutdown.
	store   avatarstore.Store
	pinger  health.Pinger
	mic     lipsync.Microphone
	scene   *scene.Scene
	runtime *scene.Runtime
	hub     *feed.Hub
	handler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects an avatar store instead of creating one from config.
func WithStore(s avatarstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMicrophone injects the live-capture device instead of the WebSocket
// publisher endpoint. The endpoint is still mounted when m is an
// [http.Handler].
func WithMicrophone(m lipsync.Microphone) Option {
	return func(a *App) { a.mic = m }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer serves g on /metrics instead of the default Prometheus
// registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets ApplyConfig change the log level of the handler built on
// v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
//
// New performs all initialisation synchronously: store connection and
// migration, import of the configured avatars, scene construction and
// spawning, and HTTP route registration. The scene does not tick until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	// ── 1. Avatar store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Scene ─────────────────────────────────────────────────────────
	a.initScene()

	// ── 3. Avatars ───────────────────────────────────────────────────────
	if err := a.initAvatars(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init avatars: %w", err)
	}

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured avatar store or uses the injected one.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Store.Driver {
		case config.StoreSQLite:
			s, err := avatarstore.OpenSQLite(ctx, a.cfg.Store.Path)
			if err != nil {
				return err
			}
			a.store = s
			a.closers = append(a.closers, s.Close)
			a.log.Info("app: sqlite avatar store opened", "path", a.cfg.Store.Path)

		case config.StorePostgres:
			pool, err := pgxpool.New(ctx, a.cfg.Store.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			s := avatarstore.NewPostgresStore(pool)
			if err := s.Migrate(ctx); err != nil {
				pool.Close()
				return err
			}
			a.store = s
			a.closers = append(a.closers, func() error {
				pool.Close()
				return nil
			})
			a.log.Info("app: postgres avatar store connected")

		default:
			a.store = avatarstore.NewMemStore()
		}
	}
	if p, ok := a.store.(health.Pinger); ok {
		a.pinger = p
	}
	a.store = avatarstore.Instrument(a.store, a.metrics)
	return nil
}

// initScene builds the navigation controller, the lip-sync engine, and the
// scene that owns them, plus the render feed hub the scene publishes to.
func (a *App) initScene() {
	cfg := a.cfg

	nav := navigation.New(cfg.Navigation,
		navigation.WithMetrics(a.metrics),
		navigation.WithLogger(a.log),
	)

	if a.mic == nil {
		a.mic = capture.New(
			capture.WithOriginPatterns(cfg.Feed.OriginPatterns...),
			capture.WithLogger(a.log),
		)
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "microphone",
		MaxFailures:  cfg.LipSync.MicMaxFailures,
		ResetTimeout: cfg.LipSync.MicCooldown,
		HalfOpenMax:  1,
		OnStateChange: func(name string, from, to resilience.State) {
			a.log.Info("app: circuit breaker state changed", "name", name, "from", from, "to", to)
		},
	})
	lips := lipsync.New(cfg.LipSync,
		lipsync.WithMicrophone(a.mic),
		lipsync.WithBreaker(breaker),
		lipsync.WithMetrics(a.metrics),
		lipsync.WithLogger(a.log),
	)
	lips.OnError(func(agentID string, err error) {
		a.log.Warn("app: speech failed", "agent", agentID, "err", err)
	})

	a.hub = feed.NewHub(
		feed.WithBuffer(cfg.Feed.Buffer),
		feed.WithWriteTimeout(cfg.Feed.WriteTimeout),
		feed.WithOriginPatterns(cfg.Feed.OriginPatterns...),
		feed.WithSnapshot(func() any { return a.scene.Frame() }),
		feed.WithLogger(a.log),
	)
	a.closers = append(a.closers, a.hub.Close)

	every := uint64(max(1, cfg.Feed.Every))
	a.scene = scene.New(cfg.Scene.Area(), nav, lips,
		scene.WithAnimationConfig(cfg.Animation),
		scene.WithSink(scene.SinkFunc(func(f *scene.Frame) {
			if f.Seq%every == 0 {
				a.hub.Broadcast(f)
			}
		})),
		scene.WithMetrics(a.metrics),
		scene.WithLogger(a.log),
	)
	a.runtime = scene.NewRuntime(a.scene, cfg.Scene.TickHz)
}

// initAvatars imports the configured definitions into the store and spawns
// every definition of the configured scene.
func (a *App) initAvatars(ctx context.Context) error {
	defs := make([]avatarstore.Definition, len(a.cfg.Avatars))
	for i, d := range a.cfg.Avatars {
		if d.SceneID == "" {
			d.SceneID = a.cfg.Scene.ID
		}
		defs[i] = d
	}
	if err := avatarstore.Import(ctx, a.store, defs, a.cfg.Store.ImportConcurrency); err != nil {
		return err
	}

	stored, err := a.store.List(ctx, a.cfg.Scene.ID)
	if err != nil {
		return fmt.Errorf("list avatars: %w", err)
	}
	if len(stored) == 0 {
		a.log.Warn("app: no avatars configured", "scene", a.cfg.Scene.ID)
	}
	for _, def := range stored {
		if _, err := a.scene.Spawn(def); err != nil {
			return fmt.Errorf("spawn %q: %w", def.ID, err)
		}
	}
	return nil
}

// initHTTP registers every route on one mux wrapped in the observe
// middleware.
func (a *App) initHTTP() {
	mux := http.NewServeMux()

	checks := []health.Checker{
		health.Fresh("scene", a.scene.LastTick, a.cfg.Scene.StaleAfter),
	}
	if a.pinger != nil {
		checks = append(checks, health.Ping("store", a.pinger))
	}
	if m, ok := a.mic.(interface{ Connected() bool }); ok {
		checks = append(checks, health.Condition("microphone", m.Connected, "no capture client connected"))
	}
	health.New(checks...).Register(mux)

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("GET "+a.cfg.Feed.Path, a.hub)
	if h, ok := a.mic.(http.Handler); ok {
		mux.Handle("GET /mic", h)
	}
	mux.Handle("/api/", http.StripPrefix("/api", a.apiRouter()))

	a.handler = observe.Middleware(a.metrics)(mux)
}

// Handler returns the HTTP handler serving health, metrics, the render feed,
// the microphone endpoint, and the control API.
func (a *App) Handler() http.Handler { return a.handler }

// Scene returns the simulated scene.
func (a *App) Scene() *scene.Scene { return a.scene }

// Store returns the avatar store.
func (a *App) Store() avatarstore.Store { return a.store }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run ticks the scene and serves HTTP on the configured address until ctx is
// cancelled or the listener fails. The server gets
// [config.ServerConfig.ShutdownTimeout] to drain in-flight requests.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runtime.Run(ctx)
	})
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			a.log.Info("app: serving https", "addr", srv.Addr)
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			a.log.Info("app: serving http", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		// Feed subscribers hold hijacked connections that Shutdown does not
		// wait for.
		_ = a.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("app: http shutdown incomplete", "err", err)
			return srv.Close()
		}
		return nil
	})

	a.log.Info("app running", "scene", a.cfg.Scene.ID, "avatars", len(a.scene.IDs()), "tick_hz", a.cfg.Scene.TickHz)
	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new:
// log level, navigation, animation and lip-sync tuning, and avatar
// additions, removals, and changes. Sections that need a restart are only
// logged. Scene changes are applied on the next tick. It is meant to be the
// config watcher's callback and must not run concurrently with itself.
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	for _, section := range d.RestartRequired {
		a.log.Warn("app: config change requires a restart", "section", section)
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}

	next := make(map[string]avatarstore.Definition, len(new.Avatars))
	for _, def := range new.Avatars {
		if def.SceneID == "" {
			def.SceneID = new.Scene.ID
		}
		next[def.ID] = def
	}
	for _, c := range d.AvatarChanges {
		var err error
		if c.Removed {
			err = a.store.Delete(ctx, c.ID)
		} else {
			def := next[c.ID]
			err = a.store.Upsert(ctx, &def)
		}
		if err != nil {
			a.log.Warn("app: syncing avatar to store", "avatar", c.ID, "err", err)
		}
	}

	a.scene.Do(func(s *scene.Scene) {
		if d.NavigationChanged {
			s.Navigation().SetConfig(new.Navigation)
		}
		if d.AnimationChanged {
			s.SetAnimationConfig(new.Animation)
		}
		if d.LipSyncChanged {
			s.LipSync().SetConfig(new.LipSync)
		}
		for _, c := range d.AvatarChanges {
			if !c.Added {
				s.Remove(c.ID)
			}
			def, ok := next[c.ID]
			if c.Removed || !ok || def.SceneID != new.Scene.ID {
				continue
			}
			if _, err := s.Spawn(def); err != nil {
				a.log.Warn("app: respawning avatar", "avatar", c.ID, "err", err)
			}
		}
	})

	a.log.Info("app: configuration applied",
		"navigation", d.NavigationChanged,
		"animation", d.AnimationChanged,
		"lipsync", d.LipSyncChanged,
		"avatars", len(d.AvatarChanges),
	)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}
		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what a failed New already opened.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to its slog equivalent. Unknown and
// empty levels map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
