package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/marionette/internal/agent"
	"github.com/MrWong99/marionette/internal/animation"
	"github.com/MrWong99/marionette/internal/app"
	"github.com/MrWong99/marionette/internal/avatarstore"
	"github.com/MrWong99/marionette/internal/config"
	"github.com/MrWong99/marionette/internal/lipsync"
	"github.com/MrWong99/marionette/internal/lipsync/mock"
	"github.com/MrWong99/marionette/internal/observe"
	"github.com/MrWong99/marionette/internal/scene"
)

var clips = []animation.Clip{
	{Name: "Idle", Duration: 2},
	{Name: "Walking", Duration: 1},
	{Name: "Sit", Duration: 1},
	{Name: "Wave", Duration: 1},
}

// testConfig returns a config with two wandering avatars.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Navigation.Seed = 42
	cfg.Scene.Seed = 7
	cfg.Avatars = []avatarstore.Definition{
		{ID: "alice", Archetype: agent.ArchetypeWander, Clips: clips},
		{ID: "bob", Archetype: agent.ArchetypeAssistant, Spawn: avatarstore.Point{X: 2}, Clips: clips},
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithMetrics(testMetrics(t)),
		app.WithGatherer(prometheus.NewRegistry()),
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

// run ticks the app's scene until the test ends and returns a server for
// its handler.
func run(t *testing.T, a *app.App) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = scene.NewRuntime(a.Scene(), 200).Run(ctx)
	}()
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

type avatarView struct {
	Definition avatarstore.Definition `json:"definition"`
	Sitting    bool                   `json:"sitting"`
	Navigation *struct {
		Target     agent.Vec2 `json:"target"`
		LastReason string     `json:"last_reason"`
	} `json:"navigation"`
}

func getAvatar(t *testing.T, base, id string) avatarView {
	t.Helper()
	resp, body := do(t, http.MethodGet, base+"/api/avatars/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d: %s", id, resp.StatusCode, body)
	}
	var v avatarView
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decode %s: %v", id, err)
	}
	return v
}

func TestNew_SpawnsConfiguredAvatars(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())

	if got := a.Scene().IDs(); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("Scene().IDs() = %v, want [alice bob]", got)
	}
	stored, err := a.Store().List(context.Background(), "default")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d definitions, want 2", len(stored))
	}
	for _, d := range stored {
		if d.SceneID != "default" {
			t.Errorf("%s: SceneID = %q, want the configured scene", d.ID, d.SceneID)
		}
	}
}

func TestNew_SpawnsStoredAvatarsOfTheScene(t *testing.T) {
	t.Parallel()

	store := avatarstore.NewMemStore()
	ctx := context.Background()
	for _, d := range []avatarstore.Definition{
		{ID: "carol", SceneID: "default", Clips: clips},
		{ID: "dave", SceneID: "elsewhere", Clips: clips},
	} {
		if err := store.Create(ctx, &d); err != nil {
			t.Fatalf("Create(%s): %v", d.ID, err)
		}
	}

	cfg := testConfig()
	cfg.Avatars = nil
	a := newApp(t, cfg, app.WithStore(store))

	if got := a.Scene().IDs(); len(got) != 1 || got[0] != "carol" {
		t.Errorf("Scene().IDs() = %v, want [carol]", got)
	}
}

func TestNew_InvalidAvatar(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Avatars = append(cfg.Avatars, avatarstore.Definition{ID: "eve", Archetype: "dragon"})
	_, err := app.New(context.Background(), cfg,
		app.WithMetrics(testMetrics(t)),
		app.WithGatherer(prometheus.NewRegistry()),
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err == nil {
		t.Fatal("New() accepted an avatar with an unknown archetype")
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	srv := run(t, a)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	// Wait for the first tick so the scene checker passes.
	deadline := time.Now().Add(3 * time.Second)
	for a.Scene().LastTick().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("scene never ticked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, srv.URL+tt.path, "")
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestReadyz_FailsBeforeFirstTick(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, body := do(t, http.MethodGet, srv.URL+"/readyz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503: %s", resp.StatusCode, body)
	}
}

func TestAPI_Commands(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	a := newApp(t, testConfig(), app.WithMicrophone(mic))
	srv := run(t, a)
	base := srv.URL + "/api/avatars"

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"list", http.MethodGet, "", "", http.StatusOK},
		{"unknown avatar", http.MethodGet, "/nobody", "", http.StatusNotFound},
		{"one-shot", http.MethodPost, "/alice/actions/Wave", "", http.StatusNoContent},
		{"one-shot while one-shot", http.MethodPost, "/alice/actions/Wave", "", http.StatusConflict},
		{"unknown action", http.MethodPost, "/bob/actions/Dance", "", http.StatusNotFound},
		{"sit", http.MethodPost, "/bob/sit", "", http.StatusNoContent},
		{"one-shot while sitting", http.MethodPost, "/bob/actions/Wave", "", http.StatusConflict},
		{"no sleep clip", http.MethodPost, "/alice/sleep", "", http.StatusConflict},
		{"input to a wanderer", http.MethodPost, "/alice/input", `{"x":1}`, http.StatusConflict},
		{"target", http.MethodPost, "/alice/target", `{"x":3,"z":4}`, http.StatusNoContent},
		{"bad target", http.MethodPost, "/alice/target", `{`, http.StatusBadRequest},
		{"hand off", http.MethodPost, "/bob/handoff", "", http.StatusNoContent},
		{"reclaim", http.MethodDelete, "/bob/handoff", "", http.StatusNoContent},
		{"bad rate", http.MethodPost, "/alice/speech?rate=abc", "xx", http.StatusBadRequest},
		{"empty speech", http.MethodPost, "/alice/speech", "", http.StatusBadRequest},
		{"stop speaking", http.MethodDelete, "/alice/speech", "", http.StatusNoContent},
		{"live on", http.MethodPut, "/alice/live", `{"enabled":true}`, http.StatusNoContent},
		{"live off", http.MethodPut, "/alice/live", `{"enabled":false}`, http.StatusNoContent},
		{"live for nobody", http.MethodPut, "/nobody/live", `{"enabled":true}`, http.StatusNotFound},
	}
	// Subtests run in order; later cases depend on earlier state.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, base+tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("%s %s = %d, want %d: %s", tt.method, tt.path, resp.StatusCode, tt.want, body)
			}
		})
	}

	if v := getAvatar(t, srv.URL, "bob"); !v.Sitting {
		t.Error("bob is not sitting after POST /sit")
	}
	v := getAvatar(t, srv.URL, "alice")
	if v.Navigation == nil || v.Navigation.Target != (agent.Vec2{X: 3, Z: 4}) || v.Navigation.LastReason != "external" {
		t.Errorf("alice navigation = %+v, want external target {3 4}", v.Navigation)
	}
	if mic.AcquireCalls() != 1 {
		t.Errorf("microphone acquired %d times, want 1", mic.AcquireCalls())
	}
}

func TestAPI_Speech(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	srv := run(t, a)

	// Half a second of a loud square wave at 16 kHz mono.
	pcm := make([]int16, 8000)
	for i := range pcm {
		pcm[i] = 12000
		if (i/20)%2 == 0 {
			pcm[i] = -12000
		}
	}
	var body bytes.Buffer
	for _, s := range pcm {
		body.WriteByte(byte(s))
		body.WriteByte(byte(s >> 8))
	}

	resp, msg := do(t, http.MethodPost, srv.URL+"/api/avatars/bob/speech", body.String())
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST speech = %d: %s", resp.StatusCode, msg)
	}

	var speaker string
	err := a.Scene().Call(context.Background(), func(s *scene.Scene) error {
		speaker = s.LipSync().Speaker()
		return nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if speaker != "bob" {
		t.Errorf("Speaker() = %q, want bob", speaker)
	}
}

func TestAPI_LiveCaptureDenied(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{AcquireErr: lipsync.ErrPermissionDenied}
	a := newApp(t, testConfig(), app.WithMicrophone(mic))
	srv := run(t, a)

	resp, body := do(t, http.MethodPut, srv.URL+"/api/avatars/alice/live", `{"enabled":true}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503: %s", resp.StatusCode, body)
	}
}

func TestAPI_CreateAndDelete(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	srv := run(t, a)
	base := srv.URL + "/api/avatars"

	def := `{"id":"frank","archetype":"player","clips":[{"name":"Idle","duration":1}]}`
	if resp, body := do(t, http.MethodPost, base, def); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodPost, base, def); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, base, `{"id":""}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid create = %d, want 400", resp.StatusCode)
	}

	if v := getAvatar(t, srv.URL, "frank"); v.Definition.SceneID != "default" {
		t.Errorf("SceneID = %q, want default", v.Definition.SceneID)
	}
	if resp, body := do(t, http.MethodPost, base+"/frank/input", `{"x":1,"run":true}`); resp.StatusCode != http.StatusNoContent {
		t.Errorf("player input = %d: %s", resp.StatusCode, body)
	}

	if resp, _ := do(t, http.MethodDelete, base+"/frank", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, base+"/frank", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", resp.StatusCode)
	}
	if _, err := a.Store().Get(context.Background(), "frank"); err == nil {
		t.Error("definition still stored after delete")
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	old := testConfig()
	a := newApp(t, old, app.WithLevelVar(&level))
	run(t, a)

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Navigation.TurnRate = 9
	updated.Avatars = []avatarstore.Definition{
		updated.Avatars[1],
		{ID: "gina", Clips: clips},
	}
	updated.Avatars[0].WalkSpeed = 0.5

	ctx := context.Background()
	a.ApplyConfig(ctx, old, updated)

	var (
		ids      []string
		turnRate float64
		bobSpeed float64
	)
	err := a.Scene().Call(ctx, func(s *scene.Scene) error {
		ids = s.IDs()
		turnRate = s.Navigation().Config().TurnRate
		if ag, ok := s.Agent("bob"); ok {
			bobSpeed = ag.Policy.WalkSpeed
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if turnRate != 9 {
		t.Errorf("TurnRate = %g, want 9", turnRate)
	}
	if bobSpeed != 0.5 {
		t.Errorf("bob WalkSpeed = %g, want 0.5 after respawn", bobSpeed)
	}
	want := map[string]bool{"bob": true, "gina": true}
	if len(ids) != len(want) {
		t.Fatalf("IDs() = %v, want bob and gina", ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected avatar %q after reload", id)
		}
	}
	if _, err := a.Store().Get(ctx, "alice"); err == nil {
		t.Error("alice still stored after removal")
	}
	if _, err := a.Store().Get(ctx, "gina"); err != nil {
		t.Errorf("gina not stored: %v", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	for range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() = %v", err)
		}
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); err == nil {
		t.Error("Shutdown() with a cancelled context returned nil")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
