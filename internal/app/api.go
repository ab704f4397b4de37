package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/marionette/internal/agent"
	"github.com/MrWong99/marionette/internal/avatarstore"
	"github.com/MrWong99/marionette/internal/lipsync"
	"github.com/MrWong99/marionette/internal/navigation"
	"github.com/MrWong99/marionette/internal/observe"
	"github.com/MrWong99/marionette/internal/resilience"
	"github.com/MrWong99/marionette/internal/scene"
	"github.com/MrWong99/marionette/pkg/audio"
)

// maxSpeechBytes caps an uploaded speech clip (about 5 minutes of 16 kHz
// mono PCM).
const maxSpeechBytes = 10 << 20

var (
	// errRejected marks a command the avatar's current state refuses, such
	// as a one-shot while sitting.
	errRejected = errors.New("rejected in the current state")

	errUnknownAction = errors.New("unknown action")
)

// avatarStatus is the control API view of one avatar.
type avatarStatus struct {
	Definition avatarstore.Definition `json:"definition"`
	Position   agent.Vec2             `json:"position"`
	Heading    float64                `json:"heading"`
	Action     string                 `json:"action"`
	Sitting    bool                   `json:"sitting"`
	Sleeping   bool                   `json:"sleeping"`
	OneShot    bool                   `json:"one_shot"`
	HandedOff  bool                   `json:"handed_off"`
	Navigation *navStatus             `json:"navigation,omitempty"`
}

type navStatus struct {
	Target           agent.Vec2        `json:"target"`
	HasTarget        bool              `json:"has_target"`
	HasReachedTarget bool              `json:"has_reached_target"`
	StuckTimer       float64           `json:"stuck_timer"`
	Retargets        int               `json:"retargets"`
	LastReason       navigation.Reason `json:"last_reason,omitempty"`
}

type inputRequest struct {
	X   float64 `json:"x"`
	Z   float64 `json:"z"`
	Run bool    `json:"run"`
}

type liveRequest struct {
	Enabled bool `json:"enabled"`
}

// apiRouter builds the control API. Every command runs on the tick goroutine
// through [scene.Scene.Call].
func (a *App) apiRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/avatars", a.listAvatars)
	r.Post("/avatars", a.createAvatar)
	r.Route("/avatars/{id}", func(r chi.Router) {
		r.Get("/", a.getAvatar)
		r.Delete("/", a.deleteAvatar)
		r.Post("/actions/{action}", a.playAction)
		r.Post("/sit", a.toggleLock(false))
		r.Post("/sleep", a.toggleLock(true))
		r.Post("/target", a.retarget)
		r.Post("/input", a.setInput)
		r.Post("/handoff", a.handOff(true))
		r.Delete("/handoff", a.handOff(false))
		r.Post("/speech", a.speak)
		r.Delete("/speech", a.stopSpeaking)
		r.Put("/live", a.setLive)
	})
	return r
}

func (a *App) listAvatars(w http.ResponseWriter, r *http.Request) {
	var out []avatarStatus
	err := a.scene.Call(r.Context(), func(s *scene.Scene) error {
		for _, id := range s.IDs() {
			st, _ := status(s, id)
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) getAvatar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var out avatarStatus
	err := a.scene.Call(r.Context(), func(s *scene.Scene) error {
		var err error
		out, err = status(s, id)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// createAvatar stores a definition and spawns it when it belongs to this
// scene.
func (a *App) createAvatar(w http.ResponseWriter, r *http.Request) {
	var def avatarstore.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if def.SceneID == "" {
		def.SceneID = a.cfg.Scene.ID
	}
	if err := def.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.store.Create(r.Context(), &def); err != nil {
		writeError(w, r, err)
		return
	}
	if def.SceneID == a.cfg.Scene.ID {
		err := a.scene.Call(r.Context(), func(s *scene.Scene) error {
			_, err := s.Spawn(def)
			return err
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
	}
	a.log.Info("app: avatar created", "avatar", def.ID, "scene", def.SceneID)
	writeJSON(w, http.StatusCreated, def)
}

func (a *App) deleteAvatar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.store.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	err := a.scene.Call(r.Context(), func(s *scene.Scene) error {
		s.Remove(id)
		return nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) playAction(w http.ResponseWriter, r *http.Request) {
	id, action := chi.URLParam(r, "id"), chi.URLParam(r, "action")
	a.command(w, r, id, func(s *scene.Scene) error {
		m, _ := s.Animation(id)
		if !m.Has(action) {
			return fmt.Errorf("%w %q", errUnknownAction, action)
		}
		if !m.PlayOneShot(action) {
			return errRejected
		}
		return nil
	})
}

// toggleLock enters or leaves the sit lock, or the sleep lock when sleep is
// set.
func (a *App) toggleLock(sleep bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		a.command(w, r, id, func(s *scene.Scene) error {
			m, _ := s.Animation(id)
			var ok bool
			if sleep {
				ok = m.ToggleSleep()
			} else {
				ok = m.ToggleSit()
			}
			if !ok {
				return errRejected
			}
			return nil
		})
	}
}

func (a *App) retarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p agent.Vec2
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	a.command(w, r, id, func(s *scene.Scene) error {
		ag, _ := s.Agent(id)
		s.Navigation().Retarget(ag, p)
		return nil
	})
}

func (a *App) setInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in inputRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	a.command(w, r, id, func(s *scene.Scene) error {
		ag, _ := s.Agent(id)
		if ag.Policy.WandersAutonomously() {
			return fmt.Errorf("%w: %s avatars pick their own waypoints", errRejected, ag.Policy.Archetype)
		}
		s.Navigation().SetInput(ag, agent.Vec2{X: in.X, Z: in.Z}, in.Run)
		return nil
	})
}

func (a *App) handOff(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		a.command(w, r, id, func(s *scene.Scene) error {
			ag, _ := s.Agent(id)
			if enable {
				ag.HandOff()
			} else {
				ag.Reclaim()
			}
			return nil
		})
	}
}

// speak plays the request body, raw little-endian int16 PCM, as the avatar's
// speech. The rate and channels query parameters describe the PCM and
// default to 16000 and 1.
func (a *App) speak(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rate, err := queryInt(r, "rate", 16000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	channels, err := queryInt(r, "channels", 1)
	if err != nil || channels < 1 || channels > 2 {
		http.Error(w, "channels must be 1 or 2", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpeechBytes))
	if err != nil {
		http.Error(w, "reading speech: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty speech clip", http.StatusBadRequest)
		return
	}
	clip := audio.AudioFrame{Data: data, SampleRate: rate, Channels: channels}
	a.command(w, r, id, func(s *scene.Scene) error {
		return s.Speak(r.Context(), id, lipsync.NewClipSource(clip))
	})
}

func (a *App) stopSpeaking(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.command(w, r, id, func(s *scene.Scene) error {
		if s.LipSync().Speaker() == id && !s.LipSync().IsMicrophoneModeActive() {
			s.LipSync().StopSpeaking()
		}
		return nil
	})
}

// setLive toggles microphone mode for the avatar and waits for the device
// outcome.
func (a *App) setLive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req liveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var res <-chan error
	err := a.scene.Call(r.Context(), func(s *scene.Scene) error {
		if _, ok := s.Agent(id); !ok {
			return fmt.Errorf("%w: %q", scene.ErrUnknownAvatar, id)
		}
		res = s.LipSync().SetLiveCaptureMode(context.WithoutCancel(r.Context()), id, req.Enabled)
		return nil
	})
	if err == nil {
		select {
		case err = <-res:
		case <-r.Context().Done():
			err = r.Context().Err()
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// command runs fn for an existing avatar on the tick goroutine and writes
// 204 on success.
func (a *App) command(w http.ResponseWriter, r *http.Request, id string, fn func(*scene.Scene) error) {
	err := a.scene.Call(r.Context(), func(s *scene.Scene) error {
		if _, ok := s.Agent(id); !ok {
			return fmt.Errorf("%w: %q", scene.ErrUnknownAvatar, id)
		}
		return fn(s)
	})
	if err != nil {
		a.log.Debug("app: command failed", "avatar", id, "path", r.URL.Path, "err", err)
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func status(s *scene.Scene, id string) (avatarStatus, error) {
	ag, ok := s.Agent(id)
	if !ok {
		return avatarStatus{}, fmt.Errorf("%w: %q", scene.ErrUnknownAvatar, id)
	}
	def, _ := s.Definition(id)
	m, _ := s.Animation(id)
	flags := m.Flags()
	out := avatarStatus{
		Definition: def,
		Position:   ag.Position,
		Heading:    ag.Heading,
		Action:     m.Current(),
		Sitting:    flags.Sitting,
		Sleeping:   flags.Sleeping,
		OneShot:    flags.PlayingOneShot,
		HandedOff:  ag.IsHandedOff(),
	}
	if st, ok := s.Navigation().State(id); ok {
		out.Navigation = &navStatus{
			Target:           st.Target,
			HasTarget:        st.HasTarget,
			HasReachedTarget: st.HasReachedTarget,
			StuckTimer:       st.StuckTimer,
			Retargets:        st.Retargets,
			LastReason:       st.LastReason,
		}
	}
	return out, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, scene.ErrUnknownAvatar), errors.Is(err, avatarstore.ErrNotFound), errors.Is(err, errUnknownAction):
		code = http.StatusNotFound
	case errors.Is(err, scene.ErrDuplicate), errors.Is(err, avatarstore.ErrExists), errors.Is(err, errRejected):
		code = http.StatusConflict
	case errors.Is(err, lipsync.ErrPermissionDenied), errors.Is(err, lipsync.ErrDeviceLost), errors.Is(err, resilience.ErrCircuitOpen):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		observe.Logger(r.Context(), nil).Error("app: request failed", "path", r.URL.Path, "err", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
