package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-caption/internal/eventstore"
	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/loqalabs/loqa-caption/internal/session"
)

// Controller is the part of the session controller the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Snapshot() session.Snapshot
}

type api struct {
	ctrl  Controller
	store *eventstore.Store
	log   *slog.Logger
}

func newAPI(ctrl Controller, store *eventstore.Store, log *slog.Logger) *api {
	return &api{ctrl: ctrl, store: store, log: log.With(slog.String("component", "api"))}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/session", a.handleSnapshot)
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleStop)
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleSessionEvents)
}

func (a *api) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *api) handleStart(w http.ResponseWriter, req *http.Request) {
	err := a.ctrl.Start(req.Context())
	switch {
	case errors.Is(err, session.ErrSessionActive):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		a.log.Error("session start failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, a.ctrl.Snapshot())
	}
}

func (a *api) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.ctrl.Stop()
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

type sessionView struct {
	ID         string `json:"session_id"`
	Device     string `json:"device,omitempty"`
	CreatedAt  string `json:"created_at"`
	EndedAt    string `json:"ended_at,omitempty"`
	FinalState string `json:"final_state,omitempty"`
}

func (a *api) handleSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := a.store.ListSessions(req.Context(), queryLimit(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		v := sessionView{ID: s.ID, Device: s.Device, CreatedAt: s.CreatedAt.Format(timeFormat), FinalState: s.FinalState}
		if !s.EndedAt.IsZero() {
			v.EndedAt = s.EndedAt.Format(timeFormat)
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *api) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	rows, err := a.store.ListSessionEvents(req.Context(), req.PathValue("id"), queryLimit(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	envs := make([]protocol.Envelope, 0, len(rows))
	for _, row := range rows {
		var env protocol.Envelope
		if err := json.Unmarshal(row.Payload, &env); err != nil {
			a.log.Warn("skipping unreadable journal row", slog.Int64("id", row.ID), slog.String("error", err.Error()))
			continue
		}
		envs = append(envs, env)
	}
	writeJSON(w, http.StatusOK, envs)
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func queryLimit(req *http.Request) int {
	n, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
