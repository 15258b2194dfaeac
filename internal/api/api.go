// Package api implements the supplementary read-only query API from
// SPEC_FULL.md §B.1: a chi router over the indexed store plus a
// websocket live-event feed sourced from the engine's subscriber
// broadcast (spec §3 Ownership).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/silexa/sentinel/internal/engine"
	"github.com/silexa/sentinel/internal/event"
	"github.com/silexa/sentinel/internal/store"
)

// Server exposes the read-only HTTP/websocket API over an engine and its
// indexed store. A nil db is valid: /events and /sessions then respond
// 503, while /live still works since it only needs the engine.
type Server struct {
	eng *engine.Engine
	db  *store.DB
	log *zap.SugaredLogger

	upgrader websocket.Upgrader
}

// New builds a Server. Call Handler to get the http.Handler to serve.
func New(eng *engine.Engine, db *store.DB, log *zap.SugaredLogger) *Server {
	return &Server{
		eng: eng,
		db:  db,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/sessions", s.handleSessions)
	r.Get("/events", s.handleEvents)
	r.Get("/live", s.handleLive)
	return r
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "indexed store not configured", http.StatusServiceUnavailable)
		return
	}
	sessions, err := s.db.ListSessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "indexed store not configured", http.StatusServiceUnavailable)
		return
	}
	q, err := parseEventQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := s.db.Query(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func parseEventQuery(r *http.Request) (store.EventQuery, error) {
	var q store.EventQuery
	v := r.URL.Query()

	if s := v.Get("session_id"); s != "" {
		q.SessionID = &s
	}
	if s := v.Get("risk_level"); s != "" {
		level, err := event.ParseRiskLevel(s)
		if err != nil {
			return q, err
		}
		q.RiskLevel = &level
	}
	if s := v.Get("type"); s != "" {
		q.EventTypeTag = &s
	}
	if s := v.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, err
		}
		q.StartTime = &t
	}
	if s := v.Get("until"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, err
		}
		q.EndTime = &t
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, err
		}
		q.Limit = n
	}
	return q, nil
}

// handleLive upgrades to a websocket and streams every event the engine
// fans out to subscribers, newline-delimited JSON per message, until the
// client disconnects or the engine stops.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.Warnw("websocket upgrade failed", "error", err)
		}
		return
	}
	defer conn.Close()

	events, unsubscribe := s.eng.Subscribe()
	defer unsubscribe()

	for ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}
