// Package inspect serves a read-mostly HTTP view of a running node.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/node"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/topology"
)

// Node is the part of a running node the API reads from.
type Node interface {
	Query(ctx context.Context) (node.Status, topology.Snapshot, error)
	Command(ctx context.Context, cmd control.Command) error
}

// Journal returns recent events.
type Journal interface {
	Recent(n int) ([]report.Event, error)
}

type Server struct {
	node    Node
	hub     *report.Hub
	journal Journal
	log     logrus.FieldLogger
	timeout time.Duration
}

// New builds the API. hub and journal may be nil, in which case their routes
// answer 404.
func New(n Node, hub *report.Hub, journal Journal, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		node:    n,
		hub:     hub,
		journal: journal,
		log:     log.WithField("component", "inspect"),
		timeout: 5 * time.Second,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.getStatus)
	r.Get("/topology", s.getTopology)
	r.Get("/sessions", s.getSessions)
	r.Post("/commands", s.postCommand)
	if s.journal != nil {
		r.Get("/journal", s.getJournal)
	}
	if s.hub != nil {
		r.Get("/events", s.hub.ServeWS)
	}
	return r
}

func (s *Server) query(r *http.Request) (node.Status, topology.Snapshot, error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	return s.node.Query(ctx)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, _, err := s.query(r)
	if err != nil {
		s.writeJSON(w, r, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) getTopology(w http.ResponseWriter, r *http.Request) {
	_, snap, err := s.query(r)
	if err != nil {
		s.writeJSON(w, r, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) getSessions(w http.ResponseWriter, r *http.Request) {
	st, _, err := s.query(r)
	if err != nil {
		s.writeJSON(w, r, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, st.Sessions)
}

func (s *Server) getJournal(w http.ResponseWriter, r *http.Request) {
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeJSON(w, r, http.StatusBadRequest, errors.New("invalid n"))
			return
		}
		n = parsed
	}
	events, err := s.journal.Recent(n)
	if err != nil {
		s.writeJSON(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, events)
}

func (s *Server) postCommand(w http.ResponseWriter, r *http.Request) {
	var cmd control.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, err)
		return
	}
	if cmd.Kind == "" {
		s.writeJSON(w, r, http.StatusBadRequest, errors.New("missing kind"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := s.node.Command(ctx, cmd); err != nil {
		s.writeJSON(w, r, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, map[string]string{"accepted": string(cmd.Kind)})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	if pretty, _ := strconv.ParseBool(r.URL.Query().Get("pretty")); pretty {
		enc.SetIndent("", "  ")
	}
	if err, ok := v.(error); ok {
		v = map[string]interface{}{"error": err.Error()}
	}
	if err := enc.Encode(v); err != nil {
		s.log.WithError(err).Warn("Failed to write response")
	}
}
