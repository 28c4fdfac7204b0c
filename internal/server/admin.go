package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	sse "github.com/tmaxmax/go-sse"

	"pageshot-go/internal/archive"
	"pageshot-go/internal/metrics"
)

// AdminHandler serves health, metrics, the lifecycle log and the archive.
// Clients outside the allowed CIDRs get 403.
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requireAllowedClient)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleSessions)
		r.Get("/{sessionID}/events", s.handleSessionEvents)
		r.Get("/{sessionID}/events/stream", s.handleSessionEventsStream)
	})
	r.Route("/archive", func(r chi.Router) {
		r.Get("/", s.handleArchiveList)
		r.Get("/{name}", s.handleArchiveFile)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	})
	return r
}

func (s *Server) requireAllowedClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowClient(r) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "Forbidden for client IP."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if s.halted.Load() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":     status == http.StatusOK,
		"halted": s.halted.Load(),
		"engine": s.backend.Name(),
		"detail": s.backend.Describe(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "event log disabled"})
		return
	}
	ids, err := s.eventStore.Sessions()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "event log disabled"})
		return
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	evs, err := s.eventStore.Read(sessionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if len(evs) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sessionID, "events": evs})
}

// handleSessionEventsStream replays the stored log after Last-Event-ID, then
// follows live events for the session.
func (s *Server) handleSessionEventsStream(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "event log disabled"})
		return
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))

	lastEventIDRaw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastEventIDRaw == "" {
		lastEventIDRaw = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}
	history, err := s.eventStore.ReadRecords(sessionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	replayCursor := lastEventIDRaw
	for _, record := range history {
		if lastEventIDRaw != "" && record.ID <= lastEventIDRaw {
			continue
		}
		if err := sendSSEMessage(sess, record.ID, record.Payload); err != nil {
			return
		}
		replayCursor = record.ID
	}
	_ = sess.Flush()

	writer := &channelMessageWriter{ch: make(chan *sse.Message, 128)}
	sub := sse.Subscription{
		Client: writer,
		Topics: []string{sessionID},
	}
	if replayCursor != "" {
		sub.LastEventID = sse.ID(replayCursor)
	}
	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- s.sseProvider.Subscribe(r.Context(), sub)
	}()
	for {
		select {
		case <-r.Context().Done():
			return
		case err := <-subscribeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Debug("event stream ended", "session", sessionID, "err", err)
			}
			return
		case message := <-writer.ch:
			if err := sess.Send(message); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}

func sendSSEMessage(sess *sse.Session, id, payload string) error {
	msg := &sse.Message{ID: sse.ID(id)}
	msg.AppendData(payload)
	return sess.Send(msg)
}

func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "archive disabled"})
		return
	}
	listing, err := s.archive.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleArchiveFile(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "archive disabled"})
		return
	}
	path, err := s.archive.Resolve(chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, archive.ErrBadName), errors.Is(err, archive.ErrOutsideRoot):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	case errors.Is(err, os.ErrNotExist):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}
