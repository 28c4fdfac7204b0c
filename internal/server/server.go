// Package server exposes the render surface, where the request path is the
// page to capture, and a separate admin surface for health, metrics, the
// session lifecycle log and the screenshot archive.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	sse "github.com/tmaxmax/go-sse"
	"golang.org/x/sync/semaphore"

	"pageshot-go/internal/archive"
	"pageshot-go/internal/config"
	"pageshot-go/internal/engine"
	"pageshot-go/internal/events"
	"pageshot-go/internal/metrics"
	"pageshot-go/internal/render"
	"pageshot-go/internal/session"
)

const replayBuffer = 256

var ErrPoolHalted = errors.New("session pool halted after a fatal render error")

type Options struct {
	Backend    engine.Backend
	EventStore *events.Store
	Archive    *archive.Archive
	Logger     *log.Logger
	// OnFatal is called once, with the first fatal render error.
	OnFatal func(error)
}

type Server struct {
	cfg config.Config

	backend    engine.Backend
	eventStore *events.Store
	archive    *archive.Archive
	log        *log.Logger
	onFatal    func(error)

	sessions *semaphore.Weighted
	halted   atomic.Bool

	sseProvider sse.Provider
	publishMu   sync.Mutex
	shutdownMu  sync.Once
}

type channelMessageWriter struct {
	ch chan *sse.Message
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("sse subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}

func New(cfg config.Config, opts Options) *Server {
	// Stream history comes from the event store; the replayer only covers the
	// gap between reading it and subscribing.
	replayer, err := sse.NewFiniteReplayer(replayBuffer, false)
	if err != nil {
		panic(err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		cfg:         cfg,
		backend:     opts.Backend,
		eventStore:  opts.EventStore,
		archive:     opts.Archive,
		log:         logger,
		onFatal:     opts.OnFatal,
		sseProvider: &sse.Joe{Replayer: replayer},
	}
	if cfg.MaxSessions > 0 {
		s.sessions = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	return s
}

// Handler serves the render surface. Every path is a locator, so no mux is
// involved: a mux would clean the "//" out of "/http://host/".
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleRender)
}

func (s *Server) Halted() bool {
	return s.halted.Load()
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	if s.halted.Load() {
		writeText(w, http.StatusServiceUnavailable, ErrPoolHalted.Error())
		return
	}
	target, err := ParseLocator(r.URL.Path, s.cfg.AllowFileURLs)
	if err != nil {
		metrics.BadLocators.Inc()
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.sessions != nil {
		// Queued requests may still give up; nothing is allocated yet.
		if err := s.sessions.Acquire(r.Context(), 1); err != nil {
			s.log.Debug("gave up waiting for a session slot", "path", r.URL.Path, "err", err)
			writeText(w, http.StatusServiceUnavailable, "no session slot: "+err.Error())
			return
		}
		defer s.sessions.Release(1)
	}

	// A client disconnect does not cancel the render.
	out := s.render(context.WithoutCancel(r.Context()), target)

	switch out.Kind {
	case render.Success:
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(out.Image)))
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.Image)
	case render.EngineHalted:
		writeText(w, http.StatusInternalServerError, out.Diagnostic)
	default:
		s.fatal(out.Err)
		panic(http.ErrAbortHandler)
	}
}

// render runs one session from creation to teardown. The session is closed
// before render returns on every path.
func (s *Server) render(ctx context.Context, target *url.URL) render.Outcome {
	var sess *session.Session
	sess, err := session.New(s.backend, session.Options{
		Logical: engine.Size{Width: s.cfg.Width, Height: s.cfg.Height},
		Scale:   s.cfg.Scale,
		Logger:  s.log,
		OnLoad: func(kind string, id engine.BrowsingContextID, err error) {
			fields := map[string]any{"kind": kind, "context": string(id)}
			if err != nil {
				fields["error"] = err.Error()
			}
			s.record(sess.ID(), events.LoadLifecycle, fields)
		},
	})
	if err != nil {
		s.log.Error("session unavailable", "err", err)
		return render.Outcome{Kind: render.EngineHalted, Diagnostic: "session unavailable: " + err.Error(), Err: err}
	}
	logger := s.log.With("session", sess.ID())
	metrics.SessionsCreated.WithLabelValues(s.backend.Name()).Inc()
	metrics.SessionsActive.Inc()
	size := sess.Window().FramebufferSize()
	s.record(sess.ID(), events.SessionCreated, map[string]any{
		"backend": s.backend.Name(),
		"width":   size.Width,
		"height":  size.Height,
		"scale":   s.cfg.Scale,
	})

	defer func() {
		if err := sess.Close(); err != nil {
			logger.Error("session teardown", "err", err)
		}
		_, coalesced, _ := sess.WakeStats()
		metrics.WakesCoalesced.Add(float64(coalesced))
		metrics.SessionsActive.Dec()
		metrics.SessionTeardowns.Inc()
		s.record(sess.ID(), events.SessionClosed, nil)
		s.pruneEvents()
	}()

	if s.cfg.RenderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RenderTimeout)
		defer cancel()
	}

	s.record(sess.ID(), events.NavigationRequested, map[string]any{"url": target.String()})
	id, err := sess.Navigate(ctx, target)
	if err != nil {
		logger.Warn("navigation failed", "url", target.String(), "err", err)
		out := render.Outcome{Kind: render.EngineHalted, Diagnostic: err.Error(), Err: err}
		s.recordOutcome(sess.ID(), out)
		return out
	}

	m := render.New(sess, id, logger, render.Hooks{
		Transition: func(from, to render.State) {
			s.record(sess.ID(), events.StateTransition, map[string]any{"from": from.Name(), "to": to.Name()})
		},
		Timing: func(phase render.Phase, d time.Duration) {
			metrics.RenderPhaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
			s.record(sess.ID(), events.RenderTiming, map[string]any{"phase": string(phase), "ms": float64(d.Microseconds()) / 1e3})
		},
	})
	out := m.Run(ctx)
	metrics.RenderWakes.Observe(float64(m.Polls()))
	metrics.RenderOutcomes.WithLabelValues(out.Kind.String()).Inc()
	s.recordOutcome(sess.ID(), out)

	if out.Kind == render.Success && s.archive != nil {
		if path, err := s.archive.Save(sess.ID(), out.Image); err != nil {
			logger.Error("archive screenshot", "err", err)
		} else {
			logger.Debug("archived screenshot", "path", path)
		}
	}
	return out
}

func (s *Server) pruneEvents() {
	if s.eventStore == nil || s.cfg.EventsRetain <= 0 {
		return
	}
	removed, err := s.eventStore.Prune(s.cfg.EventsRetain)
	if err != nil {
		s.log.Warn("prune lifecycle log", "err", err)
		return
	}
	if removed > 0 {
		s.log.Debug("pruned lifecycle logs", "removed", removed)
	}
}

// fatal halts the pool and escalates the first fatal error.
func (s *Server) fatal(err error) {
	if err == nil {
		err = errors.New("unknown fatal render error")
	}
	if !s.halted.CompareAndSwap(false, true) {
		s.log.Error("fatal render error after halt", "err", err)
		return
	}
	metrics.PoolHalted.Set(1)
	s.log.Error("fatal render error, halting session pool", "err", err)
	if s.onFatal != nil {
		s.onFatal(err)
	}
}

func (s *Server) recordOutcome(sessionID string, out render.Outcome) {
	fields := map[string]any{"outcome": out.Kind.String()}
	if out.Diagnostic != "" {
		fields["diagnostic"] = out.Diagnostic
	}
	if out.Image != nil {
		fields["bytes"] = len(out.Image)
	}
	s.record(sessionID, events.RenderOutcome, fields)
}

// record appends a lifecycle event and publishes it to stream subscribers.
func (s *Server) record(sessionID, eventType string, fields map[string]any) {
	if s.eventStore == nil {
		return
	}
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	record, err := s.eventStore.Append(events.Event{Type: eventType, Session: sessionID, Fields: fields})
	if err != nil {
		s.log.Warn("append lifecycle event", "session", sessionID, "type", eventType, "err", err)
		return
	}
	msg := &sse.Message{ID: sse.ID(record.ID)}
	msg.AppendData(record.Payload)
	_ = s.sseProvider.Publish(msg, []string{sessionID})
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownMu.Do(func() {
		_ = s.sseProvider.Shutdown(ctx)
	})
	return ctx.Err()
}

func (s *Server) allowClient(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return config.IsAllowedClient(ip, s.cfg.AllowCIDRs)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
