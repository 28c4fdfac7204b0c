// Package session owns every native resource a single render request needs
// and tears them down exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/oklog/ulid/v2"

	"pageshot-go/internal/engine"
	"pageshot-go/internal/wake"
	"pageshot-go/internal/window"
)

var (
	ErrClosed            = errors.New("session closed")
	ErrAlreadyNavigated  = errors.New("session already navigated")
	ErrNoBrowsingContext = errors.New("engine did not hand over a browsing context")
	ErrEngineHalted      = errors.New("engine halted")
)

type Options struct {
	Logical engine.Size
	Scale   float64
	Logger  *log.Logger
	OnLoad window.LoadObserver
}

// Session is the aggregate owner of one rendering context, one engine, one
// headless window and the consumer end of one wake bridge.
type Session struct {
	id  string
	log *log.Logger

	// mu serializes every call into the engine and the rendering context.
	mu  sync.Mutex
	rc  engine.RenderingContext
	win *window.Headless
	eng engine.Engine

	sender   *wake.Sender
	receiver *wake.Receiver

	navigated bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New acquires a rendering context, a window bound to it, an engine bound to
// the window, and the wake consumer, in that order. On failure everything
// already acquired is released.
func New(backend engine.Backend, opts Options) (*Session, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", engine.ErrUnknownBackend)
	}
	if opts.Logical.Width <= 0 || opts.Logical.Height <= 0 {
		return nil, fmt.Errorf("invalid logical size %dx%d", opts.Logical.Width, opts.Logical.Height)
	}
	if opts.Scale <= 0 {
		opts.Scale = 1
	}
	id := ulid.Make().String()
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("session", id)

	rc, err := backend.NewRenderingContext(window.DeviceSize(opts.Logical, opts.Scale))
	if err != nil {
		return nil, fmt.Errorf("create rendering context: %w", err)
	}
	sender, receiver := wake.New()
	win := window.NewHeadless(rc, opts.Logical, opts.Scale, sender, logger)
	if opts.OnLoad != nil {
		win.SetLoadObserver(opts.OnLoad)
	}
	eng, err := backend.NewEngine(win)
	if err != nil {
		sender.Close()
		_ = rc.Release()
		return nil, fmt.Errorf("create engine: %w", err)
	}

	size := win.FramebufferSize()
	logger.Debug("session created", "backend", backend.Name(), "device_width", size.Width, "device_height", size.Height)
	return &Session{
		id:       id,
		log:      logger,
		rc:       rc,
		win:      win,
		eng:      eng,
		sender:   sender,
		receiver: receiver,
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Window() window.Window { return s.win }

// HandleEvents submits a batch to the engine and returns should_continue.
// After Close it returns false without touching the engine.
func (s *Session) HandleEvents(events ...engine.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		s.log.Error("handle_events after deinit")
		return false
	}
	return s.eng.SubmitEvents(events)
}

// Navigate opens the single browsing context of this session and selects it.
// The engine hands the id over before SubmitEvents returns, so nothing here
// waits on the engine.
func (s *Session) Navigate(ctx context.Context, target *url.URL) (engine.BrowsingContextID, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoBrowsingContext, err)
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if s.navigated {
		s.mu.Unlock()
		return "", ErrAlreadyNavigated
	}
	s.navigated = true
	s.mu.Unlock()

	reply := make(chan engine.BrowsingContextID, 1)
	shouldContinue := s.HandleEvents(engine.NewBrowsingContext{URL: target, Reply: reply})

	var id engine.BrowsingContextID
	select {
	case id = <-reply:
	default:
	}
	if !shouldContinue {
		return "", fmt.Errorf("%w: %w", ErrNoBrowsingContext, ErrEngineHalted)
	}
	if id == "" {
		return "", ErrNoBrowsingContext
	}
	s.HandleEvents(engine.SelectBrowsingContext{ID: id})
	s.log.Debug("browsing context selected", "context", id, "url", target.String())
	return id, nil
}

func (s *Session) WaitWake(ctx context.Context) error {
	return s.receiver.Receive(ctx)
}

func (s *Session) LoadEnded() bool {
	return s.win.LoadEnded()
}

func (s *Session) ForceRefresh() {
	s.HandleEvents(engine.Refresh{})
}

func (s *Session) CaptureFramebuffer() ([]byte, engine.Size, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, engine.Size{}, ErrClosed
	}
	px, err := s.win.CaptureFramebuffer()
	if err != nil {
		return nil, engine.Size{}, err
	}
	return px, s.win.FramebufferSize(), nil
}

func (s *Session) WakeStats() (sent, coalesced, received int64) {
	return s.sender.Sent(), s.sender.Coalesced(), s.receiver.Received()
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close deinitializes the engine, then releases the rendering context. Only
// the first call does any work; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed.Store(true)

		s.log.Debug("engine deinit start")
		s.eng.Deinitialize()
		s.log.Debug("engine deinit complete")

		s.sender.Close()
		if err := s.rc.Release(); err != nil {
			s.closeErr = fmt.Errorf("release rendering context: %w", err)
		}
	})
	return s.closeErr
}
