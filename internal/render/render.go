// Package render drives one session from navigation to a terminal outcome.
//
// The engine reports progress only through edge-triggered wakes and the
// number of wakes it needs is not known in advance, so the machine re-reads
// should_continue and load_ended after every wake. The bridge receive is the
// only place it suspends.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"pageshot-go/internal/engine"
	"pageshot-go/internal/screenshot"
	"pageshot-go/internal/wake"
)

// HaltedBeforeLoad is the diagnostic for an engine that stopped before the
// page finished loading.
const HaltedBeforeLoad = "engine stopped responding before page load completed"

// DeadlineExceeded is the diagnostic for a render that ran past its deadline.
const DeadlineExceeded = "render deadline exceeded"

// Driver is the part of a session the machine borrows.
type Driver interface {
	HandleEvents(events ...engine.Event) bool
	WaitWake(ctx context.Context) error
	LoadEnded() bool
	ForceRefresh()
	CaptureFramebuffer() ([]byte, engine.Size, error)
}

// State is one of WaitingForOnload, Closing, Ready or Error.
type State interface {
	Name() string
	terminal() bool
}

type WaitingForOnload struct {
	ContextID engine.BrowsingContextID
	Start     time.Time
}

type Closing struct {
	ContextID engine.BrowsingContextID
	Image     []byte
}

type Ready struct {
	Outcome Outcome
}

type Error struct {
	Err *FatalError
}

func (WaitingForOnload) Name() string { return "waiting_for_onload" }
func (Closing) Name() string          { return "closing" }
func (Ready) Name() string            { return "ready" }
func (Error) Name() string            { return "error" }

func (WaitingForOnload) terminal() bool { return false }
func (Closing) terminal() bool          { return false }
func (Ready) terminal() bool            { return true }
func (Error) terminal() bool            { return true }

type OutcomeKind int

const (
	Success OutcomeKind = iota
	EngineHalted
	Fatal
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case EngineHalted:
		return "engine_halted"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the terminal result of a render.
type Outcome struct {
	Kind       OutcomeKind
	Image      []byte
	Diagnostic string
	Err        error
}

// FatalError is a broken invariant: the bridge closed under a live session,
// or the capture step produced a buffer the encoder cannot accept.
type FatalError struct {
	State string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal in %s: %v", e.State, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Phase names a timed section of a render.
type Phase string

const (
	PhaseOnload    Phase = "onload"
	PhaseComposite Phase = "composite"
	PhaseEncode    Phase = "encode"
)

// Hooks observe a run. Both are optional and are called on the run's
// goroutine.
type Hooks struct {
	Transition func(from, to State)
	Timing     func(phase Phase, d time.Duration)
}

// Machine is a single-use render state machine.
type Machine struct {
	driver Driver
	log    *log.Logger
	hooks  Hooks
	state  State
	polls  int
	now    func() time.Time
}

// New starts a machine in WaitingForOnload for the selected context.
func New(driver Driver, id engine.BrowsingContextID, logger *log.Logger, hooks Hooks) *Machine {
	if logger == nil {
		logger = log.Default()
	}
	m := &Machine{
		driver: driver,
		log:    logger,
		hooks:  hooks,
		now:    time.Now,
	}
	m.state = WaitingForOnload{ContextID: id, Start: m.now()}
	return m
}

func (m *Machine) State() State { return m.state }

// Polls reports how many wakes the machine has consumed.
func (m *Machine) Polls() int { return m.polls }

// Run advances the machine until it reaches Ready or Error. A ctx deadline
// ends the wait for onload with EngineHalted; it never skips teardown, which
// belongs to the session owner.
func (m *Machine) Run(ctx context.Context) Outcome {
	for !m.state.terminal() {
		var next State
		switch s := m.state.(type) {
		case WaitingForOnload:
			next = m.waitingForOnload(ctx, s)
		case Closing:
			next = m.closing(ctx, s)
		}
		m.transition(next)
	}
	switch s := m.state.(type) {
	case Ready:
		return s.Outcome
	case Error:
		return Outcome{Kind: Fatal, Diagnostic: s.Err.Error(), Err: s.Err}
	}
	panic("render: unreachable terminal state " + m.state.Name())
}

func (m *Machine) waitingForOnload(ctx context.Context, s WaitingForOnload) State {
	m.log.Debug("waiting for onload")
	if err := m.driver.WaitWake(ctx); err != nil {
		return m.wakeFailed(s, err)
	}
	m.polls++

	shouldContinue := m.driver.HandleEvents()
	loadEnded := m.driver.LoadEnded()
	m.log.Debug("pumped", "state", s.Name(), "should_continue", shouldContinue, "load_ended", loadEnded)

	switch {
	case loadEnded:
		return m.capture(s)
	case shouldContinue:
		return s
	default:
		return Ready{Outcome: Outcome{Kind: EngineHalted, Diagnostic: HaltedBeforeLoad}}
	}
}

// capture runs the load-ended branch: extra pump, forced refresh, readback,
// encode, then close and quit.
func (m *Machine) capture(s WaitingForOnload) State {
	loadEndedAt := m.now()

	// Without this pump the refresh has nothing queued to react to and the
	// readback can be blank.
	m.driver.HandleEvents()
	m.log.Debug("recompositing")
	m.driver.ForceRefresh()

	raw, size, err := m.driver.CaptureFramebuffer()
	if err != nil {
		return Error{Err: &FatalError{State: s.Name(), Err: fmt.Errorf("capture framebuffer: %w", err)}}
	}
	compositedAt := m.now()

	m.log.Debug("encoding png", "pixels", len(raw), "width", size.Width, "height", size.Height)
	img, err := screenshot.Encode(raw, size.Width, size.Height)
	if err != nil {
		return Error{Err: &FatalError{State: s.Name(), Err: err}}
	}
	encodedAt := m.now()

	onload := loadEndedAt.Sub(s.Start)
	composite := compositedAt.Sub(loadEndedAt)
	encode := encodedAt.Sub(compositedAt)
	m.timing(PhaseOnload, onload)
	m.timing(PhaseComposite, composite)
	m.timing(PhaseEncode, encode)
	m.log.Info("rendered",
		"bytes", len(img),
		"onload", onload.Round(100*time.Microsecond),
		"composite", composite.Round(100*time.Microsecond),
		"encode", encode.Round(100*time.Microsecond),
	)

	m.driver.HandleEvents(engine.CloseBrowsingContext{ID: s.ContextID}, engine.Quit{})
	return Closing{ContextID: s.ContextID, Image: img}
}

func (m *Machine) closing(ctx context.Context, s Closing) State {
	if !m.driver.HandleEvents() {
		m.log.Debug("engine acknowledged shutdown")
		return Ready{Outcome: Outcome{Kind: Success, Image: s.Image}}
	}
	if err := m.driver.WaitWake(ctx); err != nil {
		return m.wakeFailed(s, err)
	}
	m.polls++
	return s
}

func (m *Machine) wakeFailed(s State, err error) State {
	if errors.Is(err, wake.ErrClosed) {
		return Error{Err: &FatalError{State: s.Name(), Err: err}}
	}
	// Deadline or cancellation.
	if c, ok := s.(Closing); ok {
		// The image is complete; the engine is torn down with the session.
		m.log.Warn("engine did not acknowledge shutdown before deadline", "err", err)
		return Ready{Outcome: Outcome{Kind: Success, Image: c.Image}}
	}
	return Ready{Outcome: Outcome{Kind: EngineHalted, Diagnostic: DeadlineExceeded, Err: err}}
}

func (m *Machine) transition(next State) {
	prev := m.state
	m.state = next
	if prev.Name() == next.Name() {
		return
	}
	m.log.Debug("transition", "from", prev.Name(), "to", next.Name())
	if m.hooks.Transition != nil {
		m.hooks.Transition(prev, next)
	}
}

func (m *Machine) timing(phase Phase, d time.Duration) {
	if m.hooks.Timing != nil {
		m.hooks.Timing(phase, d)
	}
}
