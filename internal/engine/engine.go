// Package engine defines the contract between a render session and the
// rendering engine that does the actual navigation, layout and compositing.
//
// The engine is driven by batches of events (SubmitEvents) and reports
// progress back through a Host: load lifecycle callbacks and a Waker that
// tells the session "call SubmitEvents again". Engines do their slow work on
// their own goroutines; every method here must return promptly.
package engine

import (
	"errors"
	"net/url"
)

//go:generate mockgen -package=engine -destination=mock_engine.go pageshot-go/internal/engine Engine

// BrowsingContextID identifies one page instance inside an engine.
type BrowsingContextID string

// Size is a width/height pair in pixels.
type Size struct {
	Width  int
	Height int
}

// Engine is one engine instance, bound to exactly one rendering context.
type Engine interface {
	// SubmitEvents processes the batch and then drains the engine's internal
	// queue. The result reports whether the engine's run loop is still active.
	SubmitEvents(events []Event) bool
	// Deinitialize stops the engine and joins its goroutines. Idempotent.
	Deinitialize()
}

// Waker is handed to the engine at construction. Wake must never block.
type Waker interface {
	Wake()
}

// RenderingContext stands in for a native graphics context. Rows read back
// with ReadPixels are ordered bottom-to-top.
type RenderingContext interface {
	Size() Size
	// Draw replaces the back buffer with top-down RGBA8 rows.
	Draw(topDown []byte) error
	// SwapBuffers makes the back buffer visible to ReadPixels.
	SwapBuffers() error
	// ReadPixels returns the visible buffer as bottom-up RGBA8 rows.
	ReadPixels() ([]byte, error)
	Resize(size Size) error
	// Release frees the context. A second call returns ErrContextReleased.
	Release() error
}

// Host is what the engine sees of its embedder. Callbacks may arrive on any
// goroutine.
type Host interface {
	RenderingContext() RenderingContext
	FramebufferSize() Size
	LogicalSize() Size
	ScaleFactor() float64
	Present() error
	Waker() Waker

	OnLoadStart(id BrowsingContextID)
	OnLoadEnd(id BrowsingContextID)
	OnLoadError(id BrowsingContextID, err error)
}

// Backend constructs rendering contexts and engines of one flavor.
type Backend interface {
	Name() string
	// Describe returns human-readable diagnostics (vendor, version) for logs.
	Describe() string
	NewRenderingContext(size Size) (RenderingContext, error)
	NewEngine(host Host) (Engine, error)
	Close() error
}

var (
	ErrContextReleased = errors.New("rendering context released")
	ErrUnknownBackend  = errors.New("unknown engine backend")
	ErrSizeMismatch    = errors.New("pixel buffer does not match context size")
)

// Event is one entry of a SubmitEvents batch.
type Event interface {
	eventName() string
}

// NewBrowsingContext asks the engine to open a page for URL. The engine must
// send the new id on Reply before SubmitEvents returns.
type NewBrowsingContext struct {
	URL   *url.URL
	Reply chan<- BrowsingContextID
}

// SelectBrowsingContext makes ID the active (painted) page.
type SelectBrowsingContext struct {
	ID BrowsingContextID
}

// CloseBrowsingContext closes the page. Acknowledged asynchronously.
type CloseBrowsingContext struct {
	ID BrowsingContextID
}

// Refresh forces a synchronous composite of the active page.
type Refresh struct{}

// Quit begins engine shutdown. SubmitEvents returns false once it is done.
type Quit struct{}

func (NewBrowsingContext) eventName() string    { return "new_browsing_context" }
func (SelectBrowsingContext) eventName() string { return "select_browsing_context" }
func (CloseBrowsingContext) eventName() string  { return "close_browsing_context" }
func (Refresh) eventName() string               { return "refresh" }
func (Quit) eventName() string                  { return "quit" }

// EventName returns a stable name for logging.
func EventName(ev Event) string {
	if ev == nil {
		return "none"
	}
	return ev.eventName()
}
