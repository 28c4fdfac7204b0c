// Package window holds the embedder-side window abstraction an engine renders
// into. Only the headless flavor exists; an interactive window would satisfy
// the same Window interface.
package window

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"pageshot-go/internal/engine"
)

// Window is the capability set the render pipeline needs from a window.
type Window interface {
	Resize(size engine.Size)
	Present() error
	CaptureFramebuffer() ([]byte, error)
	FramebufferSize() engine.Size
	LogicalSize() engine.Size
	ScaleFactor() float64
	LoadEnded() bool
}

type LoadObserver func(kind string, id engine.BrowsingContextID, err error)

// Headless is a window without a display, backed by an offscreen context.
type Headless struct {
	rc    engine.RenderingContext
	waker engine.Waker
	log   *log.Logger

	mu      sync.RWMutex
	logical engine.Size
	scale   float64

	loadEnded atomic.Bool
	observer  LoadObserver
}

var (
	_ Window      = (*Headless)(nil)
	_ engine.Host = (*Headless)(nil)
)

func NewHeadless(rc engine.RenderingContext, logical engine.Size, scale float64, waker engine.Waker, logger *log.Logger) *Headless {
	if scale <= 0 {
		scale = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Headless{
		rc:      rc,
		waker:   waker,
		log:     logger,
		logical: logical,
		scale:   scale,
	}
}

func DeviceSize(logical engine.Size, scale float64) engine.Size {
	return engine.Size{
		Width:  int(math.Round(float64(logical.Width) * scale)),
		Height: int(math.Round(float64(logical.Height) * scale)),
	}
}

func (w *Headless) SetLoadObserver(fn LoadObserver) {
	w.observer = fn
}

func (w *Headless) Resize(size engine.Size) {
	w.log.Warn("resize requested on headless window", "width", size.Width, "height", size.Height)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rc.Resize(DeviceSize(size, w.scale)); err != nil {
		w.log.Error("resize failed", "err", err)
		return
	}
	w.logical = size
}

func (w *Headless) Present() error {
	return w.rc.SwapBuffers()
}

func (w *Headless) CaptureFramebuffer() ([]byte, error) {
	return w.rc.ReadPixels()
}

func (w *Headless) FramebufferSize() engine.Size {
	return w.rc.Size()
}

func (w *Headless) LogicalSize() engine.Size {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.logical
}

func (w *Headless) ScaleFactor() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.scale
}

func (w *Headless) LoadEnded() bool {
	return w.loadEnded.Load()
}

func (w *Headless) RenderingContext() engine.RenderingContext { return w.rc }

func (w *Headless) Waker() engine.Waker { return w.waker }

func (w *Headless) OnLoadStart(id engine.BrowsingContextID) {
	w.log.Debug("load started", "context", id)
	w.notify("load.started", id, nil)
}

// OnLoadEnd latches the load flag. Later calls are ignored.
func (w *Headless) OnLoadEnd(id engine.BrowsingContextID) {
	if !w.loadEnded.CompareAndSwap(false, true) {
		return
	}
	w.log.Debug("load ended", "context", id)
	w.notify("load.ended", id, nil)
}

func (w *Headless) OnLoadError(id engine.BrowsingContextID, err error) {
	w.log.Info("load error", "context", id, "err", err)
	w.notify("load.failed", id, err)
}

func (w *Headless) notify(kind string, id engine.BrowsingContextID, err error) {
	if w.observer != nil {
		w.observer(kind, id, err)
	}
}
