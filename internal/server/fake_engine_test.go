package server

import (
	"strings"
	"sync"
	"sync/atomic"

	"pageshot-go/internal/engine"
	"pageshot-go/internal/surface"
)

// fakeBackend hands out scripted engines that load on the second wake and
// paint a solid red frame.
type fakeBackend struct {
	// truncate makes every rendering context read back a short buffer.
	truncate bool

	engines   atomic.Int64
	deinits   atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
}

func (b *fakeBackend) Name() string     { return "fake" }
func (b *fakeBackend) Describe() string { return "scripted test engine" }
func (b *fakeBackend) Close() error     { return nil }

func (b *fakeBackend) NewRenderingContext(size engine.Size) (engine.RenderingContext, error) {
	rc, err := surface.NewOffscreen(size)
	if err != nil {
		return nil, err
	}
	if b.truncate {
		return truncatingContext{rc}, nil
	}
	return rc, nil
}

func (b *fakeBackend) NewEngine(host engine.Host) (engine.Engine, error) {
	b.engines.Add(1)
	n := b.active.Add(1)
	for {
		prev := b.maxActive.Load()
		if n <= prev || b.maxActive.CompareAndSwap(prev, n) {
			break
		}
	}
	return &fakeEngine{backend: b, host: host}, nil
}

type truncatingContext struct {
	engine.RenderingContext
}

func (c truncatingContext) ReadPixels() ([]byte, error) {
	px, err := c.RenderingContext.ReadPixels()
	if err != nil {
		return nil, err
	}
	return px[:len(px)/2], nil
}

type fakeEngine struct {
	backend *fakeBackend
	host    engine.Host

	mu       sync.Mutex
	host4url string
	pumps    int
	loaded   bool
	quitting bool
	once     sync.Once
}

func (e *fakeEngine) SubmitEvents(events []engine.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ev := range events {
		switch ev := ev.(type) {
		case engine.NewBrowsingContext:
			e.host4url = ev.URL.Hostname()
			if !strings.HasPrefix(e.host4url, "nohandoff.") {
				ev.Reply <- "fake-context"
			}
		case engine.Refresh:
			rc := e.host.RenderingContext()
			size := rc.Size()
			frame := make([]byte, 0, size.Width*size.Height*4)
			for i := 0; i < size.Width*size.Height; i++ {
				frame = append(frame, 255, 0, 0, 255)
			}
			_ = rc.Draw(frame)
			_ = e.host.Present()
		case engine.Quit:
			e.quitting = true
		}
	}

	switch {
	case strings.HasPrefix(e.host4url, "hang."):
		// Never wakes again after navigation.
		if len(events) > 0 {
			e.host.Waker().Wake()
		}
		return true
	case e.quitting:
		if len(events) > 0 {
			e.host.Waker().Wake()
			return true
		}
		return false
	case len(events) > 0:
		e.host.Waker().Wake()
		return true
	}

	e.pumps++
	if strings.HasPrefix(e.host4url, "halt.") {
		return false
	}
	if e.pumps == 2 && !e.loaded {
		e.loaded = true
		e.host.OnLoadEnd("fake-context")
	}
	if !e.loaded {
		e.host.Waker().Wake()
	}
	return true
}

func (e *fakeEngine) Deinitialize() {
	e.once.Do(func() {
		e.backend.deinits.Add(1)
		e.backend.active.Add(-1)
	})
}
