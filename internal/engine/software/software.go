// Package software is an in-process engine that rasterizes a synthetic page
// for each locator with gogpu/gg. Loads complete on background goroutines and
// surface through the host's waker, like a real engine's would.
//
// Test hosts change its behavior:
//
//	*.halt.test    the engine stops before the load completes
//	*.slow.test    the load reports progress over several wakes
//	RRGGBB.color.test  the page is a single solid color
package software

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gogpu/gg"
	"github.com/google/uuid"

	"pageshot-go/internal/engine"
	"pageshot-go/internal/surface"
)

const Name = "software"

const (
	slowSteps    = 3
	slowInterval = 5 * time.Millisecond
)

var errHalted = errors.New("engine halted before load")

func init() {
	engine.Register(Name, Open)
}

type Backend struct {
	log *log.Logger
}

func Open(engine.Options) (engine.Backend, error) {
	return &Backend{log: log.Default().WithPrefix(Name)}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Describe() string {
	return "software rasterizer (gogpu/gg), offscreen RGBA8 double buffer"
}

func (b *Backend) NewRenderingContext(size engine.Size) (engine.RenderingContext, error) {
	return surface.NewOffscreen(size)
}

func (b *Backend) NewEngine(host engine.Host) (engine.Engine, error) {
	size := host.FramebufferSize()
	b.log.Debug("engine created", "width", size.Width, "height", size.Height)
	return New(host), nil
}

func (b *Backend) Close() error { return nil }

type (
	loadedMsg   struct{ id engine.BrowsingContextID }
	progressMsg struct{ id engine.BrowsingContextID }
	haltedMsg   struct{ id engine.BrowsingContextID }
	closedMsg   struct{ id engine.BrowsingContextID }
	quitAckMsg  struct{}
)

type page struct {
	id     engine.BrowsingContextID
	url    *url.URL
	loaded bool
	scene  []byte // top-down RGBA8 at framebuffer size
}

type Engine struct {
	host engine.Host

	mu           sync.Mutex
	queue        []any
	pages        map[engine.BrowsingContextID]*page
	active       engine.BrowsingContextID
	paintPending bool
	quitting     bool
	stopped      bool

	wg       sync.WaitGroup
	done     chan struct{}
	deinitMu sync.Once
}

var _ engine.Engine = (*Engine)(nil)

func New(host engine.Host) *Engine {
	return &Engine{
		host:  host,
		pages: make(map[engine.BrowsingContextID]*page),
		done:  make(chan struct{}),
	}
}

// SubmitEvents applies the batch, then drains whatever background work has
// posted since the last call.
func (e *Engine) SubmitEvents(events []engine.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}

	for _, ev := range events {
		switch ev := ev.(type) {
		case engine.NewBrowsingContext:
			e.open(ev)
		case engine.SelectBrowsingContext:
			e.active = ev.ID
		case engine.CloseBrowsingContext:
			e.spawn(func() { e.post(closedMsg{id: ev.ID}) })
		case engine.Refresh:
			e.composite()
		case engine.Quit:
			if !e.quitting {
				e.quitting = true
				e.spawn(func() { e.post(quitAckMsg{}) })
			}
		}
	}
	e.drain()
	return !e.stopped
}

func (e *Engine) open(ev engine.NewBrowsingContext) {
	id := engine.BrowsingContextID(uuid.NewString())
	p := &page{id: id, url: ev.URL}
	e.pages[id] = p
	if ev.Reply != nil {
		select {
		case ev.Reply <- id:
		default:
		}
	}

	host := ""
	if ev.URL != nil {
		host = strings.ToLower(ev.URL.Hostname())
	}
	e.spawn(func() {
		e.host.OnLoadStart(id)
		switch {
		case strings.HasSuffix(host, ".halt.test"):
			e.post(haltedMsg{id: id})
		case strings.HasSuffix(host, ".slow.test"):
			for i := 0; i < slowSteps; i++ {
				select {
				case <-e.done:
					return
				case <-time.After(slowInterval):
				}
				e.post(progressMsg{id: id})
			}
			e.post(loadedMsg{id: id})
		default:
			e.post(loadedMsg{id: id})
		}
	})
}

func (e *Engine) spawn(fn func()) {
	select {
	case <-e.done:
		return
	default:
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) post(msg any) {
	select {
	case <-e.done:
		return
	default:
	}
	e.mu.Lock()
	e.queue = append(e.queue, msg)
	e.mu.Unlock()
	e.host.Waker().Wake()
}

// drain paints pages whose load finished on an earlier drain, then handles
// queued messages. Caller holds e.mu.
func (e *Engine) drain() {
	if e.paintPending {
		e.paintPending = false
		size := e.host.FramebufferSize()
		for _, p := range e.pages {
			if p.loaded && p.scene == nil {
				scene, err := paint(p.url, size)
				if err != nil {
					e.host.OnLoadError(p.id, fmt.Errorf("paint: %w", err))
					continue
				}
				p.scene = scene
			}
		}
	}

	queue := e.queue
	e.queue = nil
	for _, msg := range queue {
		switch msg := msg.(type) {
		case loadedMsg:
			if p, ok := e.pages[msg.id]; ok {
				p.loaded = true
				e.paintPending = true
				e.host.OnLoadEnd(msg.id)
			}
		case progressMsg:
		case haltedMsg:
			e.host.OnLoadError(msg.id, errHalted)
			e.stopped = true
		case closedMsg:
			delete(e.pages, msg.id)
			if e.active == msg.id {
				e.active = ""
			}
		case quitAckMsg:
			e.stopped = true
		}
	}
}

// composite uploads the active page's scene, or a cleared frame if it has not
// been painted yet, and presents it.
func (e *Engine) composite() {
	rc := e.host.RenderingContext()
	size := rc.Size()
	frame := make([]byte, size.Width*size.Height*4)
	if p, ok := e.pages[e.active]; ok && p.scene != nil && len(p.scene) == len(frame) {
		frame = p.scene
	}
	if err := rc.Draw(frame); err != nil {
		e.host.OnLoadError(e.active, fmt.Errorf("composite: %w", err))
		return
	}
	if err := e.host.Present(); err != nil {
		e.host.OnLoadError(e.active, fmt.Errorf("present: %w", err))
	}
}

// Deinitialize stops background work and waits for it. Safe to call more
// than once.
func (e *Engine) Deinitialize() {
	e.deinitMu.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.mu.Lock()
		e.stopped = true
		e.pages = map[engine.BrowsingContextID]*page{}
		e.queue = nil
		e.mu.Unlock()
	})
}

// paint rasterizes the synthetic page for u at size.
func paint(u *url.URL, size engine.Size) ([]byte, error) {
	pm := gg.NewPixmap(size.Width, size.Height)
	dc := gg.NewContext(size.Width, size.Height, gg.WithPixmap(pm))
	defer dc.Close()

	locator := ""
	host := ""
	if u != nil {
		locator = u.String()
		host = strings.ToLower(u.Hostname())
	}

	if hex, ok := strings.CutSuffix(host, ".color.test"); ok {
		dc.ClearWithColor(gg.Hex(hex))
	} else {
		h := fnv.New32a()
		_, _ = h.Write([]byte(locator))
		sum := h.Sum32()

		w, ht := float64(size.Width), float64(size.Height)
		dc.ClearWithColor(gg.HSL(float64(sum%360), 0.35, 0.92))

		dc.SetRGB(0.12, 0.12, 0.16)
		dc.DrawRectangle(0, 0, w, ht/10)
		if err := dc.Fill(); err != nil {
			return nil, err
		}

		// Content blocks, one per nibble of the hash.
		for i := 0; i < 4; i++ {
			n := float64((sum >> (i * 4)) & 0xf)
			dc.SetColor(gg.HSL(float64((sum>>8)%360)+float64(i)*40, 0.5, 0.55).Color())
			dc.DrawRectangle(w*0.08, ht*(0.16+0.2*float64(i)), w*(0.3+0.04*n), ht*0.12)
			if err := dc.Fill(); err != nil {
				return nil, err
			}
		}
	}

	if err := dc.FlushGPU(); err != nil {
		return nil, err
	}
	return pm.Data(), nil
}
