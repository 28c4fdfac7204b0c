// Package cdp drives a headless Chrome over the DevTools protocol. Each engine
// gets its own incognito browser context on a shared connection; page loads
// and screenshots run on background goroutines and report back through the
// host's waker.
package cdp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"net/url"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"pageshot-go/internal/engine"
	"pageshot-go/internal/surface"
)

const Name = "cdp"

func init() {
	engine.Register(Name, Open)
}

type Backend struct {
	log      *log.Logger
	browser  *rod.Browser
	launcher *launcher.Launcher
	version  *proto.BrowserGetVersionResult
}

// Open connects to opts.ChromeURL, or launches a headless Chrome
// (opts.ChromeBin if set) and connects to it.
func Open(opts engine.Options) (engine.Backend, error) {
	b := &Backend{log: log.Default().WithPrefix(Name)}

	controlURL := opts.ChromeURL
	if controlURL == "" {
		l := launcher.New().Headless(true)
		if opts.ChromeBin != "" {
			l = l.Bin(opts.ChromeBin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		b.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		b.killLauncher()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	b.browser = browser

	version, err := proto.BrowserGetVersion{}.Call(browser)
	if err != nil {
		b.log.Warn("browser version unavailable", "err", err)
	}
	b.version = version
	return b, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Describe() string {
	if b.version == nil {
		return "chrome devtools (version unknown)"
	}
	return fmt.Sprintf("%s, protocol %s, %s", b.version.Product, b.version.ProtocolVersion, b.version.JsVersion)
}

func (b *Backend) NewRenderingContext(size engine.Size) (engine.RenderingContext, error) {
	return surface.NewOffscreen(size)
}

func (b *Backend) NewEngine(host engine.Host) (engine.Engine, error) {
	incognito, err := b.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	return newEngine(host, incognito, b.log), nil
}

func (b *Backend) Close() error {
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	b.killLauncher()
	return err
}

func (b *Backend) killLauncher() {
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher.Cleanup()
		b.launcher = nil
	}
}

type (
	capturedMsg struct {
		id    engine.BrowsingContextID
		frame []byte
	}
	failedMsg struct {
		id  engine.BrowsingContextID
		err error
	}
	closedMsg  struct{ id engine.BrowsingContextID }
	quitAckMsg struct{}
)

type tab struct {
	id      engine.BrowsingContextID
	url     *url.URL
	page    *rod.Page
	pending []byte // captured, not yet composited
	frame   []byte // top-down RGBA8 at framebuffer size
}

type Engine struct {
	host      engine.Host
	incognito *rod.Browser
	log       *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	queue        []any
	tabs         map[engine.BrowsingContextID]*tab
	active       engine.BrowsingContextID
	paintPending bool
	quitting     bool
	stopped      bool

	deinitOnce sync.Once
}

var _ engine.Engine = (*Engine)(nil)

func newEngine(host engine.Host, incognito *rod.Browser, logger *log.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		host:      host,
		incognito: incognito,
		log:       logger,
		ctx:       ctx,
		cancel:    cancel,
		tabs:      make(map[engine.BrowsingContextID]*tab),
	}
}

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
			t := e.tabs[ev.ID]
			e.spawn(func() {
				if t != nil && t.page != nil {
					if err := t.page.Close(); err != nil {
						e.log.Debug("close page", "context", ev.ID, "err", err)
					}
				}
				e.post(closedMsg{id: ev.ID})
			})
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
	t := &tab{id: id, url: ev.URL}
	e.tabs[id] = t
	if ev.Reply != nil {
		select {
		case ev.Reply <- id:
		default:
		}
	}
	e.spawn(func() {
		e.host.OnLoadStart(id)
		frame, err := e.load(t)
		if err != nil {
			e.post(failedMsg{id: id, err: err})
			return
		}
		e.post(capturedMsg{id: id, frame: frame})
	})
}

// load opens the page, waits for its load event and screenshots it at the
// host's framebuffer size. Runs off the event loop.
func (e *Engine) load(t *tab) ([]byte, error) {
	if t.url == nil {
		return nil, errors.New("no url")
	}
	page, err := e.incognito.Context(e.ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	e.mu.Lock()
	t.page = page
	e.mu.Unlock()

	logical := e.host.LogicalSize()
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             logical.Width,
		Height:            logical.Height,
		DeviceScaleFactor: e.host.ScaleFactor(),
		Mobile:            false,
	}).Call(page); err != nil {
		e.log.Warn("failed to set viewport", "err", err)
	}

	if err := page.Navigate(t.url.String()); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}
	shot, err := page.Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return Frame(shot, e.host.FramebufferSize())
}

// Frame decodes a PNG screenshot into top-down RGBA8 rows of exactly size,
// cropping or padding with transparent pixels.
func Frame(shot []byte, size engine.Size) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(shot))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, size.Width, size.Height))
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst.Pix, nil
}

func (e *Engine) spawn(fn func()) {
	if e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) post(msg any) {
	if e.ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, msg)
	e.mu.Unlock()
	e.host.Waker().Wake()
}

// drain promotes frames captured before the previous drain, then handles
// queued messages. Caller holds e.mu.
func (e *Engine) drain() {
	if e.paintPending {
		e.paintPending = false
		for _, t := range e.tabs {
			if t.pending != nil {
				t.frame, t.pending = t.pending, nil
			}
		}
	}

	queue := e.queue
	e.queue = nil
	for _, msg := range queue {
		switch msg := msg.(type) {
		case capturedMsg:
			if t, ok := e.tabs[msg.id]; ok {
				t.pending = msg.frame
				e.paintPending = true
				e.host.OnLoadEnd(msg.id)
			}
		case failedMsg:
			e.host.OnLoadError(msg.id, msg.err)
			e.stopped = true
		case closedMsg:
			delete(e.tabs, msg.id)
			if e.active == msg.id {
				e.active = ""
			}
		case quitAckMsg:
			e.stopped = true
		}
	}
}

func (e *Engine) composite() {
	rc := e.host.RenderingContext()
	size := rc.Size()
	frame := make([]byte, size.Width*size.Height*4)
	if t, ok := e.tabs[e.active]; ok && len(t.frame) == len(frame) {
		frame = t.frame
	}
	if err := rc.Draw(frame); err != nil {
		e.host.OnLoadError(e.active, fmt.Errorf("composite: %w", err))
		return
	}
	if err := e.host.Present(); err != nil {
		e.host.OnLoadError(e.active, fmt.Errorf("present: %w", err))
	}
}

// Deinitialize aborts in-flight loads, waits for them and disposes the
// incognito context with its pages.
func (e *Engine) Deinitialize() {
	e.deinitOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.mu.Lock()
		e.stopped = true
		e.tabs = map[engine.BrowsingContextID]*tab{}
		e.queue = nil
		e.mu.Unlock()
		if err := e.incognito.Close(); err != nil {
			e.log.Debug("dispose browser context", "err", err)
		}
	})
}
