package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pageshot-go/internal/engine"
	"pageshot-go/internal/surface"
)

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

func newTestWindow(t *testing.T) (*Headless, *surface.Offscreen) {
	t.Helper()
	logical := engine.Size{Width: 4, Height: 3}
	rc, err := surface.NewOffscreen(DeviceSize(logical, 2))
	require.NoError(t, err)
	return NewHeadless(rc, logical, 2, &countingWaker{}, nil), rc
}

func TestDeviceSize(t *testing.T) {
	assert.Equal(t, engine.Size{Width: 2048, Height: 1536}, DeviceSize(engine.Size{Width: 1024, Height: 768}, 2))
	assert.Equal(t, engine.Size{Width: 15, Height: 8}, DeviceSize(engine.Size{Width: 10, Height: 5}, 1.5))
}

func TestLoadEndedLatchesOnce(t *testing.T) {
	w, _ := newTestWindow(t)

	var seen []string
	w.SetLoadObserver(func(kind string, id engine.BrowsingContextID, err error) {
		seen = append(seen, kind)
	})

	assert.False(t, w.LoadEnded())
	w.OnLoadStart("a")
	w.OnLoadEnd("a")
	w.OnLoadEnd("a")
	assert.True(t, w.LoadEnded())
	assert.Equal(t, []string{"load.started", "load.ended"}, seen)
}

func TestFramebufferMatchesContext(t *testing.T) {
	w, rc := newTestWindow(t)

	assert.Equal(t, engine.Size{Width: 8, Height: 6}, w.FramebufferSize())
	assert.Equal(t, engine.Size{Width: 4, Height: 3}, w.LogicalSize())
	assert.Equal(t, 2.0, w.ScaleFactor())
	assert.Same(t, rc, w.RenderingContext())

	require.NoError(t, w.Present())
	px, err := w.CaptureFramebuffer()
	require.NoError(t, err)
	assert.Len(t, px, 8*6*4)
}

func TestResizeReallocatesContext(t *testing.T) {
	w, rc := newTestWindow(t)

	w.Resize(engine.Size{Width: 5, Height: 5})
	assert.Equal(t, engine.Size{Width: 10, Height: 10}, rc.Size())
	assert.Equal(t, engine.Size{Width: 5, Height: 5}, w.LogicalSize())
}
