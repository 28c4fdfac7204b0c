// Package surface provides an in-memory rendering context with the same
// observable behavior as a headless GL context: double buffered, read back
// bottom-up, released exactly once.
package surface

import (
	"fmt"
	"sync"

	"pageshot-go/internal/engine"
)

type Offscreen struct {
	mu       sync.Mutex
	size     engine.Size
	front    []byte // visible, bottom-up
	back     []byte // writable, bottom-up
	released bool
	swaps    int
}

var _ engine.RenderingContext = (*Offscreen)(nil)

func NewOffscreen(size engine.Size) (*Offscreen, error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("invalid surface size %dx%d", size.Width, size.Height)
	}
	n := size.Width * size.Height * 4
	return &Offscreen{
		size:  size,
		front: make([]byte, n),
		back:  make([]byte, n),
	}, nil
}

func (o *Offscreen) Size() engine.Size {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// Draw copies top-down rows into the back buffer, storing them bottom-up.
func (o *Offscreen) Draw(topDown []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return engine.ErrContextReleased
	}
	if len(topDown) != len(o.back) {
		return fmt.Errorf("%w: got %d bytes, want %d", engine.ErrSizeMismatch, len(topDown), len(o.back))
	}
	stride := o.size.Width * 4
	for y := 0; y < o.size.Height; y++ {
		src := topDown[y*stride : (y+1)*stride]
		dstRow := o.size.Height - 1 - y
		copy(o.back[dstRow*stride:(dstRow+1)*stride], src)
	}
	return nil
}

func (o *Offscreen) SwapBuffers() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return engine.ErrContextReleased
	}
	o.front, o.back = o.back, o.front
	o.swaps++
	return nil
}

// ReadPixels returns a copy of the visible buffer, bottom row first.
func (o *Offscreen) ReadPixels() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return nil, engine.ErrContextReleased
	}
	out := make([]byte, len(o.front))
	copy(out, o.front)
	return out, nil
}

func (o *Offscreen) Resize(size engine.Size) error {
	if size.Width <= 0 || size.Height <= 0 {
		return fmt.Errorf("invalid surface size %dx%d", size.Width, size.Height)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return engine.ErrContextReleased
	}
	n := size.Width * size.Height * 4
	o.size = size
	o.front = make([]byte, n)
	o.back = make([]byte, n)
	return nil
}

func (o *Offscreen) Release() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return engine.ErrContextReleased
	}
	o.released = true
	o.front = nil
	o.back = nil
	return nil
}

func (o *Offscreen) Released() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.released
}

func (o *Offscreen) Swaps() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.swaps
}
