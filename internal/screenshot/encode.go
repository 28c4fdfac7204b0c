// Package screenshot turns a captured framebuffer into PNG bytes.
package screenshot

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
)

// ErrFramebufferMismatch means the capture step handed over a buffer that
// does not match its own dimensions.
var ErrFramebufferMismatch = errors.New("framebuffer size does not match dimensions")

// Encode flips bottom-up RGBA8 rows to top-down order and encodes them as PNG.
func Encode(raw []byte, width, height int) ([]byte, error) {
	img, err := Flip(raw, width, height)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Flip returns a top-down image from bottom-up rows. raw is not modified.
func Flip(raw []byte, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrFramebufferMismatch, width, height)
	}
	if len(raw) != width*height*4 {
		return nil, fmt.Errorf("%w: got %d bytes for %dx%d", ErrFramebufferMismatch, len(raw), width, height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	stride := width * 4
	for y := 0; y < height; y++ {
		src := raw[(height-1-y)*stride : (height-y)*stride]
		copy(img.Pix[y*img.Stride:y*img.Stride+stride], src)
	}
	return img, nil
}
