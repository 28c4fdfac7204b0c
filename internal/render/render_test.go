package render

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pageshot-go/internal/engine"
	"pageshot-go/internal/screenshot"
	"pageshot-go/internal/wake"
)

// scriptedDriver plays back an engine that loads, halts or acknowledges
// shutdown after a fixed number of wakes, and records every call.
type scriptedDriver struct {
	wakes      int   // wakes available before wakeErr (or blocking)
	wakeErr    error // returned once wakes run out; nil blocks until ctx is done
	loadAtWake int   // load_ended turns true on this wake (0 = never)
	haltAtWake int   // should_continue turns false on this wake (0 = never)
	closeWakes int   // extra pumps the engine needs to acknowledge quit

	frame      []byte
	size       engine.Size
	captureErr error

	waited       int
	loaded       bool
	quit         bool
	closingPumps int
	calls        []string
}

func (d *scriptedDriver) WaitWake(ctx context.Context) error {
	if d.wakes == 0 {
		if d.wakeErr != nil {
			d.calls = append(d.calls, "wait:err")
			return d.wakeErr
		}
		<-ctx.Done()
		d.calls = append(d.calls, "wait:ctx")
		return ctx.Err()
	}
	d.wakes--
	d.waited++
	d.calls = append(d.calls, "wait")
	if d.loadAtWake > 0 && d.waited >= d.loadAtWake {
		d.loaded = true
	}
	return nil
}

func (d *scriptedDriver) HandleEvents(events ...engine.Event) bool {
	if len(events) == 0 {
		d.calls = append(d.calls, "pump")
	} else {
		names := make([]string, 0, len(events))
		for _, ev := range events {
			names = append(names, engine.EventName(ev))
			if _, ok := ev.(engine.Quit); ok {
				d.quit = true
			}
		}
		d.calls = append(d.calls, strings.Join(names, "+"))
		return true
	}
	if d.quit {
		d.closingPumps++
		return d.closingPumps <= d.closeWakes
	}
	if d.haltAtWake > 0 && d.waited >= d.haltAtWake {
		return false
	}
	return true
}

func (d *scriptedDriver) LoadEnded() bool { return d.loaded }

func (d *scriptedDriver) ForceRefresh() {
	d.calls = append(d.calls, "refresh")
}

func (d *scriptedDriver) CaptureFramebuffer() ([]byte, engine.Size, error) {
	d.calls = append(d.calls, "capture")
	return d.frame, d.size, d.captureErr
}

func solidFrame(width, height int, c color.NRGBA) []byte {
	raw := make([]byte, 0, width*height*4)
	for i := 0; i < width*height; i++ {
		raw = append(raw, c.R, c.G, c.B, c.A)
	}
	return raw
}

type recorder struct {
	transitions []string
	phases      []Phase
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		Transition: func(from, to State) {
			r.transitions = append(r.transitions, from.Name()+"->"+to.Name())
		},
		Timing: func(phase Phase, _ time.Duration) {
			r.phases = append(r.phases, phase)
		},
	}
}

var red = color.NRGBA{R: 255, A: 255}

func TestRunCapturesAfterLoadAndClosing(t *testing.T) {
	d := &scriptedDriver{
		wakes:      2,
		loadAtWake: 2,
		frame:      solidFrame(4, 4, red),
		size:       engine.Size{Width: 4, Height: 4},
	}
	rec := &recorder{}
	m := New(d, "ctx-1", nil, rec.hooks())

	out := m.Run(context.Background())
	require.Equal(t, Success, out.Kind, out.Diagnostic)

	assert.Equal(t, []string{
		"wait", "pump",
		"wait", "pump",
		"pump", "refresh", "capture",
		"close_browsing_context+quit",
		"pump",
	}, d.calls)
	assert.Equal(t, []string{"waiting_for_onload->closing", "closing->ready"}, rec.transitions)
	assert.Equal(t, []Phase{PhaseOnload, PhaseComposite, PhaseEncode}, rec.phases)
	assert.Equal(t, 2, m.Polls())

	img, err := png.Decode(bytes.NewReader(out.Image))
	require.NoError(t, err)
	require.Equal(t, 4, img.Bounds().Dx())
	require.Equal(t, 4, img.Bounds().Dy())
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			assert.Equal(t, red, color.NRGBAModel.Convert(img.At(x, y)))
		}
	}
}

func TestRefreshAlwaysFollowsExtraPump(t *testing.T) {
	d := &scriptedDriver{
		wakes:      1,
		loadAtWake: 1,
		frame:      solidFrame(1, 1, red),
		size:       engine.Size{Width: 1, Height: 1},
	}
	New(d, "ctx", nil, Hooks{}).Run(context.Background())

	i := indexOf(d.calls, "refresh")
	require.GreaterOrEqual(t, i, 2)
	assert.Equal(t, "pump", d.calls[i-1])
	assert.Equal(t, "pump", d.calls[i-2])
}

func TestClosingWaitsForShutdownAcknowledgement(t *testing.T) {
	d := &scriptedDriver{
		wakes:      3,
		loadAtWake: 1,
		closeWakes: 2,
		frame:      solidFrame(2, 1, red),
		size:       engine.Size{Width: 2, Height: 1},
	}
	out := New(d, "ctx", nil, Hooks{}).Run(context.Background())
	require.Equal(t, Success, out.Kind)
	assert.Equal(t, []string{
		"wait", "pump", "pump", "refresh", "capture",
		"close_browsing_context+quit",
		"pump", "wait", "pump", "wait", "pump",
	}, d.calls)
}

func TestFirstWakeHaltIsEngineHalted(t *testing.T) {
	d := &scriptedDriver{wakes: 1, haltAtWake: 1}
	rec := &recorder{}
	out := New(d, "ctx", nil, rec.hooks()).Run(context.Background())

	assert.Equal(t, EngineHalted, out.Kind)
	assert.Equal(t, HaltedBeforeLoad, out.Diagnostic)
	assert.Nil(t, out.Image)
	assert.Equal(t, []string{"waiting_for_onload->ready"}, rec.transitions)
	assert.NotContains(t, d.calls, "refresh")
}

func TestBridgeClosedIsFatal(t *testing.T) {
	d := &scriptedDriver{wakeErr: wake.ErrClosed}
	m := New(d, "ctx", nil, Hooks{})
	out := m.Run(context.Background())

	assert.Equal(t, Fatal, out.Kind)
	var fatal *FatalError
	require.True(t, errors.As(out.Err, &fatal))
	assert.Equal(t, "waiting_for_onload", fatal.State)
	assert.ErrorIs(t, out.Err, wake.ErrClosed)
	assert.IsType(t, Error{}, m.State())
}

func TestBridgeClosedWhileClosingIsFatal(t *testing.T) {
	d := &scriptedDriver{
		wakes:      1,
		wakeErr:    wake.ErrClosed,
		loadAtWake: 1,
		closeWakes: 1,
		frame:      solidFrame(1, 1, red),
		size:       engine.Size{Width: 1, Height: 1},
	}
	out := New(d, "ctx", nil, Hooks{}).Run(context.Background())

	assert.Equal(t, Fatal, out.Kind)
	var fatal *FatalError
	require.True(t, errors.As(out.Err, &fatal))
	assert.Equal(t, "closing", fatal.State)
}

func TestEncodingMismatchIsFatal(t *testing.T) {
	d := &scriptedDriver{
		wakes:      1,
		loadAtWake: 1,
		frame:      make([]byte, 10),
		size:       engine.Size{Width: 4, Height: 4},
	}
	rec := &recorder{}
	out := New(d, "ctx", nil, rec.hooks()).Run(context.Background())

	assert.Equal(t, Fatal, out.Kind)
	assert.ErrorIs(t, out.Err, screenshot.ErrFramebufferMismatch)
	assert.Nil(t, out.Image)
	assert.NotContains(t, d.calls, "close_browsing_context+quit")
	assert.Equal(t, []string{"waiting_for_onload->error"}, rec.transitions)
}

func TestCaptureFailureIsFatal(t *testing.T) {
	boom := errors.New("context lost")
	d := &scriptedDriver{wakes: 1, loadAtWake: 1, captureErr: boom}
	out := New(d, "ctx", nil, Hooks{}).Run(context.Background())

	assert.Equal(t, Fatal, out.Kind)
	assert.ErrorIs(t, out.Err, boom)
}

func TestDeadlineBeforeLoadIsEngineHalted(t *testing.T) {
	d := &scriptedDriver{wakes: 3}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := New(d, "ctx", nil, Hooks{}).Run(ctx)
	assert.Equal(t, EngineHalted, out.Kind)
	assert.Equal(t, DeadlineExceeded, out.Diagnostic)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestDeadlineWhileClosingKeepsImage(t *testing.T) {
	d := &scriptedDriver{
		wakes:      1,
		loadAtWake: 1,
		closeWakes: 5,
		frame:      solidFrame(1, 1, red),
		size:       engine.Size{Width: 1, Height: 1},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := New(d, "ctx", nil, Hooks{}).Run(ctx)
	assert.Equal(t, Success, out.Kind)
	assert.NotEmpty(t, out.Image)
}

func TestNeverReadySuccessWithoutClosing(t *testing.T) {
	for loadAt := 1; loadAt <= 4; loadAt++ {
		for closeWakes := 0; closeWakes <= 2; closeWakes++ {
			d := &scriptedDriver{
				wakes:      loadAt + closeWakes,
				loadAtWake: loadAt,
				closeWakes: closeWakes,
				frame:      solidFrame(1, 1, red),
				size:       engine.Size{Width: 1, Height: 1},
			}
			rec := &recorder{}
			out := New(d, "ctx", nil, rec.hooks()).Run(context.Background())
			require.Equal(t, Success, out.Kind)
			assert.Equal(t, []string{"waiting_for_onload->closing", "closing->ready"}, rec.transitions)
		}
	}
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "engine_halted", EngineHalted.String())
	assert.Equal(t, "fatal", Fatal.String())
}

func indexOf(calls []string, name string) int {
	for i, c := range calls {
		if c == name {
			return i
		}
	}
	return -1
}
