package device

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"time"
)

// Simulated renders synthetic tracings as PNG frames. It stands in for a
// camera in development and tests.
type Simulated struct {
	Width, Height int
	// Deny makes Open fail with ErrPermissionDenied.
	Deny bool
	// Offline makes Open fail with ErrUnavailable.
	Offline bool
	// FrameDelay is how long Snapshot waits before producing a frame.
	FrameDelay time.Duration
}

func NewSimulated() *Simulated {
	return &Simulated{Width: 320, Height: 120}
}

func (d *Simulated) Name() string { return "simulated" }

func (d *Simulated) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Deny {
		return nil, ErrPermissionDenied
	}
	if d.Offline {
		return nil, ErrUnavailable
	}
	w, h := d.Width, d.Height
	if w <= 0 {
		w = 320
	}
	if h <= 0 {
		h = 120
	}
	return &simulatedStream{width: w, height: h, delay: d.FrameDelay}, nil
}

type simulatedStream struct {
	mu     sync.Mutex
	width  int
	height int
	delay  time.Duration
	frame  int
	closed bool
}

func (s *simulatedStream) Snapshot(ctx context.Context) (Frame, error) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, ErrStreamClosed
	}
	s.frame++
	phase := s.frame
	s.mu.Unlock()

	var buf bytes.Buffer
	if err := png.Encode(&buf, renderTracing(s.width, s.height, phase)); err != nil {
		return Frame{}, err
	}
	return Frame{Data: buf.Bytes(), MediaType: "image/png", CapturedAt: time.Now().UTC()}, nil
}

func (s *simulatedStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var (
	paperColor = color.RGBA{R: 255, G: 245, B: 245, A: 255}
	gridColor  = color.RGBA{R: 240, G: 180, B: 180, A: 255}
	traceColor = color.RGBA{A: 255}
)

// renderTracing draws a grid and a repeating PQRST complex shifted by phase.
func renderTracing(w, h, phase int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := paperColor
			if x%10 == 0 || y%10 == 0 {
				c = gridColor
			}
			img.SetRGBA(x, y, c)
		}
	}

	baseline := float64(h) * 0.6
	amp := float64(h) * 0.45
	prev := -1
	for x := 0; x < w; x++ {
		t := math.Mod(float64(x+phase*7), 80) / 80
		y := int(baseline - amp*complexAt(t))
		if y < 0 {
			y = 0
		}
		if y >= h {
			y = h - 1
		}
		if prev < 0 {
			prev = y
		}
		lo, hi := prev, y
		if lo > hi {
			lo, hi = hi, lo
		}
		for yy := lo; yy <= hi; yy++ {
			img.SetRGBA(x, yy, traceColor)
		}
		prev = y
	}
	return img
}

// complexAt approximates one heartbeat over t in [0,1).
func complexAt(t float64) float64 {
	bump := func(center, width, height float64) float64 {
		d := (t - center) / width
		return height * math.Exp(-d*d)
	}
	return bump(0.18, 0.03, 0.12) - // P
		bump(0.33, 0.008, 0.1) + // Q
		bump(0.36, 0.012, 1.0) - // R
		bump(0.39, 0.01, 0.25) + // S
		bump(0.62, 0.05, 0.2) // T
}
