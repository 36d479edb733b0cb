// Package device abstracts camera-like capture sources. A Session owns one
// open stream and guarantees it is released exactly once, whichever way the
// capture ends.
package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPermissionDenied = errors.New("device: permission denied")
	ErrUnavailable      = errors.New("device: unavailable")
	ErrStreamClosed     = errors.New("device: stream closed")
)

// Frame is one still image produced by a stream.
type Frame struct {
	Data       []byte
	MediaType  string
	CapturedAt time.Time
}

// Device opens capture streams.
type Device interface {
	Name() string
	Open(ctx context.Context) (Stream, error)
}

// Stream produces frames until closed.
type Stream interface {
	// Snapshot blocks until a frame is available or ctx is done.
	Snapshot(ctx context.Context) (Frame, error)
	Close() error
}

// Tracker counts open sessions so leaks are observable.
type Tracker struct {
	open atomic.Int64
}

func (t *Tracker) Open() int64 {
	if t == nil {
		return 0
	}
	return t.open.Load()
}

func (t *Tracker) add(n int64) {
	if t != nil {
		t.open.Add(n)
	}
}

// Session wraps an open stream. Release is idempotent and safe to call from
// any goroutine.
type Session struct {
	device  string
	stream  Stream
	tracker *Tracker
	opened  time.Time

	once       sync.Once
	releaseErr error
	released   atomic.Bool
}

// Acquire opens a stream on dev and wraps it in a session.
func Acquire(ctx context.Context, dev Device, tracker *Tracker) (*Session, error) {
	if dev == nil {
		return nil, ErrUnavailable
	}
	stream, err := dev.Open(ctx)
	if err != nil {
		return nil, err
	}
	tracker.add(1)
	return &Session{device: dev.Name(), stream: stream, tracker: tracker, opened: time.Now()}, nil
}

func (s *Session) Device() string      { return s.device }
func (s *Session) OpenedAt() time.Time { return s.opened }
func (s *Session) Released() bool      { return s.released.Load() }

// Snapshot reads one frame from the stream.
func (s *Session) Snapshot(ctx context.Context) (Frame, error) {
	if s.released.Load() {
		return Frame{}, ErrStreamClosed
	}
	return s.stream.Snapshot(ctx)
}

// Release closes the underlying stream the first time it is called.
func (s *Session) Release() error {
	s.once.Do(func() {
		s.released.Store(true)
		s.releaseErr = s.stream.Close()
		s.tracker.add(-1)
	})
	return s.releaseErr
}

// WithSession acquires a session, runs fn, and releases the session on every
// return path including panics.
func WithSession(ctx context.Context, dev Device, tracker *Tracker, fn func(*Session) error) error {
	s, err := Acquire(ctx, dev, tracker)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}
