// Package capture defines the frame source used by the webcam role and a
// latest-frame buffer that fans frame arrivals out to stream readers.
package capture

import (
	"context"
	"sync"
	"time"
)

// Frame is one encoded image. Data must not be modified after publication.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
	Seq        uint64
}

// Source produces frames until ctx is cancelled. Run calls emit from a
// single goroutine.
type Source interface {
	Run(ctx context.Context, emit func(Frame)) error
}

// Latest holds the newest frame and wakes subscribers on every arrival.
type Latest struct {
	mu      sync.RWMutex
	frame   *Frame
	waiters chan struct{}
	readers int
}

// NewLatest creates an empty buffer.
func NewLatest() *Latest {
	return &Latest{waiters: make(chan struct{})}
}

// Publish stores f and wakes every waiting reader.
func (l *Latest) Publish(f Frame) {
	l.mu.Lock()
	l.frame = &f
	ch := l.waiters
	l.waiters = make(chan struct{})
	l.mu.Unlock()
	close(ch)
}

// Get returns the newest frame, or false before the first frame.
func (l *Latest) Get() (Frame, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.frame == nil {
		return Frame{}, false
	}
	return *l.frame, true
}

// Next blocks until a frame newer than afterSeq is available or ctx is done.
func (l *Latest) Next(ctx context.Context, afterSeq uint64) (Frame, error) {
	for {
		l.mu.RLock()
		f := l.frame
		ch := l.waiters
		l.mu.RUnlock()

		if f != nil && f.Seq > afterSeq {
			return *f, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Attach registers a stream reader and returns its detach func.
func (l *Latest) Attach() func() {
	l.mu.Lock()
	l.readers++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.readers--
			l.mu.Unlock()
		})
	}
}

// Readers returns the number of attached stream readers.
func (l *Latest) Readers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.readers
}
