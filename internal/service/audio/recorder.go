package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clinscribe/internal/service/stt"
)

// Config sets the recorder format and limits.
type Config struct {
	MimeType string
	// BytesPerSecond converts buffered bytes to duration, e.g. 4000 for
	// 32 kbit/s Opus or 32000 for 16 kHz 16-bit PCM.
	BytesPerSecond int
	MaxBytes       int // 0 means unlimited
	TapBuffer      int // per-subscriber channel capacity
}

// DefaultConfig returns limits for WebM/Opus capture.
func DefaultConfig() Config {
	return Config{
		MimeType:       "audio/webm;codecs=opus",
		BytesPerSecond: 4000,
		MaxBytes:       64 * 1024 * 1024, // ~4.5 hours at 32 kbit/s
		TapBuffer:      64,
	}
}

// Recorder is an in-memory Capture. Audio arrives through Write; writes
// while paused are discarded.
type Recorder struct {
	cfg Config

	mu        sync.Mutex
	buf       []byte
	recording bool
	paused    bool
	listeners map[int]func(State)
	taps      map[int]chan []byte
	nextID    int
}

var _ Capture = (*Recorder)(nil)

// NewRecorder creates a recorder.
func NewRecorder(cfg Config) *Recorder {
	if cfg.BytesPerSecond <= 0 {
		cfg.BytesPerSecond = 4000
	}
	if cfg.TapBuffer <= 0 {
		cfg.TapBuffer = 64
	}
	return &Recorder{
		cfg:       cfg,
		listeners: make(map[int]func(State)),
		taps:      make(map[int]chan []byte),
	}
}

func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.buf = nil
	r.recording = true
	r.paused = false
	r.mu.Unlock()
	r.notify()
	return nil
}

// Write appends captured audio. It implements io.Writer.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return 0, ErrNotRecording
	}
	if r.paused {
		r.mu.Unlock()
		return len(p), nil
	}
	if r.cfg.MaxBytes > 0 && len(r.buf)+len(p) > r.cfg.MaxBytes {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %d > %d", ErrBufferFull, len(r.buf)+len(p), r.cfg.MaxBytes)
	}
	r.buf = append(r.buf, p...)
	for _, ch := range r.taps {
		frame := append([]byte(nil), p...)
		select {
		case ch <- frame:
		default:
			// A slow live consumer loses frames rather than stalling capture.
		}
	}
	r.mu.Unlock()
	return len(p), nil
}

func (r *Recorder) Pause() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	changed := !r.paused
	r.paused = true
	r.mu.Unlock()
	if changed {
		r.notify()
	}
	return nil
}

func (r *Recorder) Resume() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	changed := r.paused
	r.paused = false
	r.mu.Unlock()
	if changed {
		r.notify()
	}
	return nil
}

func (r *Recorder) Stop() ([]byte, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	data := r.buf
	r.buf = nil
	r.recording = false
	r.paused = false
	r.mu.Unlock()
	r.notify()
	return data, nil
}

func (r *Recorder) CurrentBuffer() stt.AudioChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return stt.AudioChunk{Data: append([]byte(nil), r.buf...), MimeType: r.cfg.MimeType}
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Recorder) stateLocked() State {
	return State{
		IsRecording: r.recording,
		IsPaused:    r.paused,
		Duration:    time.Duration(len(r.buf)) * time.Second / time.Duration(r.cfg.BytesPerSecond),
	}
}

func (r *Recorder) OnStateChange(fn func(State)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Recorder) notify() {
	r.mu.Lock()
	st := r.stateLocked()
	fns := make([]func(State), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Tap subscribes to audio as it is written, for live backends. It matches
// stt.Feed. The channel is closed by the returned cancel func.
func (r *Recorder) Tap() (<-chan []byte, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	ch := make(chan []byte, r.cfg.TapBuffer)
	r.taps[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.taps, id)
			close(ch)
		})
	}
}
