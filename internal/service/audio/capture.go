// Package audio provides the capture side of a recording session: an
// in-memory recorder fed by any io.Writer source and a capture that tails a
// file written by an external recorder.
package audio

import (
	"context"
	"errors"
	"time"

	"clinscribe/internal/service/stt"
)

var (
	ErrNotRecording     = errors.New("audio capture is not recording")
	ErrAlreadyRecording = errors.New("audio capture is already recording")
	ErrBufferFull       = errors.New("audio buffer limit exceeded")
)

// State is a snapshot of the capture.
type State struct {
	IsRecording bool
	IsPaused    bool
	Duration    time.Duration // captured audio, excluding paused time
}

// Capture is the audio source of a session.
type Capture interface {
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	// Stop ends capture and returns all audio captured since Start.
	Stop() ([]byte, error)
	// CurrentBuffer returns all audio captured since Start. The container
	// header lives in the first bytes, so callers track new audio by size.
	CurrentBuffer() stt.AudioChunk
	State() State
	// OnStateChange registers fn for state changes and returns an unsubscribe func.
	OnStateChange(fn func(State)) func()
}
