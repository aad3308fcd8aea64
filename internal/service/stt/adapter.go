// Package stt defines the contract every transcription backend implements.
package stt

import (
	"context"
	"time"

	"clinscribe/internal/models"
)

// AudioChunk is the encoded audio handed to a backend. For chunked
// transcription it always holds everything captured since the session
// started, because the container header lives in the first bytes.
type AudioChunk struct {
	Data     []byte
	MimeType string // e.g. "audio/webm;codecs=opus"
}

// Size returns the number of audio bytes in the chunk.
func (c AudioChunk) Size() int { return len(c.Data) }

// Result is the outcome of one transcribe call.
type Result struct {
	Segments       []models.TranscriptSegment
	Confidence     float64
	ProcessingTime time.Duration
	Language       string
	Backend        string
}

// SegmentFunc receives segments pushed by a live backend.
type SegmentFunc func(seg models.TranscriptSegment)

// Backend is a batch transcription implementation.
type Backend interface {
	// Name identifies the backend in the registry, logs and metrics.
	Name() string

	// IsSupported reports static support (credentials, binaries), not reachability.
	IsSupported() bool

	// Transcribe converts a chunk of audio into segments. Errors should be
	// tagged with Transient or Fatal so the orchestrator can decide on fallback.
	Transcribe(ctx context.Context, chunk AudioChunk) (*Result, error)
}

// LiveBackend is a backend that can also push segments incrementally while
// recording is in progress.
type LiveBackend interface {
	Backend

	// StartLive begins incremental delivery; segments arrive on fn.
	StartLive(ctx context.Context, fn SegmentFunc) error

	// StopLive ends incremental delivery and releases resources.
	StopLive() error
}

// Feed supplies live backends with audio as it is captured. The returned
// cancel func releases the subscription.
type Feed func() (<-chan []byte, func())
