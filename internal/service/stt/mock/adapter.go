// Package mock provides a simulated transcription backend for development
// runs and tests without credentials or local models. It plays back a
// scripted clinical conversation.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clinscribe/internal/models"
	"clinscribe/internal/service/stt"
)

// Name is the registry name of the mock backend.
const Name = "mock"

// SimulatedUtterance is one scripted line of the conversation.
type SimulatedUtterance struct {
	Speaker    models.Speaker // unknown leaves attribution to the classifier
	Text       string
	Confidence float64
	Offset     float64 // seconds from session start
}

// DefaultUtterances is a short primary-care encounter.
var DefaultUtterances = []SimulatedUtterance{
	{Text: "Good morning, what brings you in today?", Confidence: 0.95, Offset: 0},
	{Text: "I've been having a sore throat and a cough for about a week.", Confidence: 0.92, Offset: 3.5},
	{Text: "Any fever or chills?", Confidence: 0.96, Offset: 8.2},
	{Text: "Yes, a low fever the last two nights.", Confidence: 0.9, Offset: 10.1},
	{Text: "Let me examine your throat. Take a deep breath for me.", Confidence: 0.94, Offset: 13.4},
	{Text: "It hurts when I swallow.", Confidence: 0.93, Offset: 18.0},
	{Text: "I recommend rest, fluids and ibuprofen 400 milligrams as needed.", Confidence: 0.91, Offset: 21.7},
	{Text: "Should I be worried about it?", Confidence: 0.95, Offset: 27.3},
	{Text: "No, this looks viral. Follow up if it gets worse after five days.", Confidence: 0.92, Offset: 29.0},
}

// Config tunes the simulation.
type Config struct {
	Utterances []SimulatedUtterance
	// BytesPerUtterance is how much audio one scripted line accounts for in
	// batch mode; a chunk of n bytes transcribes into n/BytesPerUtterance+1 lines.
	BytesPerUtterance int
	Latency           time.Duration // simulated processing delay per batch call
	LiveInterval      time.Duration // delay between live segments
}

// DefaultConfig returns a configuration suitable for interactive runs.
func DefaultConfig() Config {
	return Config{
		Utterances:        DefaultUtterances,
		BytesPerUtterance: 16000,
		Latency:           200 * time.Millisecond,
		LiveInterval:      4 * time.Second,
	}
}

// Adapter implements stt.LiveBackend with scripted responses.
type Adapter struct {
	cfg Config

	mu       sync.Mutex
	failWith error
	calls    int
	cancel   context.CancelFunc
	done     chan struct{}
	next     int // next utterance for live delivery
}

// New creates a mock backend.
func New(cfg Config) *Adapter {
	if len(cfg.Utterances) == 0 {
		cfg.Utterances = DefaultUtterances
	}
	if cfg.BytesPerUtterance <= 0 {
		cfg.BytesPerUtterance = 16000
	}
	if cfg.LiveInterval <= 0 {
		cfg.LiveInterval = 4 * time.Second
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Name() string { return Name }

// IsSupported always reports true.
func (a *Adapter) IsSupported() bool { return true }

// FailWith makes subsequent Transcribe calls return err. Nil restores normal behavior.
func (a *Adapter) FailWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failWith = err
}

// Calls returns the number of Transcribe calls made so far.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Transcribe returns the scripted lines covered by the chunk's size. Since
// chunks carry all audio from session start, larger chunks return a longer
// prefix of the script.
func (a *Adapter) Transcribe(ctx context.Context, chunk stt.AudioChunk) (*stt.Result, error) {
	a.mu.Lock()
	a.calls++
	failWith := a.failWith
	a.mu.Unlock()

	start := time.Now()
	if a.cfg.Latency > 0 {
		select {
		case <-time.After(a.cfg.Latency):
		case <-ctx.Done():
			return nil, stt.Transient(Name, ctx.Err())
		}
	}
	if failWith != nil {
		return nil, stt.Tag(Name, failWith)
	}
	if chunk.Size() == 0 {
		return nil, stt.Fatal(Name, fmt.Errorf("empty audio chunk"))
	}

	n := chunk.Size()/a.cfg.BytesPerUtterance + 1
	if n > len(a.cfg.Utterances) {
		n = len(a.cfg.Utterances)
	}
	segs := make([]models.TranscriptSegment, n)
	var total float64
	for i := 0; i < n; i++ {
		segs[i] = segment(a.cfg.Utterances[i], i)
		total += a.cfg.Utterances[i].Confidence
	}

	return &stt.Result{
		Segments:       segs,
		Confidence:     total / float64(n),
		ProcessingTime: time.Since(start),
		Language:       "en-US",
		Backend:        Name,
	}, nil
}

// StartLive emits one scripted line every LiveInterval until StopLive, the
// script runs out or ctx is cancelled.
func (a *Adapter) StartLive(ctx context.Context, fn stt.SegmentFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return stt.Fatal(Name, fmt.Errorf("live transcription already running"))
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.runLive(ctx, fn, a.done)
	return nil
}

func (a *Adapter) runLive(ctx context.Context, fn stt.SegmentFunc, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.cfg.LiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			if a.next >= len(a.cfg.Utterances) {
				a.mu.Unlock()
				return
			}
			idx := a.next
			a.next++
			a.mu.Unlock()

			fn(segment(a.cfg.Utterances[idx], idx))
		}
	}
}

// StopLive ends live delivery and waits for the emitter to exit. Idempotent.
func (a *Adapter) StopLive() error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func segment(u SimulatedUtterance, idx int) models.TranscriptSegment {
	speaker := u.Speaker
	if speaker == "" {
		speaker = models.SpeakerUnknown
	}
	return models.TranscriptSegment{
		ID:         fmt.Sprintf("%s-%d", Name, idx),
		Timestamp:  u.Offset,
		Speaker:    speaker,
		Text:       u.Text,
		Confidence: models.Float(u.Confidence),
	}
}
