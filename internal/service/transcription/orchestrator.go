// Package transcription routes audio chunks to a prioritized set of
// backends with timeout, fallback and speaker attribution.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clinscribe/internal/models"
	"clinscribe/internal/observability/logging"
	"clinscribe/internal/observability/metrics"
	"clinscribe/internal/service/speaker"
	"clinscribe/internal/service/stt"
)

// ErrUnknownBackend is returned by UseBackend for names that were never registered.
var ErrUnknownBackend = errors.New("unknown transcription backend")

// Config holds orchestrator settings.
type Config struct {
	// Timeout bounds each individual backend call.
	Timeout time.Duration
}

// BackendInfo is a read-only view of one registry entry.
type BackendInfo struct {
	Name      string
	Priority  int
	Available bool
	Live      bool
	Preferred bool
}

type entry struct {
	backend  stt.Backend
	priority int
	order    int
}

// Orchestrator holds the backend registry. Safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	classifier *speaker.Classifier
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mu         sync.Mutex
	entries    []*entry
	seq        int
	available  map[string]bool
	preferred  string
	liveRecent []models.TranscriptSegment

	liveMu sync.Mutex
	live   stt.LiveBackend
}

// New creates an orchestrator with an empty registry.
func New(cfg Config, classifier *speaker.Classifier, m *metrics.Metrics, log zerolog.Logger) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if classifier == nil {
		classifier = speaker.New(speaker.DefaultConfig())
	}
	return &Orchestrator{
		cfg:        cfg,
		classifier: classifier,
		metrics:    m,
		log:        log,
		available:  make(map[string]bool),
	}
}

// Register adds b with the given priority; higher priorities are tried
// first. Registering a name again replaces the earlier entry.
func (o *Orchestrator) Register(b stt.Backend, priority int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, e := range o.entries {
		if e.backend.Name() == b.Name() {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			break
		}
	}
	o.seq++
	o.entries = append(o.entries, &entry{backend: b, priority: priority, order: o.seq})
	o.available[b.Name()] = b.IsSupported()
}

// effectivePriority boosts the preferred backend above every other entry.
func (o *Orchestrator) effectivePriority(e *entry) int {
	if e.backend.Name() != o.preferred {
		return e.priority
	}
	top := e.priority
	for _, other := range o.entries {
		if other.priority >= top {
			top = other.priority + 1
		}
	}
	return top
}

// ordered returns entries by descending effective priority; caller holds mu.
func (o *Orchestrator) ordered() []*entry {
	out := append([]*entry(nil), o.entries...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := o.effectivePriority(out[i]), o.effectivePriority(out[j])
		if pi != pj {
			return pi > pj
		}
		return out[i].order < out[j].order
	})
	return out
}

func (o *Orchestrator) candidates() []stt.Backend {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []stt.Backend
	for _, e := range o.ordered() {
		if o.available[e.backend.Name()] {
			out = append(out, e.backend)
		}
	}
	return out
}

func (o *Orchestrator) setAvailable(name string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.available[name] = ok
}

// Transcribe tries available backends in priority order. A transient
// failure moves on to the next backend; a fatal one aborts the call. Segments
// without a speaker are attributed by the classifier.
func (o *Orchestrator) Transcribe(ctx context.Context, chunk stt.AudioChunk) (*stt.Result, error) {
	backends := o.candidates()
	if len(backends) == 0 {
		return nil, &stt.Error{Category: stt.CategoryNoBackend, Err: stt.ErrNoBackendAvailable}
	}

	var lastErr error
	for i, b := range backends {
		if i > 0 {
			o.metrics.RecordFallback()
		}
		log := logging.WithBackend(o.log, b.Name())

		res, err := o.call(ctx, b, chunk)
		if err == nil {
			o.setAvailable(b.Name(), true)
			res.Segments = o.attribute(res.Segments)
			if res.Backend == "" {
				res.Backend = b.Name()
			}
			log.Debug().
				Int("segments", len(res.Segments)).
				Dur("processingTime", res.ProcessingTime).
				Msg("Chunk transcribed")
			return res, nil
		}

		// The caller gave up; this says nothing about the backend.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		category := stt.CategoryOf(err)
		o.metrics.RecordBackendError(b.Name(), string(category))
		o.setAvailable(b.Name(), false)

		if category == stt.CategoryFatal {
			log.Error().Err(err).Msg("Transcription backend failed, aborting call")
			return nil, err
		}
		log.Warn().Err(err).Msg("Transcription backend failed, falling back")
		lastErr = err
	}

	return nil, &stt.Error{
		Category: stt.CategoryNoBackend,
		Err:      fmt.Errorf("%w: last error: %v", stt.ErrNoBackendAvailable, lastErr),
	}
}

func (o *Orchestrator) call(ctx context.Context, b stt.Backend, chunk stt.AudioChunk) (*stt.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := b.Transcribe(cctx, chunk)
	o.metrics.RecordBackendCall(b.Name(), err, time.Since(start).Seconds())

	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, stt.Transient(b.Name(), fmt.Errorf("timed out after %s: %w", o.cfg.Timeout, err))
		}
		return nil, stt.Tag(b.Name(), err)
	}
	if res == nil {
		return nil, stt.Fatal(b.Name(), errors.New("backend returned no result"))
	}
	return res, nil
}

func (o *Orchestrator) attribute(segs []models.TranscriptSegment) []models.TranscriptSegment {
	out := o.classifier.ProcessBatch(segs, nil)
	for _, s := range out {
		o.metrics.RecordSpeaker(string(s.Speaker))
	}
	return out
}

// StartLive starts the highest priority available backend that supports
// live delivery. Batch-only backends are skipped whatever their priority.
// Segments reach fn after speaker attribution against the recent live context.
func (o *Orchestrator) StartLive(ctx context.Context, fn stt.SegmentFunc) error {
	if err := o.StopLive(); err != nil {
		o.log.Warn().Err(err).Msg("Stopping previous live backend failed")
	}

	o.mu.Lock()
	o.liveRecent = nil
	o.mu.Unlock()

	o.liveMu.Lock()
	defer o.liveMu.Unlock()

	for _, b := range o.candidates() {
		lb, ok := b.(stt.LiveBackend)
		if !ok {
			continue
		}
		log := logging.WithBackend(o.log, lb.Name())
		err := lb.StartLive(ctx, o.wrapLive(fn))
		o.metrics.RecordLiveStart(lb.Name(), err)
		if err != nil {
			log.Warn().Err(err).Msg("Live transcription failed to start")
			continue
		}
		o.live = lb
		log.Info().Msg("Live transcription started")
		return nil
	}
	return &stt.Error{Category: stt.CategoryNoBackend, Err: stt.ErrLiveUnsupported}
}

func (o *Orchestrator) wrapLive(fn stt.SegmentFunc) stt.SegmentFunc {
	window := speaker.DefaultConfig().ContextWindow
	var mu sync.Mutex
	return func(seg models.TranscriptSegment) {
		mu.Lock()
		recent := o.liveRecentSnapshot()
		if seg.Speaker == models.SpeakerUnknown || !seg.Speaker.Valid() {
			seg.Speaker = o.classifier.Classify(seg, recent).Speaker
		}
		o.pushLive(seg, window)
		mu.Unlock()

		o.metrics.RecordSpeaker(string(seg.Speaker))
		fn(seg)
	}
}

func (o *Orchestrator) liveRecentSnapshot() []models.TranscriptSegment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return models.CloneSegments(o.liveRecent)
}

func (o *Orchestrator) pushLive(seg models.TranscriptSegment, window int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.liveRecent = append(o.liveRecent, seg)
	if len(o.liveRecent) > window {
		o.liveRecent = o.liveRecent[len(o.liveRecent)-window:]
	}
}

// StopLive stops the active live backend, if any.
func (o *Orchestrator) StopLive() error {
	o.liveMu.Lock()
	lb := o.live
	o.live = nil
	o.liveMu.Unlock()

	if lb == nil {
		return nil
	}
	if err := lb.StopLive(); err != nil {
		return fmt.Errorf("stop live %s: %w", lb.Name(), err)
	}
	return nil
}

// LiveBackend returns the name of the running live backend, or "".
func (o *Orchestrator) LiveBackend() string {
	o.liveMu.Lock()
	defer o.liveMu.Unlock()
	if o.live == nil {
		return ""
	}
	return o.live.Name()
}

// UseBackend pins name above every other backend until ClearPreference.
func (o *Orchestrator) UseBackend(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.backend.Name() == name {
			o.preferred = name
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
}

// ClearPreference removes any pin set by UseBackend.
func (o *Orchestrator) ClearPreference() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.preferred = ""
}

// ResetAvailability re-probes static support for every backend. Callers
// invoke it when a new session starts.
func (o *Orchestrator) ResetAvailability() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		o.available[e.backend.Name()] = e.backend.IsSupported()
	}
}

// Backends returns a snapshot of the registry in effective priority order.
func (o *Orchestrator) Backends() []BackendInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []BackendInfo
	for _, e := range o.ordered() {
		_, live := e.backend.(stt.LiveBackend)
		out = append(out, BackendInfo{
			Name:      e.backend.Name(),
			Priority:  e.priority,
			Available: o.available[e.backend.Name()],
			Live:      live,
			Preferred: e.backend.Name() == o.preferred,
		})
	}
	return out
}
