package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"pgregory.net/rapid"

	"clinscribe/internal/events"
	"clinscribe/internal/models"
	"clinscribe/internal/service/audio"
	"clinscribe/internal/service/stt"
	"clinscribe/internal/service/stt/mock"
	"clinscribe/internal/service/transcription"
	"clinscribe/internal/storage/memory"
)

type fakeTranscriber struct {
	mu       sync.Mutex
	respond  func(call int, chunk stt.AudioChunk) (*stt.Result, error)
	sizes    []int
	gate     chan struct{} // first call waits on it, ignoring ctx
	gateUsed bool
	entered  chan struct{}

	liveErr     error
	liveStopErr error
	liveFn      stt.SegmentFunc
	liveStarts  int
	liveStops   int
	resets      int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, chunk stt.AudioChunk) (*stt.Result, error) {
	f.mu.Lock()
	call := len(f.sizes)
	f.sizes = append(f.sizes, chunk.Size())
	var gate chan struct{}
	if !f.gateUsed {
		gate = f.gate
		f.gateUsed = true
	}
	respond := f.respond
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if respond == nil {
		return &stt.Result{}, nil
	}
	return respond(call, chunk)
}

func (f *fakeTranscriber) StartLive(ctx context.Context, fn stt.SegmentFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.liveErr != nil {
		return f.liveErr
	}
	f.liveStarts++
	f.liveFn = fn
	return nil
}

func (f *fakeTranscriber) StopLive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveStops++
	return f.liveStopErr
}

func (f *fakeTranscriber) ResetAvailability() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeTranscriber) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sizes)
}

type fakeDocs struct {
	mu        sync.Mutex
	generated [][]models.TranscriptSegment
	updated   [][]models.TranscriptSegment
}

func (d *fakeDocs) Generate(ctx context.Context, segs []models.TranscriptSegment) (models.Documentation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generated = append(d.generated, models.CloneSegments(segs))
	return models.Documentation{Note: models.ClinicalNote{Summary: "full"}, LastUpdated: time.Now()}, nil
}

func (d *fakeDocs) Update(ctx context.Context, existing models.Documentation, segs []models.TranscriptSegment) (models.Documentation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updated = append(d.updated, models.CloneSegments(segs))
	existing.Note.Summary += "+"
	return existing, nil
}

func segs(texts ...string) []models.TranscriptSegment {
	out := make([]models.TranscriptSegment, len(texts))
	for i, text := range texts {
		out[i] = models.TranscriptSegment{Timestamp: float64(i), Speaker: models.SpeakerProvider, Text: text}
	}
	return out
}

var errDiskFull = errors.New("disk full")

// flakyStore is a memory store whose Save fails while failSave is set.
type flakyStore struct {
	*memory.Store

	failSave atomic.Bool
	saves    atomic.Int32
}

func (s *flakyStore) Save(ctx context.Context, sess *models.Session) error {
	s.saves.Add(1)
	if s.failSave.Load() {
		return errDiskFull
	}
	return s.Store.Save(ctx, sess)
}

type harness struct {
	m     *Manager
	store *flakyStore
	rec   *audio.Recorder
	tr    *fakeTranscriber
	docs  *fakeDocs

	mu       sync.Mutex
	errs     []models.ErrorEvent
	segments []models.SegmentEvent
}

// fataler is satisfied by both *testing.T and *rapid.T.
type fataler interface {
	Fatalf(format string, args ...any)
}

// testConfig keeps the timers out of the way; tests drive cycles directly.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkInterval = time.Hour
	cfg.PersistInterval = time.Hour
	return cfg
}

func newHarness(t fataler, cfg Config) *harness {
	h := &harness{
		store: &flakyStore{Store: memory.New()},
		rec:   audio.NewRecorder(audio.DefaultConfig()),
		tr:    &fakeTranscriber{},
		docs:  &fakeDocs{},
	}
	bus := events.NewBus()
	bus.OnError(func(e models.ErrorEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.errs = append(h.errs, e)
	})
	bus.OnSegment(func(e models.SegmentEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.segments = append(h.segments, e)
	})
	h.m = New(cfg, h.store, h.rec, h.tr, h.docs, bus, nil, zerolog.Nop())
	return h
}

func (h *harness) started(t fataler) string {
	s, err := h.m.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.m.Start(context.Background(), s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s.ID
}

func (h *harness) write(n int) {
	h.rec.Write(make([]byte, n))
}

func (h *harness) errorEvents() []models.ErrorEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.ErrorEvent(nil), h.errs...)
}

func TestChunkThreshold(t *testing.T) {
	tests := []struct {
		size     int
		min      int
		fraction float64
		want     int
	}{
		{10000, 4000, 0.3, 4000},
		{20000, 4000, 0.3, 6000},
		{0, 4000, 0.3, 4000},
		{15001, 1000, 0.5, 7501},
		{100, 0, 0, 0},
	}
	for _, tt := range tests {
		if got := chunkThreshold(tt.size, tt.min, tt.fraction); got != tt.want {
			t.Errorf("chunkThreshold(%d, %d, %v) = %d, want %d", tt.size, tt.min, tt.fraction, got, tt.want)
		}
	}
}

func TestChunkCycle_BelowThresholdLeavesMarker(t *testing.T) {
	h := newHarness(t, testConfig())
	h.started(t)
	defer h.m.Close()

	h.write(10000)
	r := h.m.current()
	r.marker = 9000

	if got := h.m.chunkCycle(r); got != chunkBelowThreshold {
		t.Fatalf("expected below_threshold, got %s", got)
	}
	if h.tr.calls() != 0 {
		t.Errorf("expected no transcription call, got %d", h.tr.calls())
	}
	if r.marker != 9000 {
		t.Errorf("marker moved to %d", r.marker)
	}
}

func TestChunkCycle_ThresholdProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		size := rapid.IntRange(0, 50000).Draw(rt, "size")
		marker := rapid.IntRange(0, size).Draw(rt, "marker")
		cfg := testConfig()
		cfg.LiveEnabled = false
		cfg.IncrementalDocs = false
		cfg.MinChunkBytes = rapid.IntRange(1, 8000).Draw(rt, "minBytes")
		cfg.ChunkFraction = rapid.Float64Range(0, 1).Draw(rt, "fraction")

		h := newHarness(rt, cfg)
		h.started(rt)
		defer h.m.Close()
		h.write(size)
		r := h.m.current()
		r.marker = marker

		h.m.chunkCycle(r)

		shouldCall := size-marker >= chunkThreshold(size, cfg.MinChunkBytes, cfg.ChunkFraction)
		if called := h.tr.calls() == 1; called != shouldCall {
			rt.Fatalf("size=%d marker=%d: called=%v, want %v", size, marker, called, shouldCall)
		}
		if shouldCall && r.marker != size {
			rt.Fatalf("marker %d, want %d", r.marker, size)
		}
		if !shouldCall && r.marker != marker {
			rt.Fatalf("marker moved from %d to %d", marker, r.marker)
		}
	})
}

func TestEndToEnd_FirstChunk(t *testing.T) {
	store := memory.New()
	rec := audio.NewRecorder(audio.DefaultConfig())
	backend := mock.New(mock.Config{
		Utterances:        []mock.SimulatedUtterance{{Text: "How are you feeling?", Confidence: 0.9}},
		BytesPerUtterance: 16000,
	})
	orch := transcription.New(transcription.Config{Timeout: time.Second}, nil, nil, zerolog.Nop())
	orch.Register(backend, 10)
	docs := &fakeDocs{}
	bus := events.NewBus()
	var segEvents []models.SegmentEvent
	bus.OnSegment(func(e models.SegmentEvent) { segEvents = append(segEvents, e) })

	cfg := testConfig()
	cfg.LiveEnabled = false
	m := New(cfg, store, rec, orch, docs, bus, nil, zerolog.Nop())
	ctx := context.Background()

	s, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Start(ctx, s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()
	rec.Write(make([]byte, 12000))

	if got := m.chunkCycle(m.current()); got != chunkTranscribed {
		t.Fatalf("expected transcribed, got %s", got)
	}

	active := m.Active()
	if len(active.Transcript) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(active.Transcript))
	}
	seg := active.Transcript[0]
	if seg.Text != "How are you feeling?" || seg.Speaker != models.SpeakerUnknown {
		t.Errorf("unexpected segment %+v", seg)
	}
	if len(docs.updated) != 1 || len(docs.updated[0]) != 1 || docs.updated[0][0].Text != "How are you feeling?" {
		t.Errorf("expected documentation update with the single segment, got %+v", docs.updated)
	}
	if len(segEvents) != 1 {
		t.Errorf("expected 1 segment event, got %d", len(segEvents))
	}
	stored, _ := store.Get(ctx, s.ID)
	if len(stored.Transcript) != 1 || stored.Status != models.StatusActive {
		t.Errorf("expected persisted active session with 1 segment, got %+v", stored)
	}
}

func TestChunkCycle_RepeatedBufferNotDuplicated(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.respond = func(call int, chunk stt.AudioChunk) (*stt.Result, error) {
		if call == 0 {
			return &stt.Result{Segments: segs("Good morning.")}, nil
		}
		return &stt.Result{Segments: segs("Good morning.", "What brings you in?")}, nil
	}
	h.started(t)
	defer h.m.Close()
	r := h.m.current()

	h.write(5000)
	h.m.chunkCycle(r)
	h.write(5000)
	h.m.chunkCycle(r)

	if got := len(h.m.Active().Transcript); got != 2 {
		t.Errorf("expected 2 segments after overlapping chunks, got %d", got)
	}
	if len(h.docs.updated) != 2 || len(h.docs.updated[1]) != 1 {
		t.Errorf("second documentation update should carry only the new segment, got %+v", h.docs.updated)
	}
}

func TestChunkCycle_FailureIsSwallowed(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.respond = func(int, stt.AudioChunk) (*stt.Result, error) {
		return nil, &stt.Error{Category: stt.CategoryNoBackend, Err: stt.ErrNoBackendAvailable}
	}
	id := h.started(t)
	defer h.m.Close()

	h.write(5000)
	if got := h.m.chunkCycle(h.m.current()); got != chunkFailed {
		t.Fatalf("expected error outcome, got %s", got)
	}
	s, _ := h.m.Get(context.Background(), id)
	if len(s.Transcript) != 0 || s.Status != models.StatusActive {
		t.Errorf("failed chunk should leave session unchanged, got %+v", s)
	}
	if len(h.errorEvents()) != 0 {
		t.Error("chunk failures are logged, not published")
	}
}

func TestChunkCycle_SingleFlight(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.gate = make(chan struct{})
	h.tr.entered = make(chan struct{}, 4)
	h.tr.respond = func(int, stt.AudioChunk) (*stt.Result, error) {
		return &stt.Result{Segments: segs("Take a deep breath.")}, nil
	}
	h.started(t)
	defer h.m.Close()
	r := h.m.current()
	h.write(5000)

	first := make(chan string)
	go func() { first <- h.m.chunkCycle(r) }()
	<-h.tr.entered

	h.write(50000)
	if got := h.m.chunkCycle(r); got != chunkInFlight {
		t.Fatalf("expected in_flight while transcribing, got %s", got)
	}
	if h.tr.calls() != 1 {
		t.Errorf("expected a single backend call, got %d", h.tr.calls())
	}

	close(h.tr.gate)
	if got := <-first; got != chunkTranscribed {
		t.Errorf("first cycle: expected transcribed, got %s", got)
	}
	if got := h.m.chunkCycle(r); got != chunkTranscribed && got != chunkEmpty {
		t.Errorf("cycle after completion should run, got %s", got)
	}
}

func TestChunkCycle_StaleResultDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.gate = make(chan struct{})
	h.tr.entered = make(chan struct{}, 4)
	h.tr.respond = func(call int, chunk stt.AudioChunk) (*stt.Result, error) {
		if call == 0 {
			return &stt.Result{Segments: segs("Late chunk result.")}, nil
		}
		return &stt.Result{}, nil
	}
	id := h.started(t)
	r := h.m.current()
	h.write(5000)

	first := make(chan string)
	go func() { first <- h.m.chunkCycle(r) }()
	<-h.tr.entered

	if err := h.m.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-h.tr.entered // final transcription
	close(h.tr.gate)

	if got := <-first; got != chunkStale {
		t.Errorf("expected stale outcome, got %s", got)
	}
	s, _ := h.m.Get(context.Background(), id)
	for _, seg := range s.Transcript {
		if seg.Text == "Late chunk result." {
			t.Error("result of a stopped run was applied")
		}
	}
}

func TestChunkCycle_ResultWhilePausedApplies(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.gate = make(chan struct{})
	h.tr.entered = make(chan struct{}, 4)
	h.tr.respond = func(int, stt.AudioChunk) (*stt.Result, error) {
		return &stt.Result{Segments: segs("Any allergies?")}, nil
	}
	id := h.started(t)
	defer h.m.Close()
	r := h.m.current()
	h.write(5000)

	first := make(chan string)
	go func() { first <- h.m.chunkCycle(r) }()
	<-h.tr.entered
	if err := h.m.Pause(context.Background(), id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(h.tr.gate)

	if got := <-first; got != chunkTranscribed {
		t.Fatalf("expected transcribed, got %s", got)
	}
	s := h.m.Active()
	if s.Status != models.StatusPaused || len(s.Transcript) != 1 {
		t.Errorf("expected paused session with the result applied, got %+v", s)
	}
}

func TestStop_ReplacesTranscript(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.respond = func(call int, chunk stt.AudioChunk) (*stt.Result, error) {
		switch call {
		case 0:
			return &stt.Result{Segments: segs("one", "two", "three")}, nil
		default:
			return &stt.Result{Segments: segs("Final first.", "Final second.")}, nil
		}
	}
	id := h.started(t)
	h.write(5000)
	h.m.chunkCycle(h.m.current())
	if got := len(h.m.Active().Transcript); got != 3 {
		t.Fatalf("expected 3 incremental segments, got %d", got)
	}

	if err := h.m.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	s, err := h.store.Get(context.Background(), id)
	if err != nil || s == nil {
		t.Fatalf("Get: %v", err)
	}
	if len(s.Transcript) != 2 {
		t.Fatalf("expected final transcript of 2 segments, got %d", len(s.Transcript))
	}
	if s.Status != models.StatusCompleted {
		t.Errorf("expected completed, got %s", s.Status)
	}
	if s.Documentation.Note.Summary != "full" {
		t.Errorf("expected full documentation generated on stop, got %+v", s.Documentation)
	}
	if len(h.docs.generated) != 1 || len(h.docs.generated[0]) != 2 {
		t.Errorf("expected Generate over the final transcript, got %+v", h.docs.generated)
	}
	if h.m.Active() != nil {
		t.Error("expected no active session after stop")
	}
	if h.rec.State().IsRecording {
		t.Error("expected capture stopped")
	}
}

func TestStop_EmptyFinalResultKeepsTranscript(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.respond = func(call int, chunk stt.AudioChunk) (*stt.Result, error) {
		if call == 0 {
			return &stt.Result{Segments: segs("kept")}, nil
		}
		return &stt.Result{}, nil
	}
	id := h.started(t)
	h.write(5000)
	h.m.chunkCycle(h.m.current())

	if err := h.m.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	s, _ := h.store.Get(context.Background(), id)
	if len(s.Transcript) != 1 || s.Transcript[0].Text != "kept" {
		t.Errorf("expected incremental transcript kept, got %+v", s.Transcript)
	}
}

func TestStop_NoAudioSkipsTranscription(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.started(t)

	if err := h.m.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.tr.calls() != 0 {
		t.Errorf("expected no transcription for empty audio, got %d", h.tr.calls())
	}
	if len(h.docs.generated) != 0 {
		t.Error("expected no documentation for an empty transcript")
	}
}

func TestStart_Idempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.started(t)
	defer h.m.Close()
	h.write(100)
	r := h.m.current()

	if err := h.m.Start(context.Background(), id); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if h.m.current() != r {
		t.Error("second start replaced the run")
	}
	if h.tr.resets != 1 || h.tr.liveStarts != 1 {
		t.Errorf("expected one reset and one live start, got %d and %d", h.tr.resets, h.tr.liveStarts)
	}
	if got := len(h.rec.CurrentBuffer().Data); got != 100 {
		t.Errorf("second start reset the capture buffer, have %d bytes", got)
	}
}

func TestStart_AnotherSessionActive(t *testing.T) {
	h := newHarness(t, testConfig())
	h.started(t)
	defer h.m.Close()

	other, _ := h.m.Create(context.Background())
	err := h.m.Start(context.Background(), other.ID)
	if !errors.Is(err, ErrAnotherSessionActive) {
		t.Fatalf("expected ErrAnotherSessionActive, got %v", err)
	}
	errs := h.errorEvents()
	if len(errs) != 1 || errs[0].Operation != "start" || errs[0].SessionID != other.ID || errs[0].Category != "conflict" {
		t.Errorf("unexpected error events %+v", errs)
	}
}

func TestStart_NotFound(t *testing.T) {
	h := newHarness(t, testConfig())
	if err := h.m.Start(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStart_RecoversStoredActiveSession(t *testing.T) {
	h := newHarness(t, testConfig())
	now := time.Now()
	crashed := &models.Session{ID: "crashed", Status: models.StatusActive, CreatedAt: now, UpdatedAt: now, StartedAt: now}
	if err := h.store.Save(context.Background(), crashed); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := h.m.Start(context.Background(), "crashed"); err != nil {
		t.Fatalf("Start of a stale active session: %v", err)
	}
	defer h.m.Close()
	if s := h.m.Active(); s == nil || s.ID != "crashed" || !s.StartedAt.Equal(now) {
		t.Errorf("unexpected active session %+v", s)
	}
}

func TestStart_LiveFailureFallsBackToChunked(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.liveErr = stt.ErrLiveUnsupported
	h.started(t)
	defer h.m.Close()

	if h.m.current().live {
		t.Error("expected live disabled after StartLive failure")
	}
	if len(h.errorEvents()) != 0 {
		t.Error("live failure should not be reported as an operation error")
	}
}

func TestLiveSegments(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.started(t)

	h.tr.liveFn(models.TranscriptSegment{ID: "live-1", Speaker: models.SpeakerPatient, Text: "It hurts when I swallow."})
	h.tr.liveFn(models.TranscriptSegment{ID: "live-2", Speaker: models.SpeakerPatient, Text: "It hurts when I swallow."})

	if got := len(h.m.Active().Transcript); got != 1 {
		t.Fatalf("expected repeated live segment merged once, got %d", got)
	}
	if len(h.segments) != 1 {
		t.Errorf("expected 1 segment event, got %d", len(h.segments))
	}

	fn := h.tr.liveFn
	if err := h.m.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.tr.liveStops != 1 {
		t.Errorf("expected live stopped once, got %d", h.tr.liveStops)
	}
	fn(models.TranscriptSegment{Text: "After stop."})
	s, _ := h.m.Get(context.Background(), id)
	if len(s.Transcript) != 1 {
		t.Errorf("segment delivered after stop was applied: %+v", s.Transcript)
	}
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.started(t)
	defer h.m.Close()
	ctx := context.Background()

	if err := h.m.Pause(ctx, id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !h.rec.State().IsPaused {
		t.Error("expected capture paused")
	}
	if s, _ := h.store.Get(ctx, id); s.Status != models.StatusPaused {
		t.Errorf("expected paused persisted, got %s", s.Status)
	}

	err := h.m.Pause(ctx, id)
	var te *TransitionError
	if !errors.As(err, &te) || te.From != models.StatusPaused {
		t.Fatalf("expected TransitionError from paused, got %v", err)
	}

	if err := h.m.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if h.rec.State().IsPaused || h.m.Active().Status != models.StatusActive {
		t.Error("expected capture and session active again")
	}
	if err := h.m.Resume(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition resuming an active session, got %v", err)
	}

	errs := h.errorEvents()
	if len(errs) != 2 || errs[0].Category != "invalid_transition" {
		t.Errorf("expected two invalid_transition error events, got %+v", errs)
	}
}

func TestOperationsOnIdleSession(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	s, _ := h.m.Create(ctx)

	for name, op := range map[string]func(context.Context, string) error{
		"pause":  h.m.Pause,
		"resume": h.m.Resume,
		"stop":   h.m.Stop,
	} {
		t.Run(name, func(t *testing.T) {
			if err := op(ctx, s.ID); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
	if err := h.m.Pause(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestFinalize(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.started(t)
	ctx := context.Background()

	if _, err := h.m.Finalize(ctx, id); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive while recording, got %v", err)
	}
	if err := h.m.Stop(ctx, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	s, err := h.m.Finalize(ctx, id)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !s.Documentation.IsFinalized {
		t.Error("expected documentation finalized")
	}
	stored, _ := h.store.Get(ctx, id)
	if !stored.Documentation.IsFinalized {
		t.Error("expected finalized flag persisted")
	}
}

func TestUpdateDocumentation(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	s, _ := h.m.Create(ctx)
	plan := "Rest and fluids."

	updated, err := h.m.UpdateDocumentation(ctx, s.ID, models.NotePatch{Plan: &plan})
	if err != nil {
		t.Fatalf("UpdateDocumentation: %v", err)
	}
	if updated.Documentation.Note.Plan != plan {
		t.Errorf("unexpected note %+v", updated.Documentation.Note)
	}

	id := h.started(t)
	defer h.m.Close()
	complaint := "Sore throat"
	if _, err := h.m.UpdateDocumentation(ctx, id, models.NotePatch{ChiefComplaint: &complaint}); err != nil {
		t.Fatalf("UpdateDocumentation on active session: %v", err)
	}
	if got := h.m.Active().Documentation.Note.ChiefComplaint; got != complaint {
		t.Errorf("active session note not updated, got %q", got)
	}

	if _, err := h.m.UpdateDocumentation(ctx, "missing", models.NotePatch{Plan: &plan}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.started(t)
	ctx := context.Background()

	if err := h.m.Delete(ctx, id); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	h.m.Pause(ctx, id)
	if err := h.m.Delete(ctx, id); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive for the paused owner, got %v", err)
	}
	h.m.Stop(ctx, id)

	if err := h.m.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.m.Get(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if err := h.m.Delete(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound deleting twice, got %v", err)
	}
}

func TestPersistCycle_Duration(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.started(t)
	defer h.m.Close()
	r := h.m.current()

	h.write(8000) // 2s at the default byte rate
	h.m.persistCycle(r)
	s, _ := h.store.Get(context.Background(), id)
	if s.Metadata.Duration != 2 {
		t.Errorf("expected duration 2s, got %v", s.Metadata.Duration)
	}

	h.m.Pause(context.Background(), id)
	h.m.persistCycle(r)
	s, _ = h.store.Get(context.Background(), id)
	if s.Metadata.Duration != 2 {
		t.Errorf("duration changed while paused: %v", s.Metadata.Duration)
	}
}

func TestTimers_FireChunkCycles(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	h.tr.respond = func(int, stt.AudioChunk) (*stt.Result, error) {
		return &stt.Result{Segments: segs("Timer driven.")}, nil
	}
	id := h.started(t)
	h.write(5000)

	deadline := time.Now().Add(2 * time.Second)
	for h.tr.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.tr.calls() == 0 {
		t.Fatal("chunk timer never fired")
	}
	if err := h.m.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestClose_DoesNotPersist(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.started(t)
	h.write(5000)

	h.m.Close()
	h.m.Close()

	if h.m.Active() != nil {
		t.Error("expected no active session after close")
	}
	if h.rec.State().IsRecording {
		t.Error("expected capture released")
	}
	s, _ := h.store.Get(context.Background(), id)
	if s.Status != models.StatusActive {
		t.Errorf("close should not persist, stored status %s", s.Status)
	}
}

func (h *harness) requireErrorEvent(t *testing.T, op Operation) {
	t.Helper()
	for _, e := range h.errorEvents() {
		if e.Operation == string(op) {
			return
		}
	}
	t.Errorf("expected an error event for %s, got %+v", op, h.errorEvents())
}

func TestStart_PersistFailureRollsBack(t *testing.T) {
	h := newHarness(t, testConfig())
	s, err := h.m.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h.store.failSave.Store(true)
	err = h.m.Start(context.Background(), s.ID)
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("expected save error, got %v", err)
	}
	h.requireErrorEvent(t, OpStart)
	if h.m.Active() != nil {
		t.Error("expected no active session after failed start")
	}
	if h.rec.State().IsRecording {
		t.Error("expected capture stopped after failed start")
	}
	if h.tr.liveStarts != 0 {
		t.Errorf("expected live transcription not started, got %d starts", h.tr.liveStarts)
	}

	h.store.failSave.Store(false)
	if err := h.m.Start(context.Background(), s.ID); err != nil {
		t.Fatalf("Start after recovery: %v", err)
	}
	h.m.Close()
}

func TestPause_PersistFailureReturned(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.started(t)
	defer h.m.Close()

	h.store.failSave.Store(true)
	if err := h.m.Pause(context.Background(), id); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected save error, got %v", err)
	}
	h.requireErrorEvent(t, OpPause)
}

func TestStop_PersistFailureReturned(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.started(t)
	h.write(5000)

	h.store.failSave.Store(true)
	if err := h.m.Stop(context.Background(), id); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected save error, got %v", err)
	}
	h.requireErrorEvent(t, OpStop)
	if h.m.Active() != nil {
		t.Error("expected capture released after stop")
	}
}

func TestPersistTimer_FailureSwallowed(t *testing.T) {
	cfg := testConfig()
	cfg.PersistInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	id := h.started(t)
	h.write(8000)

	h.store.failSave.Store(true)
	base := h.store.saves.Load()
	deadline := time.Now().Add(2 * time.Second)
	for h.store.saves.Load() < base+3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.store.saves.Load() - base; got < 3 {
		t.Fatalf("expected the persist timer to keep firing, got %d saves", got)
	}
	if len(h.errorEvents()) != 0 {
		t.Errorf("periodic save failures should not be published, got %+v", h.errorEvents())
	}

	h.store.failSave.Store(false)
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, _ := h.store.Get(context.Background(), id); s != nil && s.Metadata.Duration == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := h.store.Get(context.Background(), id)
	if s.Metadata.Duration != 2 {
		t.Errorf("expected a later save to record 2s, got %v", s.Metadata.Duration)
	}
	if err := h.m.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestClose_LiveStopFailureStillReleases(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.liveStopErr = errors.New("stream already closed")
	h.started(t)

	h.m.Close()

	if h.m.Active() != nil {
		t.Error("expected no active session after close")
	}
	if h.tr.liveStops != 1 {
		t.Errorf("expected one live stop, got %d", h.tr.liveStops)
	}
	if h.rec.State().IsRecording {
		t.Error("expected capture released")
	}
}
