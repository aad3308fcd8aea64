package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"clinscribe/internal/events"
	"clinscribe/internal/models"
	"clinscribe/internal/observability/logging"
	"clinscribe/internal/observability/metrics"
	"clinscribe/internal/service/audio"
	"clinscribe/internal/service/notes"
	"clinscribe/internal/service/segment"
	"clinscribe/internal/service/stt"
	"clinscribe/internal/storage"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrAnotherSessionActive = errors.New("another session is active")
	ErrSessionActive        = errors.New("session is active")

	// errChunkInFlight marks a chunk firing skipped because the previous
	// firing is still transcribing.
	errChunkInFlight = errors.New("chunk transcription already in flight")
	errStale         = errors.New("session run no longer active")
)

// Transcriber is the transcription orchestrator as seen by the manager.
type Transcriber interface {
	Transcribe(ctx context.Context, chunk stt.AudioChunk) (*stt.Result, error)
	StartLive(ctx context.Context, fn stt.SegmentFunc) error
	StopLive() error
	ResetAvailability()
}

// Config holds the timer and chunk policy.
type Config struct {
	ChunkInterval   time.Duration
	PersistInterval time.Duration
	MinChunkBytes   int
	ChunkFraction   float64
	IncrementalDocs bool
	LiveEnabled     bool
	MimeType        string // container of the final audio handed over on Stop
}

func DefaultConfig() Config {
	return Config{
		ChunkInterval:   15 * time.Second,
		PersistInterval: 10 * time.Second,
		MinChunkBytes:   4000,
		ChunkFraction:   0.3,
		IncrementalDocs: true,
		LiveEnabled:     true,
		MimeType:        "audio/webm;codecs=opus",
	}
}

// Manager drives recording sessions. At most one session owns the capture
// at a time; that session's state lives in memory and is snapshotted to the
// store.
type Manager struct {
	cfg         Config
	store       storage.Store
	capture     audio.Capture
	transcriber Transcriber
	docs        notes.Generator
	bus         *events.Bus
	metrics     *metrics.Metrics
	log         zerolog.Logger
	now         func() time.Time

	opMu      sync.Mutex // serialises user operations
	persistMu sync.Mutex // orders snapshot saves; taken before mu
	mu        sync.Mutex // guards active and the run's session
	active    *run
}

// run is one start-to-stop ownership of the capture by a session.
type run struct {
	lifecycle *Lifecycle
	session   *models.Session
	marker    int // buffer size at the last chunk handed to transcription
	live      bool
	log       zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	stopTimer func()
	inFlight  atomic.Bool
	chunks    sync.WaitGroup
}

func (r *run) id() string { return r.lifecycle.SessionID() }

// New creates a manager. A nil bus gets a private one.
func New(cfg Config, store storage.Store, capture audio.Capture, transcriber Transcriber,
	docs notes.Generator, bus *events.Bus, m *metrics.Metrics, log zerolog.Logger) *Manager {
	if bus == nil {
		bus = events.NewBus()
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = 15 * time.Second
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = 10 * time.Second
	}
	return &Manager{
		cfg:         cfg,
		store:       store,
		capture:     capture,
		transcriber: transcriber,
		docs:        docs,
		bus:         bus,
		metrics:     m,
		log:         log,
		now:         time.Now,
	}
}

// Bus returns the event bus the manager publishes on.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Create stores a new, not yet started session.
func (m *Manager) Create(ctx context.Context) (*models.Session, error) {
	now := m.now()
	s := &models.Session{
		ID:         uuid.NewString(),
		Status:     models.StatusCompleted,
		Transcript: []models.TranscriptSegment{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.log.Info().Str("sessionId", s.ID).Msg("Session created")
	m.bus.EmitSession(s)
	return s.Clone(), nil
}

// Start makes id the active session: capture, live transcription and both
// timers start. Starting the session that already owns the capture is a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if r := m.current(); r != nil {
		if r.id() == id {
			return nil
		}
		return m.fail(id, OpStart, fmt.Errorf("start %s: %w (%s)", id, ErrAnotherSessionActive, r.id()))
	}

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return m.fail(id, OpStart, fmt.Errorf("load session %s: %w", id, err))
	}
	if s == nil {
		return m.fail(id, OpStart, fmt.Errorf("start %s: %w", id, ErrSessionNotFound))
	}

	// A stored status other than completed means a previous process died
	// mid-recording; nothing owns that session now, so it starts over.
	lc := NewLifecycle(id, models.StatusCompleted)
	if err := lc.Start(); err != nil {
		return m.fail(id, OpStart, err)
	}

	m.transcriber.ResetAvailability()
	if err := m.capture.Start(ctx); err != nil {
		return m.fail(id, OpStart, fmt.Errorf("start capture: %w", err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		lifecycle: lc,
		session:   s,
		log:       logging.WithSession(m.log, id),
		ctx:       runCtx,
		cancel:    cancel,
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = m.now()
	}
	s.Status = models.StatusActive

	m.mu.Lock()
	m.active = r
	m.mu.Unlock()

	snap, err := m.commit(ctx, r, "start", nil)
	if err != nil {
		m.detach(r)
		cancel()
		if _, stopErr := m.capture.Stop(); stopErr != nil {
			r.log.Warn().Err(stopErr).Msg("Failed to stop capture after start failure")
		}
		return m.fail(id, OpStart, fmt.Errorf("persist session: %w", err))
	}

	if m.cfg.LiveEnabled {
		if err := m.transcriber.StartLive(runCtx, m.liveHandler(r)); err != nil {
			r.log.Warn().Err(err).Msg("Live transcription unavailable, chunked only")
		} else {
			r.live = true
		}
	}
	m.startTimers(r)

	m.metrics.RecordTransition(string(models.StatusActive))
	r.log.Info().Bool("live", r.live).Msg("Session started")
	m.bus.EmitSession(snap)
	return nil
}

// Pause stops both timers and pauses capture.
func (m *Manager) Pause(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	r, err := m.owned(ctx, id, OpPause)
	if err != nil {
		return m.fail(id, OpPause, err)
	}
	if err := r.lifecycle.Pause(); err != nil {
		return m.fail(id, OpPause, err)
	}
	m.stopTimers(r)
	if err := m.capture.Pause(); err != nil {
		if rbErr := r.lifecycle.Resume(); rbErr != nil {
			r.log.Error().Err(rbErr).Msg("Failed to roll back pause")
		}
		m.startTimers(r)
		return m.fail(id, OpPause, fmt.Errorf("pause capture: %w", err))
	}
	return m.transitioned(ctx, r, OpPause)
}

// Resume restarts capture and both timers.
func (m *Manager) Resume(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	r, err := m.owned(ctx, id, OpResume)
	if err != nil {
		return m.fail(id, OpResume, err)
	}
	if err := r.lifecycle.Resume(); err != nil {
		return m.fail(id, OpResume, err)
	}
	if err := m.capture.Resume(); err != nil {
		if rbErr := r.lifecycle.Pause(); rbErr != nil {
			r.log.Error().Err(rbErr).Msg("Failed to roll back resume")
		}
		return m.fail(id, OpResume, fmt.Errorf("resume capture: %w", err))
	}
	m.startTimers(r)
	return m.transitioned(ctx, r, OpResume)
}

func (m *Manager) transitioned(ctx context.Context, r *run, op Operation) error {
	status := r.lifecycle.Status()
	snap, err := m.commit(ctx, r, string(op), func(s *models.Session) bool {
		s.Status = status
		return true
	})
	if err != nil {
		return m.fail(r.id(), op, fmt.Errorf("persist session: %w", err))
	}
	m.metrics.RecordTransition(string(status))
	r.log.Info().Str("status", string(status)).Msg("Session " + string(op) + "d")
	m.bus.EmitSession(snap)
	return nil
}

// Stop ends the session. The final audio is transcribed once in full and,
// when that yields segments, replaces the incremental transcript. Full
// documentation is then generated from the transcript.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	r, err := m.owned(ctx, id, OpStop)
	if err != nil {
		return m.fail(id, OpStop, err)
	}
	if err := r.lifecycle.Stop(); err != nil {
		return m.fail(id, OpStop, err)
	}

	m.stopTimers(r)
	captured := m.capture.State().Duration.Seconds()
	final, captureErr := m.capture.Stop()
	if captureErr != nil {
		r.log.Error().Err(captureErr).Msg("Failed to stop capture")
		m.bus.EmitError(id, string(OpStop), "", captureErr)
	}
	if r.live {
		if err := m.transcriber.StopLive(); err != nil {
			r.log.Warn().Err(err).Msg("Failed to stop live transcription")
		}
	}

	// From here on nothing else touches r.session.
	m.detach(r)
	r.cancel()
	r.chunks.Wait()
	s := r.session

	if len(final) > 0 {
		res, err := m.transcriber.Transcribe(ctx, stt.AudioChunk{Data: final, MimeType: m.cfg.MimeType})
		switch {
		case err != nil:
			r.log.Warn().Err(err).Int("bytes", len(final)).Msg("Final transcription failed, keeping incremental transcript")
		case res != nil && len(res.Segments) > 0:
			replaced := segment.Normalize(res.Segments)
			segment.EnsureUniqueIDs(replaced)
			if len(replaced) > 0 {
				s.Transcript = replaced
				m.metrics.RecordSegments("final", len(replaced))
			}
		}
	}

	docUpdated := false
	if len(s.Transcript) > 0 {
		doc, err := m.docs.Generate(ctx, s.Transcript)
		if err != nil {
			r.log.Warn().Err(err).Msg("Documentation generation failed")
		} else {
			doc.IsFinalized = s.Documentation.IsFinalized
			s.Documentation = doc
			docUpdated = true
		}
	}

	s.Status = models.StatusCompleted
	s.Metadata.Duration = math.Max(s.Metadata.Duration, captured)
	s.UpdatedAt = m.now()

	m.persistMu.Lock()
	err = m.store.Save(ctx, s)
	m.persistMu.Unlock()
	if err != nil {
		m.metrics.RecordPersistError("stop")
		return m.fail(id, OpStop, fmt.Errorf("persist session: %w", err))
	}

	m.metrics.RecordTransition(string(models.StatusCompleted))
	r.log.Info().
		Int("segments", len(s.Transcript)).
		Float64("duration", s.Metadata.Duration).
		Msg("Session stopped")
	if docUpdated {
		m.bus.EmitDocumentation(id, s.Documentation)
	}
	m.bus.EmitSession(s)
	return nil
}

// UpdateDocumentation applies a manual edit to the session's note.
func (m *Manager) UpdateDocumentation(ctx context.Context, id string, patch models.NotePatch) (*models.Session, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	return m.editDocumentation(ctx, id, "update_documentation", func(d *models.Documentation) {
		patch.Apply(&d.Note)
		d.LastUpdated = m.now()
	})
}

// Finalize marks the documentation final. It is refused while recording.
func (m *Manager) Finalize(ctx context.Context, id string) (*models.Session, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if r := m.current(); r != nil && r.id() == id && r.lifecycle.Status() == models.StatusActive {
		return nil, fmt.Errorf("finalize %s: %w", id, ErrSessionActive)
	}
	return m.editDocumentation(ctx, id, "finalize", func(d *models.Documentation) {
		d.IsFinalized = true
		d.LastUpdated = m.now()
	})
}

func (m *Manager) editDocumentation(ctx context.Context, id, source string, edit func(*models.Documentation)) (*models.Session, error) {
	var snap *models.Session
	if r := m.current(); r != nil && r.id() == id {
		var err error
		snap, err = m.commit(ctx, r, source, func(s *models.Session) bool {
			edit(&s.Documentation)
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", source, id, err)
		}
	} else {
		s, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, fmt.Errorf("%s %s: %w", source, id, ErrSessionNotFound)
		}
		edit(&s.Documentation)
		if err := m.store.Update(ctx, id, models.Patch{Documentation: &s.Documentation}); err != nil {
			return nil, fmt.Errorf("%s %s: %w", source, id, err)
		}
		if snap, err = m.store.Get(ctx, id); err != nil || snap == nil {
			snap = s
		}
	}
	m.bus.EmitDocumentation(id, snap.Documentation)
	m.bus.EmitSession(snap)
	return snap, nil
}

// Delete removes a session. The active session cannot be deleted.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if r := m.current(); r != nil && r.id() == id {
		return fmt.Errorf("delete %s: %w", id, ErrSessionActive)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete %s: %w", id, ErrSessionNotFound)
		}
		return err
	}
	m.log.Info().Str("sessionId", id).Msg("Session deleted")
	return nil
}

// Get returns a copy of the session, from memory when it is active.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	if r := m.active; r != nil && r.id() == id {
		snap := r.session.Clone()
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("get %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// List returns all stored sessions, newest first.
func (m *Manager) List(ctx context.Context) ([]*models.Session, error) {
	return m.store.List(ctx)
}

// Active returns a copy of the session owning the capture, or nil.
func (m *Manager) Active() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.session.Clone()
}

// Close releases the capture, live transcription and timers without
// persisting anything.
func (m *Manager) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	r := m.current()
	if r == nil {
		return
	}
	m.stopTimers(r)
	if _, err := m.capture.Stop(); err != nil {
		r.log.Debug().Err(err).Msg("Capture stop on close")
	}
	if r.live {
		if err := m.transcriber.StopLive(); err != nil {
			r.log.Warn().Err(err).Msg("Failed to stop live transcription")
		}
	}
	m.detach(r)
	r.cancel()
	r.chunks.Wait()
	m.metrics.RecordTransition("disposed")
	r.log.Info().Msg("Session manager closed")
}

func (m *Manager) current() *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) detach(r *run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == r {
		m.active = nil
	}
}

// owned returns the run for id, or the error for op on a session that does
// not own the capture.
func (m *Manager) owned(ctx context.Context, id string, op Operation) (*run, error) {
	if r := m.current(); r != nil && r.id() == id {
		return r, nil
	}
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%s %s: %w", op, id, ErrSessionNotFound)
	}
	return nil, &TransitionError{SessionID: id, Op: op, From: models.StatusCompleted}
}

// commit applies fn to the run's session and saves a snapshot. A nil fn
// saves the session as is; fn returning false skips the save.
func (m *Manager) commit(ctx context.Context, r *run, source string, fn func(*models.Session) bool) (*models.Session, error) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	if m.active != r {
		m.mu.Unlock()
		return nil, errStale
	}
	if fn != nil && !fn(r.session) {
		m.mu.Unlock()
		return nil, nil
	}
	r.session.UpdatedAt = m.now()
	snap := r.session.Clone()
	m.mu.Unlock()

	if err := m.store.Save(ctx, snap); err != nil {
		m.metrics.RecordPersistError(source)
		return snap, err
	}
	return snap, nil
}

// fail logs err, publishes it on the error channel and returns it.
func (m *Manager) fail(id string, op Operation, err error) error {
	category := ""
	var se *stt.Error
	switch {
	case errors.As(err, &se):
		category = string(se.Category)
	case errors.Is(err, ErrInvalidTransition):
		category = "invalid_transition"
	case errors.Is(err, ErrAnotherSessionActive):
		category = "conflict"
	}
	m.log.Warn().Err(err).Str("sessionId", id).Str("operation", string(op)).Msg("Session operation failed")
	m.bus.EmitError(id, string(op), category, err)
	return err
}
