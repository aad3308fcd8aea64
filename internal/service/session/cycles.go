package session

import (
	"context"
	"errors"
	"math"
	"time"

	"clinscribe/internal/models"
	"clinscribe/internal/service/segment"
)

// Chunk cycle outcomes, as recorded in chunk_cycles_total.
const (
	chunkBelowThreshold = "below_threshold"
	chunkInFlight       = "in_flight"
	chunkFailed         = "error"
	chunkEmpty          = "empty"
	chunkStale          = "stale"
	chunkTranscribed    = "transcribed"
)

// chunkThreshold is the amount of new audio a chunk needs before it is
// worth transcribing again.
func chunkThreshold(size, minBytes int, fraction float64) int {
	return max(minBytes, int(math.Round(float64(size)*fraction)))
}

func (m *Manager) startTimers(r *run) {
	ctx, cancel := context.WithCancel(r.ctx)
	done := make(chan struct{})
	r.stopTimer = func() {
		cancel()
		<-done
	}

	go func() {
		defer close(done)
		chunkTicker := time.NewTicker(m.cfg.ChunkInterval)
		persistTicker := time.NewTicker(m.cfg.PersistInterval)
		defer chunkTicker.Stop()
		defer persistTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-chunkTicker.C:
				r.chunks.Add(1)
				go func() {
					defer r.chunks.Done()
					m.chunkCycle(r)
				}()
			case <-persistTicker.C:
				m.persistCycle(r)
			}
		}
	}()
}

func (m *Manager) stopTimers(r *run) {
	if r.stopTimer != nil {
		r.stopTimer()
		r.stopTimer = nil
	}
}

// chunkCycle transcribes the capture buffer once enough new audio has
// accumulated. Failures are logged and swallowed; the timer keeps firing.
func (m *Manager) chunkCycle(r *run) string {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.log.Debug().Err(errChunkInFlight).Msg("Skipping chunk")
		m.metrics.RecordChunkCycle(chunkInFlight)
		return chunkInFlight
	}
	defer r.inFlight.Store(false)

	result := m.transcribeChunk(r)
	m.metrics.RecordChunkCycle(result)
	return result
}

func (m *Manager) transcribeChunk(r *run) string {
	chunk := m.capture.CurrentBuffer()
	size := chunk.Size()

	m.mu.Lock()
	if m.active != r {
		m.mu.Unlock()
		return chunkStale
	}
	newAudio := size - r.marker
	threshold := chunkThreshold(size, m.cfg.MinChunkBytes, m.cfg.ChunkFraction)
	if newAudio < threshold {
		m.mu.Unlock()
		return chunkBelowThreshold
	}
	r.marker = size
	m.mu.Unlock()

	m.metrics.RecordChunkSent(size)
	res, err := m.transcriber.Transcribe(r.ctx, chunk)
	if err != nil {
		if r.ctx.Err() != nil {
			return chunkStale
		}
		r.log.Warn().Err(err).Int("bytes", size).Msg("Chunk transcription failed")
		return chunkFailed
	}
	if res == nil {
		return chunkEmpty
	}

	var added []models.TranscriptSegment
	snap, err := m.commit(r.ctx, r, "chunk", func(s *models.Session) bool {
		s.Transcript, added = segment.Merge(s.Transcript, res.Segments)
		return len(added) > 0
	})
	switch {
	case errors.Is(err, errStale):
		return chunkStale
	case err != nil:
		// The in-memory transcript has the segments; the next snapshot saves them.
		r.log.Error().Err(err).Msg("Failed to persist chunk transcript")
	case snap == nil:
		return chunkEmpty
	}

	m.metrics.RecordSegments("chunk", len(added))
	r.log.Debug().Int("bytes", size).Int("added", len(added)).Str("backend", res.Backend).Msg("Chunk transcribed")
	for _, seg := range added {
		m.bus.EmitSegment(r.id(), seg)
	}
	m.bus.EmitSession(snap)

	if m.cfg.IncrementalDocs {
		m.updateDocumentation(r, snap.Documentation, added)
	}
	return chunkTranscribed
}

// updateDocumentation folds newly added segments into the note.
func (m *Manager) updateDocumentation(r *run, existing models.Documentation, added []models.TranscriptSegment) {
	doc, err := m.docs.Update(r.ctx, existing, added)
	if err != nil {
		if r.ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("Incremental documentation failed")
		}
		return
	}
	snap, err := m.commit(r.ctx, r, "documentation", func(s *models.Session) bool {
		doc.IsFinalized = s.Documentation.IsFinalized
		s.Documentation = doc
		return true
	})
	if errors.Is(err, errStale) {
		return
	}
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to persist documentation")
	}
	m.bus.EmitDocumentation(r.id(), snap.Documentation)
	m.bus.EmitSession(snap)
}

// persistCycle snapshots the session with the captured duration. Failures
// are logged only.
func (m *Manager) persistCycle(r *run) {
	captured := m.capture.State().Duration.Seconds()
	_, err := m.commit(r.ctx, r, "timer", func(s *models.Session) bool {
		s.Metadata.Duration = math.Max(s.Metadata.Duration, captured)
		return true
	})
	if err != nil && !errors.Is(err, errStale) {
		r.log.Warn().Err(err).Msg("Periodic save failed")
	}
}

// liveHandler merges segments pushed by a live backend into the run's
// transcript. Segments arriving after the run ended are dropped.
func (m *Manager) liveHandler(r *run) func(models.TranscriptSegment) {
	return func(seg models.TranscriptSegment) {
		m.mu.Lock()
		if m.active != r {
			m.mu.Unlock()
			return
		}
		var added []models.TranscriptSegment
		r.session.Transcript, added = segment.Merge(r.session.Transcript, []models.TranscriptSegment{seg})
		if len(added) == 0 {
			m.mu.Unlock()
			return
		}
		r.session.UpdatedAt = m.now()
		snap := r.session.Clone()
		m.mu.Unlock()

		m.metrics.RecordSegments("live", len(added))
		for _, a := range added {
			m.bus.EmitSegment(r.id(), a)
		}
		m.bus.EmitSession(snap)
	}
}
