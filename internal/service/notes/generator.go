// Package notes derives structured clinical notes from transcript
// segments, either through a generative model or with a transcript-only
// fallback.
package notes

import (
	"context"
	"time"

	"clinscribe/internal/models"
)

// Generator produces clinical documentation. Implementations never fail on
// malformed model output; the only errors returned are context errors.
type Generator interface {
	// Generate builds documentation from a complete transcript.
	Generate(ctx context.Context, segments []models.TranscriptSegment) (models.Documentation, error)
	// Update folds newSegments into existing documentation.
	Update(ctx context.Context, existing models.Documentation, newSegments []models.TranscriptSegment) (models.Documentation, error)
}

// FallbackGenerator builds notes from the transcript alone. It is used when
// no generative model is configured.
type FallbackGenerator struct {
	Now func() time.Time
}

var _ Generator = FallbackGenerator{}

func (g FallbackGenerator) Generate(ctx context.Context, segments []models.TranscriptSegment) (models.Documentation, error) {
	if err := ctx.Err(); err != nil {
		return models.Documentation{}, err
	}
	return models.Documentation{Note: Fallback(segments), LastUpdated: now(g.Now)}, nil
}

func (g FallbackGenerator) Update(ctx context.Context, existing models.Documentation, newSegments []models.TranscriptSegment) (models.Documentation, error) {
	if err := ctx.Err(); err != nil {
		return existing, err
	}
	doc := existing.Clone()
	doc.Note = mergeNotes(doc.Note, Fallback(newSegments))
	doc.LastUpdated = now(g.Now)
	return doc, nil
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn()
	}
	return time.Now()
}
