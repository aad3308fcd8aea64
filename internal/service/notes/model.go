package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"clinscribe/internal/genai"
	"clinscribe/internal/models"
	"clinscribe/internal/observability/metrics"
)

// ErrUnparseable is recorded when no attempt produced a usable note.
var ErrUnparseable = errors.New("model output is not a clinical note")

const systemPrompt = `You are a clinical documentation assistant. Read the encounter transcript and ` +
	`respond with a single JSON object with the string fields chiefComplaint, ` +
	`historyOfPresentIllness, reviewOfSystems, physicalExam, assessment, plan and summary, ` +
	`and the string array field medications. Use empty values for sections the ` +
	`transcript does not support. Do not invent findings.`

// Chatter is the model call the generator depends on.
type Chatter interface {
	Chat(ctx context.Context, req genai.ChatRequest) (string, error)
}

type ModelConfig struct {
	Model       string
	MaxAttempts int // attempts per call when the output does not parse
	Temperature float64
}

func DefaultModelConfig() ModelConfig {
	return ModelConfig{Model: "gpt-4o-mini", MaxAttempts: 3, Temperature: 0.2}
}

// ModelGenerator asks a generative model for the note and falls back to a
// transcript-derived note when the model is unreachable or its output does
// not parse after MaxAttempts.
type ModelGenerator struct {
	chat    Chatter
	cfg     ModelConfig
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

var _ Generator = (*ModelGenerator)(nil)

func NewModelGenerator(chat Chatter, cfg ModelConfig, m *metrics.Metrics, log zerolog.Logger) *ModelGenerator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &ModelGenerator{chat: chat, cfg: cfg, metrics: m, log: log, now: time.Now}
}

func (g *ModelGenerator) Generate(ctx context.Context, segments []models.TranscriptSegment) (models.Documentation, error) {
	if len(segments) == 0 {
		return models.Documentation{LastUpdated: g.now()}, nil
	}
	prompt := "Transcript:\n" + formatTranscript(segments)

	note, err := g.ask(ctx, "generate", prompt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.Documentation{}, ctxErr
		}
		note = Fallback(segments)
	}
	return models.Documentation{Note: note, LastUpdated: g.now()}, nil
}

func (g *ModelGenerator) Update(ctx context.Context, existing models.Documentation, newSegments []models.TranscriptSegment) (models.Documentation, error) {
	doc := existing.Clone()
	if len(newSegments) == 0 {
		return doc, nil
	}
	current, err := json.Marshal(existing.Note)
	if err != nil {
		return doc, err
	}
	prompt := fmt.Sprintf("Current note:\n%s\n\nNew transcript segments:\n%s\n\n"+
		"Return the complete updated note.", current, formatTranscript(newSegments))

	note, err := g.ask(ctx, "update", prompt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return doc, ctxErr
		}
		note = mergeNotes(doc.Note, Fallback(newSegments))
	}
	doc.Note = note
	doc.LastUpdated = g.now()
	return doc, nil
}

// ask runs the model until its output parses. Request failures are not
// retried here; the caller falls back.
func (g *ModelGenerator) ask(ctx context.Context, kind, prompt string) (models.ClinicalNote, error) {
	req := genai.ChatRequest{
		Model:       g.cfg.Model,
		Temperature: g.cfg.Temperature,
		JSON:        true,
		Messages: []genai.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	}

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		content, err := g.chat.Chat(ctx, req)
		if err != nil {
			g.log.Warn().Err(err).Str("kind", kind).Msg("documentation model call failed, using fallback")
			g.metrics.RecordDocumentation(kind, err)
			return models.ClinicalNote{}, err
		}
		note, err := parseNote(content)
		if err == nil {
			g.metrics.RecordDocumentation(kind, nil)
			return note, nil
		}
		lastErr = err
		g.log.Debug().Err(err).Str("kind", kind).Int("attempt", attempt).Msg("unparseable documentation output")
	}

	g.log.Warn().Err(lastErr).Str("kind", kind).Int("attempts", g.cfg.MaxAttempts).
		Msg("documentation output never parsed, using fallback")
	g.metrics.RecordDocumentation(kind, lastErr)
	return models.ClinicalNote{}, lastErr
}

// parseNote extracts the JSON object from model output, tolerating code
// fences and surrounding prose.
func parseNote(content string) (models.ClinicalNote, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return models.ClinicalNote{}, ErrUnparseable
	}
	var note models.ClinicalNote
	if err := json.Unmarshal([]byte(content[start:end+1]), &note); err != nil {
		return models.ClinicalNote{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if note.IsEmpty() {
		return models.ClinicalNote{}, fmt.Errorf("%w: empty note", ErrUnparseable)
	}
	return note, nil
}

func formatTranscript(segments []models.TranscriptSegment) string {
	var b strings.Builder
	for _, seg := range segments {
		fmt.Fprintf(&b, "[%.1fs] %s: %s\n", seg.Timestamp, label(seg.Speaker), strings.TrimSpace(seg.Text))
	}
	return b.String()
}
