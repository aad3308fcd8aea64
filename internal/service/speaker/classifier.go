// Package speaker attributes conversational roles to transcript segments
// from lexical register and conversational context.
package speaker

import (
	"regexp"
	"strings"

	"clinscribe/internal/models"
)

// PatternGroup is a weighted set of phrases typical of one speaker role.
type PatternGroup struct {
	Name     string
	Weight   float64
	Patterns []*regexp.Regexp
}

// Config holds the classifier weights and threshold.
type Config struct {
	ProviderGroups []PatternGroup
	PatientGroups  []PatternGroup

	ContextWindow   int     // number of recent segments considered
	QuestionBias    float64 // toward the opposite role after a question
	ResponseBias    float64 // toward the opposite role when the segment reads as an answer
	DominanceBias   float64 // toward the under-represented role over the last three segments
	AlternationBias float64 // toward the role that did not speak last
	MinConfidence   float64 // winner below this score yields unknown
}

func phrases(ps ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(ps))
	for i, p := range ps {
		out[i] = regexp.MustCompile(`(?i)\b` + p + `\b`)
	}
	return out
}

// DefaultConfig returns the weights used in production.
func DefaultConfig() Config {
	return Config{
		ProviderGroups: []PatternGroup{
			{Name: "recommendation", Weight: 0.5, Patterns: phrases(
				`i recommend`, `i('d| would) (like|suggest)`, `i'm going to prescribe`, `i will prescribe`,
				`we('ll| will) start you on`, `you should`, `i want you to`, `let's schedule`,
			)},
			{Name: "examination", Weight: 0.45, Patterns: phrases(
				`let me (examine|check|listen|take a look)`, `take a deep breath`, `on a scale of`,
				`any (allergies|fever|other symptoms)`, `how long have you`, `when did (it|this|the \w+) start`,
				`blood pressure`, `follow[- ]up`,
			)},
			{Name: "clinical", Weight: 0.3, Patterns: phrases(
				`diagnosis`, `prescription`, `milligrams`, `mg`, `twice (a|daily)`, `dosage`,
				`lab (work|results)`, `x-ray`, `referral`, `symptoms`,
			)},
		},
		PatientGroups: []PatternGroup{
			{Name: "sensation", Weight: 0.5, Patterns: phrases(
				`i feel`, `i've been feeling`, `it hurts`, `it('s| is) (painful|sore)`, `my \w+ hurts`,
				`i('ve| have) (had|been having)`, `i can't sleep`, `i('m| am) (worried|scared|tired|dizzy)`,
			)},
			{Name: "history", Weight: 0.35, Patterns: phrases(
				`(started|began) (about|around|last|a few)`, `since (last|yesterday|monday|this morning)`,
				`i took`, `i('ve| have) been taking`, `my (mother|father|wife|husband|doctor)`,
			)},
			{Name: "concern", Weight: 0.3, Patterns: phrases(
				`is it serious`, `should i be worried`, `do i need`, `will i`, `what does that mean`,
			)},
		},
		ContextWindow:   5,
		QuestionBias:    0.3,
		ResponseBias:    0.2,
		DominanceBias:   0.15,
		AlternationBias: 0.1,
		MinConfidence:   0.35,
	}
}

var responsePattern = regexp.MustCompile(`(?i)^\s*(yes|yeah|yep|no|nope|not really|i think|well|maybe|sometimes|okay|ok)\b`)

// Result is the outcome of classifying one segment.
type Result struct {
	Speaker    models.Speaker
	Confidence float64
	Scores     map[models.Speaker]float64
}

// Classifier attributes provider, patient or unknown to a segment. It keeps
// no state between calls.
type Classifier struct {
	cfg Config
}

// New creates a classifier with the given configuration.
func New(cfg Config) *Classifier {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 5
	}
	return &Classifier{cfg: cfg}
}

// Classify scores seg against both roles using recent, the preceding
// segments in chronological order.
func (c *Classifier) Classify(seg models.TranscriptSegment, recent []models.TranscriptSegment) Result {
	scores := map[models.Speaker]float64{
		models.SpeakerProvider: patternScore(c.cfg.ProviderGroups, seg.Text),
		models.SpeakerPatient:  patternScore(c.cfg.PatientGroups, seg.Text),
	}

	if len(recent) > c.cfg.ContextWindow {
		recent = recent[len(recent)-c.cfg.ContextWindow:]
	}
	c.applyContext(scores, seg.Text, recent)

	winner, best := models.SpeakerProvider, scores[models.SpeakerProvider]
	if p := scores[models.SpeakerPatient]; p > best {
		winner, best = models.SpeakerPatient, p
	}
	if best < c.cfg.MinConfidence || scores[models.SpeakerPatient] == scores[models.SpeakerProvider] {
		winner = models.SpeakerUnknown
	}
	if best > 1 {
		best = 1
	}
	return Result{Speaker: winner, Confidence: best, Scores: scores}
}

func (c *Classifier) applyContext(scores map[models.Speaker]float64, text string, recent []models.TranscriptSegment) {
	if len(recent) == 0 {
		return
	}
	last := recent[len(recent)-1]
	lastRole := last.Speaker

	if isQuestion(last.Text) && lastRole != models.SpeakerUnknown {
		scores[lastRole.Opposite()] += c.cfg.QuestionBias
	}
	if responsePattern.MatchString(text) && lastRole != models.SpeakerUnknown {
		scores[lastRole.Opposite()] += c.cfg.ResponseBias
	}

	tail := recent
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	var provider, patient int
	for _, s := range tail {
		switch s.Speaker {
		case models.SpeakerProvider:
			provider++
		case models.SpeakerPatient:
			patient++
		}
	}
	switch {
	case provider-patient > 1:
		scores[models.SpeakerPatient] += c.cfg.DominanceBias
	case patient-provider > 1:
		scores[models.SpeakerProvider] += c.cfg.DominanceBias
	}

	if lastRole != models.SpeakerUnknown {
		scores[lastRole.Opposite()] += c.cfg.AlternationBias
	}
}

// ProcessBatch classifies segments in order, feeding each result into the
// context of the next. seed is prior context, typically the transcript so
// far. Segments that already carry a role keep it.
func (c *Classifier) ProcessBatch(segments, seed []models.TranscriptSegment) []models.TranscriptSegment {
	ctx := models.CloneSegments(seed)
	out := make([]models.TranscriptSegment, len(segments))
	for i, seg := range segments {
		seg = seg.Clone()
		if seg.Speaker == models.SpeakerUnknown || !seg.Speaker.Valid() {
			seg.Speaker = c.Classify(seg, ctx).Speaker
		}
		out[i] = seg
		ctx = append(ctx, seg)
		if len(ctx) > c.cfg.ContextWindow {
			ctx = ctx[len(ctx)-c.cfg.ContextWindow:]
		}
	}
	return out
}

func patternScore(groups []PatternGroup, text string) float64 {
	var score float64
	for _, g := range groups {
		for _, p := range g.Patterns {
			if p.MatchString(text) {
				score += g.Weight
				break
			}
		}
	}
	return score
}

var questionLead = regexp.MustCompile(`(?i)^\s*(how|what|when|where|why|who|which|do|does|did|are|is|have|has|can|could|would|any)\b`)

func isQuestion(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasSuffix(t, "?") || questionLead.MatchString(t)
}
