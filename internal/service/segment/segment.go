// Package segment assigns segment identities and merges newly transcribed
// segments into a session transcript without duplication.
package segment

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	"clinscribe/internal/models"
)

// NewID returns a fresh segment id.
func NewID() string {
	return "seg-" + uuid.NewString()
}

// Normalize trims segment text, drops empty segments, clamps confidence to
// [0,1], defaults unknown speaker values and assigns missing ids. The input
// slice is not modified.
func Normalize(in []models.TranscriptSegment) []models.TranscriptSegment {
	out := make([]models.TranscriptSegment, 0, len(in))
	for _, seg := range in {
		seg = seg.Clone()
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.Text == "" {
			continue
		}
		if seg.ID == "" {
			seg.ID = NewID()
		}
		if !seg.Speaker.Valid() {
			seg.Speaker = models.SpeakerUnknown
		}
		if seg.Confidence != nil {
			c := *seg.Confidence
			if c < 0 {
				c = 0
			} else if c > 1 {
				c = 1
			}
			seg.Confidence = &c
		}
		if seg.Timestamp < 0 {
			seg.Timestamp = 0
		}
		out = append(out, seg)
	}
	return out
}

// similarityThreshold is the word-set overlap above which two utterances are
// treated as the same text.
const similarityThreshold = 0.8

// Merge appends incoming to existing and returns the merged transcript plus
// the segments that were actually added.
//
// Chunked transcription re-sends the whole buffer, so a result usually
// repeats utterances already in the transcript. Incoming segments are aligned
// in order against existing ones: a segment matching an existing utterance at
// or after the last aligned position is dropped. Segment ids that collide
// with ids already present are replaced.
func Merge(existing, incoming []models.TranscriptSegment) (merged, added []models.TranscriptSegment) {
	merged = models.CloneSegments(existing)
	if merged == nil {
		merged = []models.TranscriptSegment{}
	}

	ids := make(map[string]struct{}, len(existing)+len(incoming))
	words := make([]map[string]struct{}, len(existing))
	for i, seg := range existing {
		ids[seg.ID] = struct{}{}
		words[i] = wordSet(seg.Text)
	}

	cursor := 0
	for _, seg := range Normalize(incoming) {
		ws := wordSet(seg.Text)
		if idx := alignFrom(words, cursor, ws); idx >= 0 {
			cursor = idx + 1
			continue
		}
		if _, dup := ids[seg.ID]; dup {
			seg.ID = NewID()
		}
		ids[seg.ID] = struct{}{}
		merged = append(merged, seg)
		added = append(added, seg)
	}
	return merged, added
}

// EnsureUniqueIDs reassigns duplicate ids in place, keeping the first occurrence.
func EnsureUniqueIDs(segs []models.TranscriptSegment) {
	seen := make(map[string]struct{}, len(segs))
	for i := range segs {
		if _, dup := seen[segs[i].ID]; dup || segs[i].ID == "" {
			segs[i].ID = NewID()
		}
		seen[segs[i].ID] = struct{}{}
	}
}

func alignFrom(existing []map[string]struct{}, from int, ws map[string]struct{}) int {
	if len(ws) == 0 {
		return -1
	}
	for i := from; i < len(existing); i++ {
		if similarity(existing[i], ws) >= similarityThreshold {
			return i
		}
	}
	return -1
}

func wordSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// similarity is the Jaccard index of two word sets.
func similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
