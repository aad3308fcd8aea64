// Package schema validates session records at the persistence boundary.
package schema

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"clinscribe/internal/models"
)

// ErrInvalidSession is wrapped by every validation failure.
var ErrInvalidSession = errors.New("invalid session")

// ValidationError lists every structural problem found in a session.
type ValidationError struct {
	SessionID string
	Problems  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid session %q: %s", e.SessionID, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidSession }

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks required fields, the status enum and every transcript
// segment: non-empty id and text, valid speaker, confidence in [0,1], a
// finite non-negative timestamp and ids unique within the transcript.
func (v *Validator) Validate(s *models.Session) error {
	if s == nil {
		return &ValidationError{Problems: []string{"session is nil"}}
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(s.ID) == "" {
		add("id is required")
	}
	if !s.Status.Valid() {
		add("status %q is not one of active, paused, completed", s.Status)
	}
	if s.CreatedAt.IsZero() {
		add("createdAt is required")
	}
	if s.Metadata.Duration < 0 || math.IsNaN(s.Metadata.Duration) {
		add("metadata.duration must be a non-negative number")
	}

	seen := make(map[string]int, len(s.Transcript))
	for i, seg := range s.Transcript {
		if seg.ID == "" {
			add("transcript[%d]: id is required", i)
		} else if j, dup := seen[seg.ID]; dup {
			add("transcript[%d]: id %q duplicates transcript[%d]", i, seg.ID, j)
		} else {
			seen[seg.ID] = i
		}
		if strings.TrimSpace(seg.Text) == "" {
			add("transcript[%d]: text is required", i)
		}
		if !seg.Speaker.Valid() {
			add("transcript[%d]: speaker %q is not one of provider, patient, unknown", i, seg.Speaker)
		}
		if seg.Timestamp < 0 || math.IsNaN(seg.Timestamp) || math.IsInf(seg.Timestamp, 0) {
			add("transcript[%d]: timestamp must be a finite non-negative number", i)
		}
		if c := seg.Confidence; c != nil && (*c < 0 || *c > 1 || math.IsNaN(*c)) {
			add("transcript[%d]: confidence %v outside [0,1]", i, *c)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{SessionID: s.ID, Problems: problems}
	}
	return nil
}
