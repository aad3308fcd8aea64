// Package models defines the session, transcript and documentation types
// shared by the orchestrators, the stores and the event publisher.
package models

import "time"

// Status is the lifecycle status of a recording session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// Speaker is the conversational role attributed to a transcript segment.
type Speaker string

const (
	SpeakerProvider Speaker = "provider"
	SpeakerPatient  Speaker = "patient"
	SpeakerUnknown  Speaker = "unknown"
)

// Valid reports whether s is one of the known speaker roles.
func (s Speaker) Valid() bool {
	switch s {
	case SpeakerProvider, SpeakerPatient, SpeakerUnknown:
		return true
	}
	return false
}

// Opposite returns the other conversational role. Unknown stays unknown.
func (s Speaker) Opposite() Speaker {
	switch s {
	case SpeakerProvider:
		return SpeakerPatient
	case SpeakerPatient:
		return SpeakerProvider
	}
	return SpeakerUnknown
}

// TranscriptSegment is one attributed utterance.
type TranscriptSegment struct {
	ID         string   `json:"id"`
	Timestamp  float64  `json:"timestamp"` // seconds from session start
	Speaker    Speaker  `json:"speaker"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ClinicalNote is the structured clinical documentation derived from a transcript.
type ClinicalNote struct {
	ChiefComplaint          string   `json:"chiefComplaint"`
	HistoryOfPresentIllness string   `json:"historyOfPresentIllness"`
	ReviewOfSystems         string   `json:"reviewOfSystems"`
	PhysicalExam            string   `json:"physicalExam"`
	Assessment              string   `json:"assessment"`
	Plan                    string   `json:"plan"`
	Medications             []string `json:"medications"`
	Summary                 string   `json:"summary"`
}

// IsEmpty reports whether no section of the note carries content.
func (n ClinicalNote) IsEmpty() bool {
	return n.ChiefComplaint == "" && n.HistoryOfPresentIllness == "" &&
		n.ReviewOfSystems == "" && n.PhysicalExam == "" && n.Assessment == "" &&
		n.Plan == "" && len(n.Medications) == 0 && n.Summary == ""
}

// Documentation wraps the current note with its update bookkeeping.
type Documentation struct {
	Note        ClinicalNote `json:"note"`
	LastUpdated time.Time    `json:"lastUpdated"`
	IsFinalized bool         `json:"isFinalized"`
}

// Metadata holds capture statistics for a session.
type Metadata struct {
	Duration float64 `json:"duration"` // seconds of captured audio
}

// Session is the unit of work for one recording encounter.
type Session struct {
	ID            string              `json:"id"`
	Status        Status              `json:"status"`
	Transcript    []TranscriptSegment `json:"transcript"`
	Documentation Documentation       `json:"documentation"`
	Metadata      Metadata            `json:"metadata"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	StartedAt     time.Time           `json:"startedAt"`
}

// Started reports whether the session has ever been started. A new session
// carries StatusCompleted as its "not yet started" sentinel.
func (s *Session) Started() bool {
	return !s.StartedAt.IsZero()
}

// Clone returns a deep copy so callers cannot mutate the original through it.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Transcript = CloneSegments(s.Transcript)
	c.Documentation = s.Documentation.Clone()
	return &c
}

// Clone returns a deep copy of the documentation.
func (d Documentation) Clone() Documentation {
	c := d
	if d.Note.Medications != nil {
		c.Note.Medications = append([]string(nil), d.Note.Medications...)
	}
	return c
}

// Clone returns a deep copy of the segment.
func (t TranscriptSegment) Clone() TranscriptSegment {
	c := t
	if t.Confidence != nil {
		v := *t.Confidence
		c.Confidence = &v
	}
	return c
}

// CloneSegments deep-copies a slice of segments. A nil slice stays nil.
func CloneSegments(in []TranscriptSegment) []TranscriptSegment {
	if in == nil {
		return nil
	}
	out := make([]TranscriptSegment, len(in))
	for i, seg := range in {
		out[i] = seg.Clone()
	}
	return out
}

// Float returns a pointer to v, for optional confidence values.
func Float(v float64) *float64 { return &v }
