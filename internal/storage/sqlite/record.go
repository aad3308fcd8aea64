package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"clinscribe/internal/models"
)

// record is the stored document. Dates are ISO-8601 strings; unset dates
// are omitted.
type record struct {
	ID            string                     `json:"id"`
	Status        models.Status              `json:"status"`
	Transcript    []models.TranscriptSegment `json:"transcript"`
	Documentation documentationRecord        `json:"documentation"`
	Metadata      models.Metadata            `json:"metadata"`
	CreatedAt     string                     `json:"createdAt"`
	UpdatedAt     string                     `json:"updatedAt,omitempty"`
	StartedAt     string                     `json:"startedAt,omitempty"`
}

type documentationRecord struct {
	Note        models.ClinicalNote `json:"note"`
	LastUpdated string              `json:"lastUpdated,omitempty"`
	IsFinalized bool                `json:"isFinalized"`
}

// timeLayout is ISO-8601 with a fixed-width fraction so stored strings sort
// chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return t, nil
}

func toRecord(s *models.Session) record {
	transcript := s.Transcript
	if transcript == nil {
		transcript = []models.TranscriptSegment{}
	}
	return record{
		ID:         s.ID,
		Status:     s.Status,
		Transcript: transcript,
		Documentation: documentationRecord{
			Note:        s.Documentation.Note,
			LastUpdated: formatTime(s.Documentation.LastUpdated),
			IsFinalized: s.Documentation.IsFinalized,
		},
		Metadata:  s.Metadata,
		CreatedAt: formatTime(s.CreatedAt),
		UpdatedAt: formatTime(s.UpdatedAt),
		StartedAt: formatTime(s.StartedAt),
	}
}

func decode(doc string) (*models.Session, error) {
	var r record
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s := &models.Session{
		ID:         r.ID,
		Status:     r.Status,
		Transcript: r.Transcript,
		Metadata:   r.Metadata,
		Documentation: models.Documentation{
			Note:        r.Documentation.Note,
			IsFinalized: r.Documentation.IsFinalized,
		},
	}
	var err error
	if s.CreatedAt, err = parseTime("createdAt", r.CreatedAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime("updatedAt", r.UpdatedAt); err != nil {
		return nil, err
	}
	if s.StartedAt, err = parseTime("startedAt", r.StartedAt); err != nil {
		return nil, err
	}
	if s.Documentation.LastUpdated, err = parseTime("documentation.lastUpdated", r.Documentation.LastUpdated); err != nil {
		return nil, err
	}
	return s, nil
}
