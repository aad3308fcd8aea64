package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"clinscribe/internal/models"
)

func formatSegment(seg models.TranscriptSegment) string {
	return fmt.Sprintf("[%7.1fs] %-8s %s", seg.Timestamp, seg.Speaker, seg.Text)
}

func printSession(w io.Writer, s *models.Session) {
	fmt.Fprintf(w, "Session:  %s\n", s.ID)
	fmt.Fprintf(w, "Status:   %s\n", s.Status)
	fmt.Fprintf(w, "Created:  %s\n", s.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %s\n", formatDuration(s.Metadata.Duration))

	fmt.Fprintln(w, "\nTranscript:")
	if len(s.Transcript) == 0 {
		fmt.Fprintln(w, "  (empty)")
	}
	for _, seg := range s.Transcript {
		fmt.Fprintln(w, "  "+formatSegment(seg))
	}

	note := s.Documentation.Note
	if note.IsEmpty() {
		return
	}
	title := "Documentation:"
	if s.Documentation.IsFinalized {
		title = "Documentation (final):"
	}
	fmt.Fprintln(w, "\n"+title)
	section := func(name, body string) {
		if body = strings.TrimSpace(body); body != "" {
			fmt.Fprintf(w, "  %s:\n    %s\n", name, strings.ReplaceAll(body, "\n", "\n    "))
		}
	}
	section("Chief complaint", note.ChiefComplaint)
	section("History of present illness", note.HistoryOfPresentIllness)
	section("Review of systems", note.ReviewOfSystems)
	section("Physical exam", note.PhysicalExam)
	section("Assessment", note.Assessment)
	section("Plan", note.Plan)
	section("Medications", strings.Join(note.Medications, ", "))
	section("Summary", note.Summary)
}
