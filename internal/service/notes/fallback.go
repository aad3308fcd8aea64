package notes

import (
	"fmt"
	"regexp"
	"strings"

	"clinscribe/internal/models"
)

const maxChiefComplaint = 200

var (
	planPattern = regexp.MustCompile(`(?i)\b(recommend|prescrib\w*|start (you )?on|follow[- ]up|schedule|refer\w*|order\w*|come back)\b`)
	examPattern = regexp.MustCompile(`(?i)\b(let me (examine|check|listen|look)|blood pressure|heart rate|temperature|lungs|pulse)\b`)
	medsPattern = regexp.MustCompile(`(?i)\b([a-z]+(cillin|mycin|pril|olol|statin|azole|sartan|prazole|formin|profen|phen))\b`)
)

// Fallback builds a best-effort note from the transcript without a model.
// Patient statements form the history, provider statements about next steps
// form the plan, and drug-like words are collected as medications.
func Fallback(segments []models.TranscriptSegment) models.ClinicalNote {
	var (
		note    models.ClinicalNote
		history []string
		exam    []string
		plan    []string
		lines   []string
		seen    = map[string]bool{}
	)
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", label(seg.Speaker), text))

		switch seg.Speaker {
		case models.SpeakerPatient:
			if note.ChiefComplaint == "" {
				note.ChiefComplaint = truncate(text, maxChiefComplaint)
			}
			history = append(history, text)
		case models.SpeakerProvider:
			if planPattern.MatchString(text) {
				plan = append(plan, text)
			}
			if examPattern.MatchString(text) {
				exam = append(exam, text)
			}
		}

		for _, m := range medsPattern.FindAllString(text, -1) {
			m = strings.ToLower(m)
			if !seen[m] {
				seen[m] = true
				note.Medications = append(note.Medications, m)
			}
		}
	}

	note.HistoryOfPresentIllness = strings.Join(history, " ")
	note.PhysicalExam = strings.Join(exam, " ")
	note.Plan = strings.Join(plan, " ")
	note.Summary = strings.Join(lines, "\n")
	return note
}

// mergeNotes folds add into base. Sections already present in base keep
// their content and gain any new text; the chief complaint is never replaced.
func mergeNotes(base, add models.ClinicalNote) models.ClinicalNote {
	out := base
	if out.ChiefComplaint == "" {
		out.ChiefComplaint = add.ChiefComplaint
	}
	out.HistoryOfPresentIllness = appendSection(base.HistoryOfPresentIllness, add.HistoryOfPresentIllness, " ")
	out.ReviewOfSystems = appendSection(base.ReviewOfSystems, add.ReviewOfSystems, " ")
	out.PhysicalExam = appendSection(base.PhysicalExam, add.PhysicalExam, " ")
	out.Assessment = appendSection(base.Assessment, add.Assessment, " ")
	out.Plan = appendSection(base.Plan, add.Plan, " ")
	out.Summary = appendSection(base.Summary, add.Summary, "\n")

	out.Medications = append([]string(nil), base.Medications...)
	for _, m := range add.Medications {
		if !contains(out.Medications, m) {
			out.Medications = append(out.Medications, m)
		}
	}
	return out
}

func appendSection(base, add, sep string) string {
	switch {
	case add == "" || strings.Contains(base, add):
		return base
	case base == "":
		return add
	}
	return base + sep + add
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func label(s models.Speaker) string {
	switch s {
	case models.SpeakerProvider:
		return "Provider"
	case models.SpeakerPatient:
		return "Patient"
	}
	return "Unknown"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
