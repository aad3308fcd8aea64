package models

// Patch is a partial update of a stored session. Nil fields are left untouched.
type Patch struct {
	Status        *Status
	Transcript    *[]TranscriptSegment
	Documentation *Documentation
	Duration      *float64
}

// Apply writes the non-nil fields of p onto s.
func (p Patch) Apply(s *Session) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Transcript != nil {
		s.Transcript = CloneSegments(*p.Transcript)
	}
	if p.Documentation != nil {
		s.Documentation = p.Documentation.Clone()
	}
	if p.Duration != nil {
		s.Metadata.Duration = *p.Duration
	}
}

// NotePatch is a partial edit of a clinical note, one optional field per section.
type NotePatch struct {
	ChiefComplaint          *string
	HistoryOfPresentIllness *string
	ReviewOfSystems         *string
	PhysicalExam            *string
	Assessment              *string
	Plan                    *string
	Medications             *[]string
	Summary                 *string
}

// Apply writes the non-nil sections of p onto n.
func (p NotePatch) Apply(n *ClinicalNote) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&n.ChiefComplaint, p.ChiefComplaint)
	set(&n.HistoryOfPresentIllness, p.HistoryOfPresentIllness)
	set(&n.ReviewOfSystems, p.ReviewOfSystems)
	set(&n.PhysicalExam, p.PhysicalExam)
	set(&n.Assessment, p.Assessment)
	set(&n.Plan, p.Plan)
	set(&n.Summary, p.Summary)
	if p.Medications != nil {
		n.Medications = append([]string(nil), (*p.Medications)...)
	}
}
