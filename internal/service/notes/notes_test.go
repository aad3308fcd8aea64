package notes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"clinscribe/internal/genai"
	"clinscribe/internal/models"
)

var fixedNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func encounter() []models.TranscriptSegment {
	return []models.TranscriptSegment{
		{ID: "1", Timestamp: 0, Speaker: models.SpeakerProvider, Text: "What brings you in today?"},
		{ID: "2", Timestamp: 3, Speaker: models.SpeakerPatient, Text: "I have had a sore throat for three days."},
		{ID: "3", Timestamp: 8, Speaker: models.SpeakerProvider, Text: "Let me examine your throat."},
		{ID: "4", Timestamp: 15, Speaker: models.SpeakerProvider, Text: "I recommend amoxicillin for ten days."},
	}
}

// chatServer answers chat completions with the given contents in order,
// repeating the last one.
func chatServer(t *testing.T, contents ...string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1)) - 1
		if n >= len(contents) {
			n = len(contents) - 1
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"json_object"`) {
			t.Errorf("expected JSON response format in request, got %s", body)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": contents[n]}}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newGenerator(url string, attempts int) *ModelGenerator {
	g := NewModelGenerator(genai.New(url, "test-key", time.Second),
		ModelConfig{Model: "test", MaxAttempts: attempts}, nil, zerolog.Nop())
	g.now = func() time.Time { return fixedNow }
	return g
}

func TestFallback(t *testing.T) {
	note := Fallback(encounter())

	if note.ChiefComplaint != "I have had a sore throat for three days." {
		t.Errorf("unexpected chief complaint %q", note.ChiefComplaint)
	}
	if note.HistoryOfPresentIllness != "I have had a sore throat for three days." {
		t.Errorf("unexpected history %q", note.HistoryOfPresentIllness)
	}
	if note.PhysicalExam != "Let me examine your throat." {
		t.Errorf("unexpected exam %q", note.PhysicalExam)
	}
	if note.Plan != "I recommend amoxicillin for ten days." {
		t.Errorf("unexpected plan %q", note.Plan)
	}
	if len(note.Medications) != 1 || note.Medications[0] != "amoxicillin" {
		t.Errorf("unexpected medications %v", note.Medications)
	}
	if !strings.HasPrefix(note.Summary, "Provider: What brings you in today?\nPatient:") {
		t.Errorf("unexpected summary %q", note.Summary)
	}
}

func TestFallback_Empty(t *testing.T) {
	if note := Fallback(nil); !note.IsEmpty() {
		t.Errorf("expected empty note, got %+v", note)
	}
}

func TestMergeNotes(t *testing.T) {
	base := models.ClinicalNote{ChiefComplaint: "Headache", Plan: "Rest.", Medications: []string{"ibuprofen"}}
	add := models.ClinicalNote{ChiefComplaint: "Cough", Plan: "Fluids.", Medications: []string{"Ibuprofen", "lisinopril"}}

	got := mergeNotes(base, add)

	if got.ChiefComplaint != "Headache" {
		t.Errorf("chief complaint should not be replaced, got %q", got.ChiefComplaint)
	}
	if got.Plan != "Rest. Fluids." {
		t.Errorf("unexpected plan %q", got.Plan)
	}
	if len(got.Medications) != 2 || got.Medications[1] != "lisinopril" {
		t.Errorf("unexpected medications %v", got.Medications)
	}
	if len(base.Medications) != 1 {
		t.Error("base note was mutated")
	}
}

func TestParseNote(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", `{"chiefComplaint":"Sore throat"}`, false},
		{"fenced", "```json\n{\"plan\":\"Rest\"}\n```", false},
		{"prose", `Here is the note: {"summary":"ok"} Thanks.`, false},
		{"empty object", `{}`, true},
		{"not json", `I cannot help with that.`, true},
		{"wrong types", `{"medications":"aspirin"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseNote(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseNote err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnparseable) {
				t.Errorf("expected ErrUnparseable, got %v", err)
			}
		})
	}
}

func TestModelGenerator_Generate(t *testing.T) {
	srv, calls := chatServer(t, `{"chiefComplaint":"Sore throat","plan":"Amoxicillin","medications":["amoxicillin"]}`)
	g := newGenerator(srv.URL, 3)

	doc, err := g.Generate(context.Background(), encounter())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if doc.Note.ChiefComplaint != "Sore throat" || doc.Note.Plan != "Amoxicillin" {
		t.Errorf("unexpected note %+v", doc.Note)
	}
	if !doc.LastUpdated.Equal(fixedNow) {
		t.Errorf("unexpected lastUpdated %v", doc.LastUpdated)
	}
	if *calls != 1 {
		t.Errorf("expected 1 call, got %d", *calls)
	}
}

func TestModelGenerator_RetriesOnParseFailure(t *testing.T) {
	srv, calls := chatServer(t, "not json", "still not json", `{"assessment":"Pharyngitis"}`)
	g := newGenerator(srv.URL, 3)

	doc, err := g.Generate(context.Background(), encounter())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if doc.Note.Assessment != "Pharyngitis" {
		t.Errorf("expected parsed note on third attempt, got %+v", doc.Note)
	}
	if *calls != 3 {
		t.Errorf("expected 3 calls, got %d", *calls)
	}
}

func TestModelGenerator_FallsBackAfterMaxAttempts(t *testing.T) {
	srv, calls := chatServer(t, "garbage")
	g := newGenerator(srv.URL, 2)

	doc, err := g.Generate(context.Background(), encounter())
	if err != nil {
		t.Fatalf("parse failures must not surface, got %v", err)
	}
	if doc.Note.ChiefComplaint != "I have had a sore throat for three days." {
		t.Errorf("expected fallback note, got %+v", doc.Note)
	}
	if *calls != 2 {
		t.Errorf("expected 2 calls, got %d", *calls)
	}
}

func TestModelGenerator_FallsBackOnHTTPError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	g := newGenerator(srv.URL, 3)

	doc, err := g.Generate(context.Background(), encounter())
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if doc.Note.Plan == "" {
		t.Errorf("expected fallback plan, got %+v", doc.Note)
	}
	if calls != 1 {
		t.Errorf("request failures should not be retried, got %d calls", calls)
	}
}

func TestModelGenerator_NoAPIKey(t *testing.T) {
	g := NewModelGenerator(genai.New("http://127.0.0.1:1", "", time.Second), DefaultModelConfig(), nil, zerolog.Nop())

	doc, err := g.Generate(context.Background(), encounter())
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if doc.Note.IsEmpty() {
		t.Error("expected fallback note")
	}
}

func TestModelGenerator_Update(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []genai.Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotPrompt = body.Messages[len(body.Messages)-1].Content
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": `{"chiefComplaint":"Sore throat","plan":"Fluids"}`}}},
		})
	}))
	defer srv.Close()
	g := newGenerator(srv.URL, 1)

	existing := models.Documentation{Note: models.ClinicalNote{ChiefComplaint: "Sore throat"}, IsFinalized: false}
	doc, err := g.Update(context.Background(), existing, encounter()[3:])
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if doc.Note.Plan != "Fluids" {
		t.Errorf("unexpected note %+v", doc.Note)
	}
	if !strings.Contains(gotPrompt, `"chiefComplaint":"Sore throat"`) || !strings.Contains(gotPrompt, "amoxicillin") {
		t.Errorf("prompt should carry existing note and new segments, got %q", gotPrompt)
	}
}

func TestModelGenerator_UpdateFallbackKeepsExisting(t *testing.T) {
	srv, _ := chatServer(t, "nope")
	g := newGenerator(srv.URL, 1)

	existing := models.Documentation{Note: models.ClinicalNote{ChiefComplaint: "Sore throat", Plan: "Rest."}}
	doc, err := g.Update(context.Background(), existing, encounter()[3:])
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if doc.Note.ChiefComplaint != "Sore throat" {
		t.Errorf("existing chief complaint lost: %+v", doc.Note)
	}
	if doc.Note.Plan != "Rest. I recommend amoxicillin for ten days." {
		t.Errorf("unexpected merged plan %q", doc.Note.Plan)
	}
}

func TestModelGenerator_Cancelled(t *testing.T) {
	srv, _ := chatServer(t, `{"plan":"x"}`)
	g := newGenerator(srv.URL, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.Generate(ctx, encounter()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFallbackGenerator(t *testing.T) {
	g := FallbackGenerator{Now: func() time.Time { return fixedNow }}

	doc, err := g.Generate(context.Background(), encounter()[:2])
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	doc.IsFinalized = true
	updated, err := g.Update(context.Background(), doc, encounter()[2:])
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated.IsFinalized {
		t.Error("update should preserve finalized flag")
	}
	if updated.Note.Plan == "" || updated.Note.ChiefComplaint != "I have had a sore throat for three days." {
		t.Errorf("unexpected updated note %+v", updated.Note)
	}
}
