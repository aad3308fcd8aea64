package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"clinscribe/internal/models"
	"clinscribe/internal/schema"
	"clinscribe/internal/storage"
)

func session(id string, created time.Time) *models.Session {
	return &models.Session{ID: id, Status: models.StatusCompleted, CreatedAt: created, UpdatedAt: created}
}

func TestStore_SaveGetIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	sess := session("s-1", time.Now())
	sess.Transcript = []models.TranscriptSegment{{ID: "a", Text: "hi", Speaker: models.SpeakerUnknown}}

	if err := s.Save(ctx, sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	sess.Transcript[0].Text = "mutated"

	got, err := s.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Transcript[0].Text != "hi" {
		t.Error("expected stored copy to be isolated from caller mutation")
	}
}

func TestStore_GetMissingReturnsNil(t *testing.T) {
	got, err := New().Get(context.Background(), "nope")
	if err != nil || got != nil {
		t.Errorf("expected nil, nil; got %v, %v", got, err)
	}
}

func TestStore_RejectsInvalid(t *testing.T) {
	s := New()
	bad := session("s-1", time.Now())
	bad.Status = "recording"

	if err := s.Save(context.Background(), bad); !errors.Is(err, schema.ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	s := New()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	_ = s.Save(ctx, session("s-1", fixed.Add(-time.Hour)))

	status := models.StatusPaused
	dur := 12.5
	if err := s.Update(ctx, "s-1", models.Patch{Status: &status, Duration: &dur}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := s.Get(ctx, "s-1")
	if got.Status != models.StatusPaused || got.Metadata.Duration != 12.5 || !got.UpdatedAt.Equal(fixed) {
		t.Errorf("unexpected session after update %+v", got)
	}

	empty := []models.TranscriptSegment{{ID: "x", Text: ""}}
	if err := s.Update(ctx, "s-1", models.Patch{Transcript: &empty}); !errors.Is(err, schema.ErrInvalidSession) {
		t.Errorf("expected invalid patch rejected, got %v", err)
	}
	if err := s.Update(ctx, "missing", models.Patch{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Now()
	_ = s.Save(ctx, session("old", base.Add(-time.Hour)))
	_ = s.Save(ctx, session("new", base))

	list, _ := s.List(ctx)
	if len(list) != 2 || list[0].ID != "new" {
		t.Fatalf("expected newest first, got %v", list)
	}

	if err := s.Delete(ctx, "old"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}
