// Package events carries session notifications: an in-process observer
// registry and a Kafka publisher that forwards what the registry emits.
package events

import (
	"sync"
	"time"

	"clinscribe/internal/models"
)

// Bus is a typed observer registry. Delivery is synchronous, in emission
// order, and every subscriber receives its own copy of the payload.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	session []subscriber[models.SessionEvent]
	segment []subscriber[models.SegmentEvent]
	docs    []subscriber[models.DocumentationEvent]
	errs    []subscriber[models.ErrorEvent]

	now func() time.Time
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

func NewBus() *Bus {
	return &Bus{now: time.Now}
}

func (b *Bus) OnSession(fn func(models.SessionEvent)) func() {
	return subscribe(b, &b.session, fn)
}

func (b *Bus) OnSegment(fn func(models.SegmentEvent)) func() {
	return subscribe(b, &b.segment, fn)
}

func (b *Bus) OnDocumentation(fn func(models.DocumentationEvent)) func() {
	return subscribe(b, &b.docs, fn)
}

func (b *Bus) OnError(fn func(models.ErrorEvent)) func() {
	return subscribe(b, &b.errs, fn)
}

func subscribe[T any](b *Bus, list *[]subscriber[T], fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	*list = append(*list, subscriber[T]{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range *list {
			if s.id == id {
				*list = append((*list)[:i:i], (*list)[i+1:]...)
				return
			}
		}
	}
}

func snapshot[T any](b *Bus, list *[]subscriber[T]) []subscriber[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]subscriber[T](nil), (*list)...)
}

func (b *Bus) timestamp() int64 { return b.now().UnixMilli() }

// EmitSession notifies session subscribers with a copy of s.
func (b *Bus) EmitSession(s *models.Session) {
	ts := b.timestamp()
	for _, sub := range snapshot(b, &b.session) {
		sub.fn(models.SessionEvent{
			EventType: models.EventSessionUpdated,
			SessionID: s.ID,
			Timestamp: ts,
			Session:   s.Clone(),
		})
	}
}

// EmitSegment notifies transcript subscribers of one added segment.
func (b *Bus) EmitSegment(sessionID string, seg models.TranscriptSegment) {
	ts := b.timestamp()
	for _, sub := range snapshot(b, &b.segment) {
		sub.fn(models.SegmentEvent{
			EventType: models.EventSegmentAdded,
			SessionID: sessionID,
			Timestamp: ts,
			Segment:   seg.Clone(),
		})
	}
}

func (b *Bus) EmitDocumentation(sessionID string, doc models.Documentation) {
	ts := b.timestamp()
	for _, sub := range snapshot(b, &b.docs) {
		sub.fn(models.DocumentationEvent{
			EventType:     models.EventDocumentationUpdated,
			SessionID:     sessionID,
			Timestamp:     ts,
			Documentation: doc.Clone(),
		})
	}
}

// EmitError reports a failed operation. category may be empty.
func (b *Bus) EmitError(sessionID, operation, category string, err error) {
	ev := models.ErrorEvent{
		EventType: models.EventSessionError,
		SessionID: sessionID,
		Timestamp: b.timestamp(),
		Operation: operation,
		Category:  category,
		Message:   err.Error(),
	}
	for _, sub := range snapshot(b, &b.errs) {
		sub.fn(ev)
	}
}
