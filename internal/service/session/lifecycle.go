package session

import (
	"errors"
	"fmt"
	"sync"

	"clinscribe/internal/models"
)

// ErrInvalidTransition is wrapped by every rejected status change.
var ErrInvalidTransition = errors.New("invalid session status transition")

// Operation names a status-changing session operation.
type Operation string

const (
	OpStart  Operation = "start"
	OpPause  Operation = "pause"
	OpResume Operation = "resume"
	OpStop   Operation = "stop"
)

// TransitionError reports an operation attempted from a status that does not allow it.
type TransitionError struct {
	SessionID string
	Op        Operation
	From      models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot %s from %s", e.SessionID, e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Lifecycle manages the status machine of one session run.
// Thread-safe for concurrent access.
//
// Transitions:
//
//	completed ──Start──→ active ⇄ paused
//	                       │        │
//	                       └─Stop───┴──→ completed
//
// A rejected transition leaves the status untouched.
type Lifecycle struct {
	mu        sync.RWMutex
	sessionID string
	status    models.Status
}

// NewLifecycle creates a lifecycle in the given status. Unknown statuses
// start as completed, the "not yet started" sentinel.
func NewLifecycle(sessionID string, status models.Status) *Lifecycle {
	if !status.Valid() {
		status = models.StatusCompleted
	}
	return &Lifecycle{sessionID: sessionID, status: status}
}

// SessionID returns the id of the session this lifecycle belongs to.
func (l *Lifecycle) SessionID() string {
	return l.sessionID
}

// Status returns the current status.
func (l *Lifecycle) Status() models.Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// IsRunning reports whether the session is active or paused.
func (l *Lifecycle) IsRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status == models.StatusActive || l.status == models.StatusPaused
}

// Start moves completed to active.
func (l *Lifecycle) Start() error {
	return l.transition(OpStart, models.StatusActive, models.StatusCompleted)
}

// Pause moves active to paused.
func (l *Lifecycle) Pause() error {
	return l.transition(OpPause, models.StatusPaused, models.StatusActive)
}

// Resume moves paused to active.
func (l *Lifecycle) Resume() error {
	return l.transition(OpResume, models.StatusActive, models.StatusPaused)
}

// Stop moves active or paused to completed.
func (l *Lifecycle) Stop() error {
	return l.transition(OpStop, models.StatusCompleted, models.StatusActive, models.StatusPaused)
}

// Can reports whether op would be accepted from the current status.
func (l *Lifecycle) Can(op Operation) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, from := range allowedFrom(op) {
		if l.status == from {
			return true
		}
	}
	return false
}

func allowedFrom(op Operation) []models.Status {
	switch op {
	case OpStart:
		return []models.Status{models.StatusCompleted}
	case OpPause:
		return []models.Status{models.StatusActive}
	case OpResume:
		return []models.Status{models.StatusPaused}
	case OpStop:
		return []models.Status{models.StatusActive, models.StatusPaused}
	}
	return nil
}

func (l *Lifecycle) transition(op Operation, to models.Status, from ...models.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range from {
		if l.status == f {
			l.status = to
			return nil
		}
	}
	return &TransitionError{SessionID: l.sessionID, Op: op, From: l.status}
}
