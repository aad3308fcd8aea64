package models

// Event types carried on the session event stream.
const (
	EventSessionUpdated       = "clinical.session.updated"
	EventSegmentAdded         = "clinical.transcript.segment"
	EventDocumentationUpdated = "clinical.documentation.updated"
	EventSessionError         = "clinical.session.error"
)

// SessionEvent carries a full session snapshot.
type SessionEvent struct {
	EventType string   `json:"eventType"`
	SessionID string   `json:"sessionId"`
	Timestamp int64    `json:"timestamp"`
	Session   *Session `json:"session"`
}

// SegmentEvent carries one newly added transcript segment.
type SegmentEvent struct {
	EventType string            `json:"eventType"`
	SessionID string            `json:"sessionId"`
	Timestamp int64             `json:"timestamp"`
	Segment   TranscriptSegment `json:"segment"`
}

// DocumentationEvent carries the documentation after an update.
type DocumentationEvent struct {
	EventType     string        `json:"eventType"`
	SessionID     string        `json:"sessionId"`
	Timestamp     int64         `json:"timestamp"`
	Documentation Documentation `json:"documentation"`
}

// ErrorEvent reports a failure of a session operation.
type ErrorEvent struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Operation string `json:"operation"`
	Category  string `json:"category,omitempty"`
	Message   string `json:"message"`
}
