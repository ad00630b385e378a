// Package realtime fans section-progress events out to the streaming
// sessions subscribed to a submission.
package realtime

import (
	"encoding/json"
	"time"
)

// EventType discriminates the payloads pushed to streaming clients.
type EventType string

// Event types delivered over the stream.
const (
	EventConnectionEstablished EventType = "connection_established"
	EventSectionComplete       EventType = "section_complete"
	EventSectionError          EventType = "section_error"
	EventWorkflowComplete      EventType = "workflow_complete"
	EventHeartbeat             EventType = "heartbeat"
	EventTimeout               EventType = "timeout"
	EventError                 EventType = "error"
)

// SectionPayload carries one section's content inside a stream event.
type SectionPayload struct {
	SectionType string          `json:"sectionType"`
	Order       int             `json:"order"`
	Data        json.RawMessage `json:"data,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// ProgressPayload carries the counters derived after a section arrival.
type ProgressPayload struct {
	Completed  int    `json:"completed"`
	Total      int    `json:"total"`
	Failed     int    `json:"failed"`
	Percentage int    `json:"percentage"`
	Status     string `json:"status,omitempty"`
}

// SectionRef names an already-stored section in the connection snapshot.
type SectionRef struct {
	SectionType string `json:"sectionType"`
	Order       int    `json:"order"`
}

// Summary closes out a stream once every section is accounted for.
type Summary struct {
	TotalSections     int `json:"totalSections"`
	CompletedSections int `json:"completedSections"`
	FailedSections    int `json:"failedSections"`
}

// Event is the discriminated object written to the client as one SSE frame.
// Only the fields relevant to Type are populated.
type Event struct {
	Type             EventType        `json:"type"`
	SubmissionID     string           `json:"submissionId,omitempty"`
	CurrentProgress  *ProgressPayload `json:"currentProgress,omitempty"`
	ExistingSections []SectionRef     `json:"existingSections,omitempty"`
	Section          *SectionPayload  `json:"section,omitempty"`
	Progress         *ProgressPayload `json:"progress,omitempty"`
	Summary          *Summary         `json:"summary,omitempty"`
	Message          string           `json:"message,omitempty"`
	Error            string           `json:"error,omitempty"`
	Timestamp        string           `json:"timestamp,omitempty"`
}

// Stamp returns a copy of the event carrying the current UTC timestamp.
func (e Event) Stamp() Event {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return e
}

// Heartbeat builds the keep-alive event.
func Heartbeat() Event {
	return Event{Type: EventHeartbeat}.Stamp()
}

// Timeout builds the terminal event emitted when a session hits its maximum
// lifetime.
func Timeout(message string) Event {
	return Event{Type: EventTimeout, Message: message}.Stamp()
}
