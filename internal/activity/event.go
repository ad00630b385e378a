// Package activity aggregates service milestones (sections ingested, streams
// opened and closed, broadcasts) and fans them out to registered sinks.
package activity

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind denotes the milestone an Event records.
type Kind string

// Supported milestone kinds.
const (
	KindSectionIngested Kind = "SECTION_INGESTED"
	KindBroadcast       Kind = "BROADCAST"
	KindStreamOpened    Kind = "STREAM_OPENED"
	KindStreamClosed    Kind = "STREAM_CLOSED"
)

// Stream close reasons recorded in Event.Outcome.
const (
	CloseCompleted    = "completed"
	CloseReplayed     = "replayed"
	CloseTimeout      = "timeout"
	CloseDisconnected = "disconnected"
	CloseError        = "error"
)

// Event captures a single service milestone.
type Event struct {
	// SubmissionID scopes the milestone to one workflow instance.
	SubmissionID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which milestone occurred.
	Kind Kind
	// SectionType names the section for ingest milestones.
	SectionType string
	// Outcome carries the section status or the stream close reason.
	Outcome string
	// Listeners records the fan-out size for broadcast milestones.
	Listeners int
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SubmissionID == uuid.Nil {
		return errors.New("submission id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindStreamOpened, KindBroadcast:
	case KindSectionIngested:
		if e.SectionType == "" {
			return errors.New("section ingested requires section type")
		}
	case KindStreamClosed:
		if e.Outcome == "" {
			return errors.New("stream closed requires a reason")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}
