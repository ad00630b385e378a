// Package report defines the domain model for report submissions, their
// generated sections, and per-submission progress counters.
package report

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus mirrors the submissions.status column.
type SubmissionStatus string

// Submission lifecycle statuses.
const (
	StatusQueued          SubmissionStatus = "queued"
	StatusRunning         SubmissionStatus = "running"
	StatusCompleted       SubmissionStatus = "completed"
	StatusPartialComplete SubmissionStatus = "partial_complete"
	StatusError           SubmissionStatus = "error"
)

// Terminal reports whether the workflow has finished and no further section
// callbacks are expected.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusPartialComplete
}

// SectionStatus is the per-section outcome recorded in sections_status.
type SectionStatus string

// Section outcomes.
const (
	SectionCompleted SectionStatus = "completed"
	SectionFailed    SectionStatus = "failed"
)

// Submission is one end-to-end form-to-report workflow instance. The row is
// created by the form frontend; this service only advances its status.
type Submission struct {
	// ID is the submission UUID shared with the workflow engine.
	ID uuid.UUID
	// BrandName is carried for log context only.
	BrandName string
	// Status is the lifecycle state (queued/running/completed/...).
	Status SubmissionStatus
	// CreatedAt/UpdatedAt are server-assigned timestamps.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Section is one generated unit of the report. (SubmissionID, Type) is the
// natural key; re-delivery of the same type overwrites the row.
type Section struct {
	SubmissionID uuid.UUID
	// Type names the section (e.g. "pricing"); unique per submission.
	Type string
	// Order is the ordinal position used when replaying a finished report.
	Order int
	// Data is the opaque payload produced by the workflow engine.
	Data json.RawMessage
	// Metadata holds free-form engine annotations plus server-assigned
	// received_at/updated_at entries.
	Metadata map[string]any
	// ReceivedAt is set on first arrival, UpdatedAt on every overwrite.
	ReceivedAt time.Time
	UpdatedAt  time.Time
}

// Progress tracks per-submission completion counters. One row per submission,
// created lazily on the first section arrival and never deleted.
type Progress struct {
	SubmissionID      uuid.UUID
	TotalSections     int
	CompletedSections int
	FailedSections    int
	// SectionsStatus maps section type to its recorded outcome. Keys are
	// unique and the map never shrinks; its size always equals
	// CompletedSections + FailedSections.
	SectionsStatus map[string]SectionStatus
	UpdatedAt      time.Time
}

// Percentage derives the completion percentage from the counters.
func (p Progress) Percentage() int {
	total := p.TotalSections
	if total < 1 {
		total = 1
	}
	return int(math.Round(100 * float64(p.CompletedSections) / float64(total)))
}

// Done reports whether every expected section has been accounted for.
func (p Progress) Done() bool {
	return p.TotalSections > 0 && p.CompletedSections+p.FailedSections >= p.TotalSections
}
