// Package store declares interfaces for persisting submissions, report
// sections, and progress counters.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/abirangers/lbf-lunarai-web-v4/internal/report"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SectionUpsert carries one section payload from the workflow engine.
type SectionUpsert struct {
	SubmissionID uuid.UUID
	Type         string
	Order        int
	Data         []byte
	Metadata     map[string]any
}

// ReportRepository persists submissions, sections, and progress. The ingest
// endpoint is the only writer; streaming sessions only read.
type ReportRepository interface {
	// GetSubmission loads one submission or returns ErrNotFound.
	GetSubmission(ctx context.Context, id uuid.UUID) (report.Submission, error)
	// SetSubmissionStatus moves the submission to next only when its current
	// status equals prev (compare-and-set; concurrent advancement wins).
	SetSubmissionStatus(ctx context.Context, id uuid.UUID, prev, next report.SubmissionStatus) error

	// UpsertSection inserts the section or overwrites payload/metadata/order
	// for an existing (submission, type) pair.
	UpsertSection(ctx context.Context, sec SectionUpsert) error
	// ApplySectionResult merges the section outcome into the progress row,
	// creating it with defaultTotal if absent. The matching counter is
	// incremented only when sections_status does not already record the type;
	// changed reports whether the counters moved. Returns post-update state.
	ApplySectionResult(
		ctx context.Context,
		id uuid.UUID,
		sectionType string,
		status report.SectionStatus,
		defaultTotal int,
	) (report.Progress, bool, error)

	// GetProgress loads the progress row or returns ErrNotFound.
	GetProgress(ctx context.Context, id uuid.UUID) (report.Progress, error)
	// ListSections returns all sections for the submission ordered by
	// section_order ascending.
	ListSections(ctx context.Context, id uuid.UUID) ([]report.Section, error)
}
