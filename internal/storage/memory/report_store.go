// Package memory keeps submissions, sections, and progress in process memory.
// It backs tests and the DSN-less mock mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abirangers/lbf-lunarai-web-v4/internal/report"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/store"
)

type sectionKey struct {
	submission uuid.UUID
	sectionTyp string
}

// ReportStore is a mutex-guarded in-memory store.ReportRepository.
type ReportStore struct {
	mu          sync.RWMutex
	submissions map[uuid.UUID]report.Submission
	sections    map[sectionKey]report.Section
	progress    map[uuid.UUID]report.Progress
}

// NewReportStore creates an empty in-memory store.
func NewReportStore() *ReportStore {
	return &ReportStore{
		submissions: make(map[uuid.UUID]report.Submission),
		sections:    make(map[sectionKey]report.Section),
		progress:    make(map[uuid.UUID]report.Progress),
	}
}

// SeedSubmission inserts a submission row; tests and mock mode use it in
// place of the external form frontend.
func (s *ReportStore) SeedSubmission(sub report.Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	s.submissions[sub.ID] = sub
}

// GetSubmission loads one submission or returns store.ErrNotFound.
func (s *ReportStore) GetSubmission(_ context.Context, id uuid.UUID) (report.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[id]
	if !ok {
		return report.Submission{}, store.ErrNotFound
	}
	return sub, nil
}

// SetSubmissionStatus applies the compare-and-set transition.
func (s *ReportStore) SetSubmissionStatus(
	_ context.Context,
	id uuid.UUID,
	prev, next report.SubmissionStatus,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok || sub.Status != prev {
		return nil
	}
	sub.Status = next
	sub.UpdatedAt = time.Now().UTC()
	s.submissions[id] = sub
	return nil
}

// UpsertSection inserts or overwrites the (submission, type) row.
func (s *ReportStore) UpsertSection(_ context.Context, sec store.SectionUpsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := sectionKey{submission: sec.SubmissionID, sectionTyp: sec.Type}
	meta := make(map[string]any, len(sec.Metadata)+1)
	for k, v := range sec.Metadata {
		meta[k] = v
	}
	row, exists := s.sections[key]
	if exists {
		meta["updated_at"] = now.Format(time.RFC3339)
		row.Order = sec.Order
		row.Data = append([]byte(nil), sec.Data...)
		row.Metadata = meta
		row.UpdatedAt = now
	} else {
		meta["received_at"] = now.Format(time.RFC3339)
		row = report.Section{
			SubmissionID: sec.SubmissionID,
			Type:         sec.Type,
			Order:        sec.Order,
			Data:         append([]byte(nil), sec.Data...),
			Metadata:     meta,
			ReceivedAt:   now,
			UpdatedAt:    now,
		}
	}
	s.sections[key] = row
	return nil
}

// ApplySectionResult merges one section outcome into the progress row,
// creating it lazily and skipping types already recorded.
func (s *ReportStore) ApplySectionResult(
	_ context.Context,
	id uuid.UUID,
	sectionType string,
	status report.SectionStatus,
	defaultTotal int,
) (report.Progress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prog, ok := s.progress[id]
	if !ok {
		prog = report.Progress{
			SubmissionID:   id,
			TotalSections:  defaultTotal,
			SectionsStatus: map[string]report.SectionStatus{},
		}
	}
	changed := false
	if _, seen := prog.SectionsStatus[sectionType]; !seen {
		prog.SectionsStatus[sectionType] = status
		if status == report.SectionFailed {
			prog.FailedSections++
		} else {
			prog.CompletedSections++
		}
		changed = true
	}
	prog.UpdatedAt = time.Now().UTC()
	s.progress[id] = prog
	return cloneProgress(prog), changed, nil
}

// GetProgress loads the progress row or returns store.ErrNotFound.
func (s *ReportStore) GetProgress(_ context.Context, id uuid.UUID) (report.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prog, ok := s.progress[id]
	if !ok {
		return report.Progress{}, store.ErrNotFound
	}
	return cloneProgress(prog), nil
}

// ListSections returns the submission's sections ordered by position.
func (s *ReportStore) ListSections(_ context.Context, id uuid.UUID) ([]report.Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sections []report.Section
	for key, sec := range s.sections {
		if key.submission == id {
			sections = append(sections, sec)
		}
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].Order < sections[j].Order })
	return sections, nil
}

func cloneProgress(p report.Progress) report.Progress {
	cp := p
	cp.SectionsStatus = make(map[string]report.SectionStatus, len(p.SectionsStatus))
	for k, v := range p.SectionsStatus {
		cp.SectionsStatus[k] = v
	}
	return cp
}
