// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abirangers/lbf-lunarai-web-v4/internal/report"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/store"
)

type reportPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// ReportStore implements store.ReportRepository using Postgres.
type ReportStore struct {
	pool reportPool
}

// NewReportStore connects a pool for the given DSN.
func NewReportStore(ctx context.Context, dsn string) (*ReportStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &ReportStore{pool: pool}, nil
}

// NewReportStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewReportStoreWithPool(pool reportPool) (*ReportStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ReportStore{pool: pool}, nil
}

// Ping verifies database connectivity; the readiness probe uses it.
func (s *ReportStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ReportStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// GetSubmission retrieves a single submission by ID.
func (s *ReportStore) GetSubmission(ctx context.Context, id uuid.UUID) (report.Submission, error) {
	query := `
		SELECT id, brand_name, status, created_at, updated_at
		FROM submissions
		WHERE id = $1;
	`
	var sub report.Submission
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&sub.ID,
		&sub.BrandName,
		&sub.Status,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return report.Submission{}, store.ErrNotFound
		}
		return report.Submission{}, fmt.Errorf("failed to get submission: %w", err)
	}
	return sub, nil
}

// SetSubmissionStatus advances the status only when the current value still
// matches prev. Zero rows affected means another writer got there first,
// which is not an error.
func (s *ReportStore) SetSubmissionStatus(
	ctx context.Context,
	id uuid.UUID,
	prev, next report.SubmissionStatus,
) error {
	query := `
		UPDATE submissions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3;
	`
	if _, err := s.pool.Exec(ctx, query, next, id, prev); err != nil {
		return fmt.Errorf("failed to set submission status: %w", err)
	}
	return nil
}

// UpsertSection inserts the section or overwrites payload, metadata, and
// order for an existing (submission, type) pair. received_at is stamped on
// first arrival, updated_at on overwrite.
func (s *ReportStore) UpsertSection(ctx context.Context, sec store.SectionUpsert) error {
	now := time.Now().UTC().Format(time.RFC3339)
	insertMeta, err := metadataJSON(sec.Metadata, "received_at", now)
	if err != nil {
		return err
	}
	updateMeta, err := metadataJSON(sec.Metadata, "updated_at", now)
	if err != nil {
		return err
	}
	data := sec.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	query := `
		INSERT INTO report_sections (submission_id, section_type, section_order, section_data, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (submission_id, section_type) DO UPDATE
		SET section_data = EXCLUDED.section_data,
			section_order = EXCLUDED.section_order,
			metadata = $6,
			updated_at = NOW();
	`
	if _, err := s.pool.Exec(ctx, query, sec.SubmissionID, sec.Type, sec.Order, data, insertMeta, updateMeta); err != nil {
		return fmt.Errorf("failed to upsert section: %w", err)
	}
	return nil
}

// ApplySectionResult merges one section outcome into section_progress inside
// a transaction. The row is created lazily; the counter moves only when
// sections_status has no entry for the type yet, so retried deliveries of the
// same section never double-count.
func (s *ReportStore) ApplySectionResult(
	ctx context.Context,
	id uuid.UUID,
	sectionType string,
	status report.SectionStatus,
	defaultTotal int,
) (report.Progress, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return report.Progress{}, false, fmt.Errorf("failed to begin progress tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `
		INSERT INTO section_progress (submission_id, total_sections, completed_sections, failed_sections, sections_status)
		VALUES ($1, $2, 0, 0, '{}'::jsonb)
		ON CONFLICT (submission_id) DO NOTHING;
	`
	if _, err = tx.Exec(ctx, insert, id, defaultTotal); err != nil {
		return report.Progress{}, false, fmt.Errorf("failed to init progress row: %w", err)
	}

	sel := `
		SELECT total_sections, completed_sections, failed_sections, sections_status, updated_at
		FROM section_progress
		WHERE submission_id = $1
		FOR UPDATE;
	`
	prog := report.Progress{SubmissionID: id}
	var statusRaw []byte
	if err = tx.QueryRow(ctx, sel, id).Scan(
		&prog.TotalSections,
		&prog.CompletedSections,
		&prog.FailedSections,
		&statusRaw,
		&prog.UpdatedAt,
	); err != nil {
		return report.Progress{}, false, fmt.Errorf("failed to lock progress row: %w", err)
	}
	prog.SectionsStatus = map[string]report.SectionStatus{}
	if len(statusRaw) > 0 {
		if err = json.Unmarshal(statusRaw, &prog.SectionsStatus); err != nil {
			return report.Progress{}, false, fmt.Errorf("failed to decode sections_status: %w", err)
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

	if changed {
		merged, mErr := json.Marshal(prog.SectionsStatus)
		if mErr != nil {
			return report.Progress{}, false, fmt.Errorf("failed to encode sections_status: %w", mErr)
		}
		upd := `
			UPDATE section_progress
			SET completed_sections = $1, failed_sections = $2, sections_status = $3, updated_at = NOW()
			WHERE submission_id = $4;
		`
		if _, err = tx.Exec(ctx, upd, prog.CompletedSections, prog.FailedSections, merged, id); err != nil {
			return report.Progress{}, false, fmt.Errorf("failed to update progress: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return report.Progress{}, false, fmt.Errorf("failed to commit progress tx: %w", err)
	}
	prog.UpdatedAt = time.Now().UTC()
	return prog, changed, nil
}

// GetProgress retrieves the progress row for a submission.
func (s *ReportStore) GetProgress(ctx context.Context, id uuid.UUID) (report.Progress, error) {
	query := `
		SELECT total_sections, completed_sections, failed_sections, sections_status, updated_at
		FROM section_progress
		WHERE submission_id = $1;
	`
	prog := report.Progress{SubmissionID: id}
	var statusRaw []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&prog.TotalSections,
		&prog.CompletedSections,
		&prog.FailedSections,
		&statusRaw,
		&prog.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return report.Progress{}, store.ErrNotFound
		}
		return report.Progress{}, fmt.Errorf("failed to get progress: %w", err)
	}
	prog.SectionsStatus = map[string]report.SectionStatus{}
	if len(statusRaw) > 0 {
		if err := json.Unmarshal(statusRaw, &prog.SectionsStatus); err != nil {
			return report.Progress{}, fmt.Errorf("failed to decode sections_status: %w", err)
		}
	}
	return prog, nil
}

// ListSections retrieves all sections for a submission ordered by position.
func (s *ReportStore) ListSections(ctx context.Context, id uuid.UUID) ([]report.Section, error) {
	query := `
		SELECT submission_id, section_type, section_order, section_data, metadata, created_at, updated_at
		FROM report_sections
		WHERE submission_id = $1
		ORDER BY section_order ASC;
	`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}
	defer rows.Close()

	var sections []report.Section
	for rows.Next() {
		var sec report.Section
		var metaRaw []byte
		err := rows.Scan(
			&sec.SubmissionID,
			&sec.Type,
			&sec.Order,
			&sec.Data,
			&metaRaw,
			&sec.ReceivedAt,
			&sec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan section row: %w", err)
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &sec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode section metadata: %w", err)
			}
		}
		sections = append(sections, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate section rows: %w", err)
	}
	return sections, nil
}

func metadataJSON(meta map[string]any, stampKey, stamp string) ([]byte, error) {
	merged := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		merged[k] = v
	}
	merged[stampKey] = stamp
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode section metadata: %w", err)
	}
	return raw, nil
}
