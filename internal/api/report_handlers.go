package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abirangers/lbf-lunarai-web-v4/internal/activity"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/realtime"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/report"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/store"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/stream"
)

// ReportHandler serves the ingest, snapshot, and stream endpoints for one
// submission's report generation.
type ReportHandler struct {
	repo         store.ReportRepository
	broker       realtime.Broker
	streamer     *stream.Streamer
	emitter      activity.Emitter
	defaultTotal int
	logger       *zap.Logger
}

// NewReportHandler wires the repository, broker, and streamer. emitter may be
// nil.
func NewReportHandler(
	repo store.ReportRepository,
	broker realtime.Broker,
	streamer *stream.Streamer,
	emitter activity.Emitter,
	defaultTotal int,
	logger *zap.Logger,
) *ReportHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTotal <= 0 {
		defaultTotal = 12
	}
	return &ReportHandler{
		repo:         repo,
		broker:       broker,
		streamer:     streamer,
		emitter:      emitter,
		defaultTotal: defaultTotal,
		logger:       logger,
	}
}

// Ready probes the repository when it supports pinging. In-memory stores are
// always ready.
func (h *ReportHandler) Ready(ctx context.Context) error {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := h.repo.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

type sectionCallbackRequest struct {
	SubmissionID string           `json:"submissionId"`
	Section      *sectionCallback `json:"section"`
}

// sectionCallback tolerates the field aliases different workflow versions
// send for the same values.
type sectionCallback struct {
	Type         string          `json:"type"`
	SectionType  string          `json:"section_type"`
	TypeCamel    string          `json:"sectionType"`
	Order        int             `json:"order"`
	SectionOrder int             `json:"section_order"`
	Status       string          `json:"status"`
	Data         json.RawMessage `json:"data"`
	SectionData  json.RawMessage `json:"section_data"`
	Metadata     map[string]any  `json:"metadata"`
}

func (s *sectionCallback) sectionType() string {
	switch {
	case s.SectionType != "":
		return s.SectionType
	case s.Type != "":
		return s.Type
	default:
		return s.TypeCamel
	}
}

func (s *sectionCallback) order() int {
	if s.Order != 0 {
		return s.Order
	}
	return s.SectionOrder
}

func (s *sectionCallback) data() json.RawMessage {
	if len(s.SectionData) > 0 {
		return s.SectionData
	}
	return s.Data
}

type progressDTO struct {
	Completed  int    `json:"completed"`
	Total      int    `json:"total"`
	Failed     int    `json:"failed"`
	Percentage int    `json:"percentage"`
	Status     string `json:"status,omitempty"`
}

// IngestSection handles POST /api/sync/section: the workflow engine delivers
// one generated section. The section is persisted, the progress counters
// advance (at most once per section type), and the result is broadcast to
// every open stream. Re-delivery of a section type overwrites the stored
// payload without moving the counters.
func (h *ReportHandler) IngestSection(w http.ResponseWriter, r *http.Request) {
	var req sectionCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SubmissionID == "" {
		writeError(w, http.StatusBadRequest, "missing submissionId")
		return
	}
	submissionID, err := uuid.Parse(req.SubmissionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid submissionId")
		return
	}
	if req.Section == nil {
		writeError(w, http.StatusBadRequest, "missing section data")
		return
	}
	sectionType := req.Section.sectionType()
	if sectionType == "" {
		writeError(w, http.StatusBadRequest, "missing section type")
		return
	}
	status, err := parseSectionStatus(req.Section.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	logger := h.logger.With(
		zap.String("submission_id", submissionID.String()),
		zap.String("section_type", sectionType),
	)

	sub, err := h.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "submission not found")
			return
		}
		logger.Error("load submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load submission")
		return
	}

	if err := h.repo.UpsertSection(ctx, store.SectionUpsert{
		SubmissionID: submissionID,
		Type:         sectionType,
		Order:        req.Section.order(),
		Data:         req.Section.data(),
		Metadata:     req.Section.Metadata,
	}); err != nil {
		logger.Error("upsert section failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store section")
		return
	}

	progress, changed, err := h.repo.ApplySectionResult(ctx, submissionID, sectionType, status, h.defaultTotal)
	if err != nil {
		logger.Error("apply section result failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update progress")
		return
	}

	// First section arrival moves the workflow out of queued.
	if sub.Status == report.StatusQueued {
		if err := h.repo.SetSubmissionStatus(ctx, submissionID, report.StatusQueued, report.StatusRunning); err != nil {
			logger.Warn("queued->running transition failed", zap.Error(err))
		}
	}

	h.emit(activity.Event{
		SubmissionID: submissionID,
		TS:           time.Now().UTC(),
		Kind:         activity.KindSectionIngested,
		SectionType:  sectionType,
		Outcome:      string(status),
	})

	evtType := realtime.EventSectionComplete
	if status == report.SectionFailed {
		evtType = realtime.EventSectionError
	}
	h.broadcast(submissionID, realtime.Event{
		Type: evtType,
		Section: &realtime.SectionPayload{
			SectionType: sectionType,
			Order:       req.Section.order(),
			Data:        req.Section.data(),
			Metadata:    req.Section.Metadata,
		},
		Progress: toProgressPayload(progress, ""),
	}.Stamp())

	if changed && progress.Done() {
		h.finishWorkflow(ctx, submissionID, progress, logger)
	}

	logger.Info("section ingested",
		zap.String("status", string(status)),
		zap.Bool("counted", changed),
		zap.Int("completed", progress.CompletedSections),
		zap.Int("total", progress.TotalSections),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "Section synced successfully",
		"submissionId": submissionID.String(),
		"sectionType":  sectionType,
		"progress":     toProgressDTO(progress, ""),
	})
}

// finishWorkflow marks the submission terminal and broadcasts the summary.
// Any failed section downgrades the final status to partial_complete.
func (h *ReportHandler) finishWorkflow(
	ctx context.Context,
	submissionID uuid.UUID,
	progress report.Progress,
	logger *zap.Logger,
) {
	final := report.StatusCompleted
	if progress.FailedSections > 0 {
		final = report.StatusPartialComplete
	}
	if err := h.repo.SetSubmissionStatus(ctx, submissionID, report.StatusRunning, final); err != nil {
		logger.Warn("terminal transition failed", zap.Error(err))
	}
	h.broadcast(submissionID, realtime.Event{
		Type: realtime.EventWorkflowComplete,
		Summary: &realtime.Summary{
			TotalSections:     progress.TotalSections,
			CompletedSections: progress.CompletedSections,
			FailedSections:    progress.FailedSections,
		},
	}.Stamp())
	logger.Info("workflow complete",
		zap.String("final_status", string(final)),
		zap.Int("failed", progress.FailedSections),
	)
}

// GetProgress handles GET /api/result/{submission_id}/progress: a one-shot
// snapshot for clients that poll instead of streaming.
func (h *ReportHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	submissionID, err := parseSubmissionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	sub, err := h.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "submission not found")
			return
		}
		h.logger.Error("load submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load submission")
		return
	}

	progress, err := h.repo.GetProgress(ctx, submissionID)
	if errors.Is(err, store.ErrNotFound) {
		progress = report.Progress{SubmissionID: submissionID, TotalSections: h.defaultTotal}
		err = nil
	}
	if err != nil {
		h.logger.Error("load progress failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}

	sections, err := h.repo.ListSections(ctx, submissionID)
	if err != nil {
		h.logger.Error("list sections failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sections")
		return
	}
	refs := make([]realtime.SectionRef, 0, len(sections))
	for _, sec := range sections {
		refs = append(refs, realtime.SectionRef{SectionType: sec.Type, Order: sec.Order})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"submissionId": submissionID.String(),
		"status":       string(sub.Status),
		"progress":     toProgressDTO(progress, string(sub.Status)),
		"sections":     refs,
	})
}

// Stream handles GET /api/result/{submission_id}/stream. Validation happens
// before the first SSE byte so errors still go out as plain HTTP statuses.
func (h *ReportHandler) Stream(w http.ResponseWriter, r *http.Request) {
	submissionID, err := parseSubmissionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := h.repo.GetSubmission(r.Context(), submissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "submission not found")
			return
		}
		h.logger.Error("load submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load submission")
		return
	}
	h.streamer.Run(w, r, sub)
}

func (h *ReportHandler) broadcast(submissionID uuid.UUID, evt realtime.Event) {
	h.broker.Broadcast(submissionID, evt)
	listeners := 0
	if counter, ok := h.broker.(interface{ ListenerCount(uuid.UUID) int }); ok {
		listeners = counter.ListenerCount(submissionID)
	}
	h.emit(activity.Event{
		SubmissionID: submissionID,
		TS:           time.Now().UTC(),
		Kind:         activity.KindBroadcast,
		Listeners:    listeners,
	})
}

func (h *ReportHandler) emit(evt activity.Event) {
	if h.emitter == nil {
		return
	}
	h.emitter.Emit(evt)
}

func parseSubmissionID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "submission_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("submission_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid submission_id")
	}
	return id, nil
}

func parseSectionStatus(input string) (report.SectionStatus, error) {
	switch input {
	case "", "completed", "success":
		return report.SectionCompleted, nil
	case "failed", "error":
		return report.SectionFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toProgressPayload(p report.Progress, status string) *realtime.ProgressPayload {
	return &realtime.ProgressPayload{
		Completed:  p.CompletedSections,
		Total:      p.TotalSections,
		Failed:     p.FailedSections,
		Percentage: p.Percentage(),
		Status:     status,
	}
}

func toProgressDTO(p report.Progress, status string) progressDTO {
	return progressDTO{
		Completed:  p.CompletedSections,
		Total:      p.TotalSections,
		Failed:     p.FailedSections,
		Percentage: p.Percentage(),
		Status:     status,
	}
}
