package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abirangers/lbf-lunarai-web-v4/internal/config"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/realtime"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/report"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/storage/memory"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/store"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/stream"
)

type apiFixture struct {
	repo     *memory.ReportStore
	registry *realtime.Registry
	server   *Server
}

func newAPIFixture(t *testing.T, cfg config.Config) *apiFixture {
	t.Helper()

	if cfg.Report.TotalSections == 0 {
		cfg.Report.TotalSections = 3
	}
	repo := memory.NewReportStore()
	registry := realtime.NewRegistry(16, zap.NewNop())
	streamer := stream.NewStreamer(repo, registry, nil, stream.Config{
		HeartbeatInterval:    time.Minute,
		MaxLifetime:          time.Minute,
		DefaultTotalSections: cfg.Report.TotalSections,
	}, zap.NewNop())
	handler := NewReportHandler(repo, registry, streamer, nil, cfg.Report.TotalSections, zap.NewNop())
	return &apiFixture{
		repo:     repo,
		registry: registry,
		server:   NewServer(handler, nil, cfg, zap.NewNop()),
	}
}

func (f *apiFixture) ingest(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/sync/section", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func sectionBody(id uuid.UUID, sectionType string, order int, status string) string {
	return fmt.Sprintf(
		`{"submissionId":%q,"section":{"type":%q,"order":%d,"status":%q,"data":{"text":"ok"}}}`,
		id, sectionType, order, status,
	)
}

func decodeProgress(t *testing.T, rec *httptest.ResponseRecorder) progressDTO {
	t.Helper()
	var resp struct {
		Success  bool        `json:"success"`
		Progress progressDTO `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	return resp.Progress
}

func TestIngestSectionValidation(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, config.Config{})

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing submission id", `{"section":{"type":"pricing"}}`},
		{"bad uuid", `{"submissionId":"nope","section":{"type":"pricing"}}`},
		{"missing section", fmt.Sprintf(`{"submissionId":%q}`, uuid.New())},
		{"missing section type", fmt.Sprintf(`{"submissionId":%q,"section":{"order":1}}`, uuid.New())},
		{"bad status", fmt.Sprintf(`{"submissionId":%q,"section":{"type":"pricing","status":"weird"}}`, uuid.New())},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.ingest(t, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestIngestSectionAcceptsAliasFields(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, config.Config{})
	sub := report.Submission{ID: uuid.New(), Status: report.StatusRunning}
	f.repo.SeedSubmission(sub)

	body := fmt.Sprintf(
		`{"submissionId":%q,"section":{"section_type":"pricing","section_order":4,"section_data":{"text":"ok"}}}`,
		sub.ID,
	)
	rec := f.ingest(t, body)
	require.Equal(t, http.StatusOK, rec.Code)

	sections, err := f.repo.ListSections(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	require.Equal(t, "pricing", sections[0].Type)
	require.Equal(t, 4, sections[0].Order)
	require.JSONEq(t, `{"text":"ok"}`, string(sections[0].Data))
}

func TestIngestSectionUnknownSubmission(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, config.Config{})
	rec := f.ingest(t, sectionBody(uuid.New(), "pricing", 1, "completed"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestSectionAdvancesProgress(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, config.Config{})
	sub := report.Submission{ID: uuid.New(), Status: report.StatusQueued}
	f.repo.SeedSubmission(sub)

	rec := f.ingest(t, sectionBody(sub.ID, "pricing", 1, "completed"))
	require.Equal(t, http.StatusOK, rec.Code)
	prog := decodeProgress(t, rec)
	require.Equal(t, 1, prog.Completed)
	require.Equal(t, 3, prog.Total)
	require.Equal(t, 33, prog.Percentage)

	// First arrival moves the submission out of queued.
	got, err := f.repo.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, report.StatusRunning, got.Status)
}

func TestIngestSectionRedeliveryDoesNotDoubleCount(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, config.Config{})
	sub := report.Submission{ID: uuid.New(), Status: report.StatusRunning}
	f.repo.SeedSubmission(sub)

	first := f.ingest(t, sectionBody(sub.ID, "pricing", 1, "completed"))
	require.Equal(t, http.StatusOK, first.Code)
	second := f.ingest(t, sectionBody(sub.ID, "pricing", 1, "completed"))
	require.Equal(t, http.StatusOK, second.Code)

	prog := decodeProgress(t, second)
	require.Equal(t, 1, prog.Completed, "re-delivery must not double count")
}

func TestIngestSectionFailureCountsSeparately(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, config.Config{})
	sub := report.Submission{ID: uuid.New(), Status: report.StatusRunning}
	f.repo.SeedSubmission(sub)

	rec := f.ingest(t, sectionBody(sub.ID, "pricing", 1, "failed"))
	require.Equal(t, http.StatusOK, rec.Code)
	prog := decodeProgress(t, rec)
	require.Equal(t, 0, prog.Completed)
	require.Equal(t, 1, prog.Failed)
}

func TestIngestSectionBroadcastsToListeners(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, config.Config{})
	sub := report.Submission{ID: uuid.New(), Status: report.StatusRunning}
	f.repo.SeedSubmission(sub)

	// One section already stored before the client connects.
	rec := f.ingest(t, sectionBody(sub.ID, "overview", 1, "completed"))
	require.Equal(t, http.StatusOK, rec.Code)

	listener := f.registry.Subscribe(sub.ID)
	defer f.registry.Unsubscribe(sub.ID, listener)

	rec = f.ingest(t, sectionBody(sub.ID, "pricing", 2, "completed"))
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case evt := <-listener.Events():
		require.Equal(t, realtime.EventSectionComplete, evt.Type)
		require.Equal(t, "pricing", evt.Section.SectionType)
		require.Equal(t, 2, evt.Progress.Completed)
		require.Equal(t, 67, evt.Progress.Percentage)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast event")
	}
}

func TestIngestFinalSectionCompletesWorkflow(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Report.TotalSections = 2
	f := newAPIFixture(t, cfg)
	sub := report.Submission{ID: uuid.New(), Status: report.StatusRunning}
	f.repo.SeedSubmission(sub)

	listener := f.registry.Subscribe(sub.ID)
	defer f.registry.Unsubscribe(sub.ID, listener)

	require.Equal(t, http.StatusOK, f.ingest(t, sectionBody(sub.ID, "pricing", 1, "completed")).Code)
	require.Equal(t, http.StatusOK, f.ingest(t, sectionBody(sub.ID, "packaging", 2, "failed")).Code)

	var final realtime.Event
	deadline := time.After(time.Second)
	for final.Type != realtime.EventWorkflowComplete {
		select {
		case final = <-listener.Events():
		case <-deadline:
			t.Fatal("expected workflow_complete broadcast")
		}
	}
	require.Equal(t, 2, final.Summary.TotalSections)
	require.Equal(t, 1, final.Summary.FailedSections)

	// A failed section downgrades the terminal status.
	got, err := f.repo.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, report.StatusPartialComplete, got.Status)
}

func TestIngestDuplicateFinalSectionDoesNotRecomplete(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Report.TotalSections = 1
	f := newAPIFixture(t, cfg)
	sub := report.Submission{ID: uuid.New(), Status: report.StatusRunning}
	f.repo.SeedSubmission(sub)

	require.Equal(t, http.StatusOK, f.ingest(t, sectionBody(sub.ID, "pricing", 1, "completed")).Code)

	listener := f.registry.Subscribe(sub.ID)
	defer f.registry.Unsubscribe(sub.ID, listener)

	require.Equal(t, http.StatusOK, f.ingest(t, sectionBody(sub.ID, "pricing", 1, "completed")).Code)

	// The re-delivery still broadcasts the section, but never a second
	// workflow_complete.
	evt := <-listener.Events()
	require.Equal(t, realtime.EventSectionComplete, evt.Type)
	select {
	case extra := <-listener.Events():
		require.NotEqual(t, realtime.EventWorkflowComplete, extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGetProgressSnapshot(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, config.Config{})
	sub := report.Submission{ID: uuid.New(), Status: report.StatusRunning}
	f.repo.SeedSubmission(sub)
	require.Equal(t, http.StatusOK, f.ingest(t, sectionBody(sub.ID, "pricing", 1, "completed")).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/result/"+sub.ID.String()+"/progress", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		SubmissionID string      `json:"submissionId"`
		Status       string      `json:"status"`
		Progress     progressDTO `json:"progress"`
		Sections     []struct {
			SectionType string `json:"sectionType"`
			Order       int    `json:"order"`
		} `json:"sections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, sub.ID.String(), resp.SubmissionID)
	require.Equal(t, "running", resp.Status)
	require.Equal(t, 1, resp.Progress.Completed)
	require.Len(t, resp.Sections, 1)
	require.Equal(t, "pricing", resp.Sections[0].SectionType)
}

func TestGetProgressDefaultsWithoutRow(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, config.Config{})
	sub := report.Submission{ID: uuid.New(), Status: report.StatusQueued}
	f.repo.SeedSubmission(sub)

	req := httptest.NewRequest(http.MethodGet, "/api/result/"+sub.ID.String()+"/progress", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Progress progressDTO `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0, resp.Progress.Completed)
	require.Equal(t, 3, resp.Progress.Total)
}

func TestGetProgressErrors(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/result/not-a-uuid/progress", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/result/"+uuid.NewString()+"/progress", nil)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEndpointValidatesBeforeSSE(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/result/not-a-uuid/stream", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	req = httptest.NewRequest(http.MethodGet, "/api/result/"+uuid.NewString()+"/stream", nil)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEndpointReplaysTerminalSubmission(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, config.Config{})
	sub := report.Submission{ID: uuid.New(), Status: report.StatusCompleted}
	f.repo.SeedSubmission(sub)
	ctx := context.Background()
	require.NoError(t, f.repo.UpsertSection(ctx, store.SectionUpsert{
		SubmissionID: sub.ID, Type: "pricing", Order: 1, Data: []byte(`{}`),
	}))
	_, _, err := f.repo.ApplySectionResult(ctx, sub.ID, "pricing", report.SectionCompleted, 1)
	require.NoError(t, err)

	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/result/" + sub.ID.String() + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}
