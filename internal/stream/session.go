// Package stream runs the Server-Sent Events session that follows one
// submission's report generation from snapshot to completion.
package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/abirangers/lbf-lunarai-web-v4/internal/activity"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/realtime"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/report"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/store"
)

// Config bounds the lifetime of a streaming session.
type Config struct {
	// HeartbeatInterval is the keep-alive cadence while the session is live.
	HeartbeatInterval time.Duration
	// MaxLifetime caps the session; hitting it emits a timeout event and
	// closes the stream.
	MaxLifetime time.Duration
	// DefaultTotalSections seeds the snapshot when no progress row exists yet.
	DefaultTotalSections int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 10 * time.Minute
	}
	if c.DefaultTotalSections <= 0 {
		c.DefaultTotalSections = 12
	}
	return c
}

// Streamer serves streaming sessions. It reads the store for the opening
// snapshot and consumes live events from the broker.
type Streamer struct {
	repo    store.ReportRepository
	broker  realtime.Broker
	emitter activity.Emitter
	cfg     Config
	logger  *zap.Logger
}

// NewStreamer wires the session runner. emitter may be nil.
func NewStreamer(repo store.ReportRepository, broker realtime.Broker, emitter activity.Emitter, cfg Config, logger *zap.Logger) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = noopEmitter{}
	}
	return &Streamer{
		repo:    repo,
		broker:  broker,
		emitter: emitter,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

type noopEmitter struct{}

func (noopEmitter) Emit(activity.Event) {}

// Run drives one session to completion. The submission must already be
// validated by the caller; Run owns the response from the first byte on and
// always tears the session down on every exit path.
func (s *Streamer) Run(w http.ResponseWriter, r *http.Request, sub report.Submission) {
	ctx := r.Context()
	logger := s.logger.With(zap.String("submission_id", sub.ID.String()))

	ew, err := newEventWriter(w)
	if err != nil {
		logger.Error("streaming unsupported", zap.Error(err))
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.emitter.Emit(activity.Event{
		SubmissionID: sub.ID,
		TS:           time.Now().UTC(),
		Kind:         activity.KindStreamOpened,
	})
	closeReason := activity.CloseError
	defer func() {
		s.emitter.Emit(activity.Event{
			SubmissionID: sub.ID,
			TS:           time.Now().UTC(),
			Kind:         activity.KindStreamClosed,
			Outcome:      closeReason,
		})
		logger.Info("stream closed", zap.String("reason", closeReason))
	}()

	progress, err := s.repo.GetProgress(ctx, sub.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No section has arrived yet; report an empty snapshot.
		progress = report.Progress{
			SubmissionID:  sub.ID,
			TotalSections: s.cfg.DefaultTotalSections,
		}
	case err != nil:
		logger.Error("load progress snapshot", zap.Error(err))
		_ = ew.Send(realtime.Event{
			Type:  realtime.EventError,
			Error: "failed to load progress",
		}.Stamp())
		return
	}

	sections, err := s.repo.ListSections(ctx, sub.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("list sections for snapshot", zap.Error(err))
		_ = ew.Send(realtime.Event{
			Type:  realtime.EventError,
			Error: "failed to load sections",
		}.Stamp())
		return
	}

	terminal := sub.Status.Terminal()

	// Subscribe before the snapshot is written so nothing broadcast between
	// snapshot and live phase is lost. Terminal submissions never subscribe.
	var listener *realtime.Listener
	if !terminal {
		listener = s.broker.Subscribe(sub.ID)
		defer s.broker.Unsubscribe(sub.ID, listener)
	}

	refs := make([]realtime.SectionRef, 0, len(sections))
	for _, sec := range sections {
		refs = append(refs, realtime.SectionRef{SectionType: sec.Type, Order: sec.Order})
	}
	if err := ew.Send(realtime.Event{
		Type:         realtime.EventConnectionEstablished,
		SubmissionID: sub.ID.String(),
		CurrentProgress: &realtime.ProgressPayload{
			Completed:  progress.CompletedSections,
			Total:      progress.TotalSections,
			Failed:     progress.FailedSections,
			Percentage: progress.Percentage(),
			Status:     string(sub.Status),
		},
		ExistingSections: refs,
	}.Stamp()); err != nil {
		closeReason = activity.CloseDisconnected
		return
	}

	if terminal {
		closeReason = s.replayTerminal(ew, sections, progress, logger)
		return
	}

	closeReason = s.live(ctx, ew, listener, logger)
}

// replayTerminal streams every stored section in order followed by the
// workflow summary, then ends the session without ever touching the broker.
func (s *Streamer) replayTerminal(
	ew *eventWriter,
	sections []report.Section,
	progress report.Progress,
	logger *zap.Logger,
) string {
	for _, sec := range sections {
		status := progress.SectionsStatus[sec.Type]
		evtType := realtime.EventSectionComplete
		if status == report.SectionFailed {
			evtType = realtime.EventSectionError
		}
		if err := ew.Send(realtime.Event{
			Type: evtType,
			Section: &realtime.SectionPayload{
				SectionType: sec.Type,
				Order:       sec.Order,
				Data:        sec.Data,
				Metadata:    sec.Metadata,
			},
			Progress: &realtime.ProgressPayload{
				Completed:  progress.CompletedSections,
				Total:      progress.TotalSections,
				Failed:     progress.FailedSections,
				Percentage: progress.Percentage(),
			},
		}.Stamp()); err != nil {
			return activity.CloseDisconnected
		}
	}

	if err := ew.Send(realtime.Event{
		Type: realtime.EventWorkflowComplete,
		Summary: &realtime.Summary{
			TotalSections:     progress.TotalSections,
			CompletedSections: progress.CompletedSections,
			FailedSections:    progress.FailedSections,
		},
	}.Stamp()); err != nil {
		return activity.CloseDisconnected
	}
	logger.Info("terminal replay served", zap.Int("sections", len(sections)))
	return activity.CloseReplayed
}

// live forwards broker events until the workflow completes, the client
// disconnects, or the lifetime cap fires.
func (s *Streamer) live(
	ctx context.Context,
	ew *eventWriter,
	listener *realtime.Listener,
	logger *zap.Logger,
) string {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	lifetime := time.NewTimer(s.cfg.MaxLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-ctx.Done():
			return activity.CloseDisconnected

		case <-lifetime.C:
			// Exactly one timeout event, then close.
			_ = ew.Send(realtime.Timeout("stream timeout, please reconnect"))
			logger.Warn("stream hit max lifetime")
			return activity.CloseTimeout

		case <-heartbeat.C:
			if err := ew.Send(realtime.Heartbeat()); err != nil {
				return activity.CloseDisconnected
			}

		case evt, ok := <-listener.Events():
			if !ok {
				return activity.CloseError
			}
			if err := ew.Send(evt); err != nil {
				return activity.CloseDisconnected
			}
			if evt.Type == realtime.EventWorkflowComplete {
				return activity.CloseCompleted
			}
		}
	}
}
