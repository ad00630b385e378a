package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/abirangers/lbf-lunarai-web-v4/internal/activity"
)

func TestPrometheusSinkTracksStreamLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := uuid.New()
	now := time.Now()
	batch := []activity.Event{
		{SubmissionID: id, TS: now, Kind: activity.KindStreamOpened},
		{SubmissionID: id, TS: now, Kind: activity.KindStreamOpened},
		{SubmissionID: id, TS: now, Kind: activity.KindStreamClosed, Outcome: activity.CloseCompleted},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, float64(2), testutil.ToFloat64(sink.streamsOpened))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.streamsActive))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.streamsClosed.WithLabelValues(activity.CloseCompleted)))
}

func TestPrometheusSinkCountsIngestAndBroadcast(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := uuid.New()
	now := time.Now()
	batch := []activity.Event{
		{SubmissionID: id, TS: now, Kind: activity.KindSectionIngested, SectionType: "pricing", Outcome: "completed"},
		{SubmissionID: id, TS: now, Kind: activity.KindSectionIngested, SectionType: "packaging", Outcome: "failed"},
		{SubmissionID: id, TS: now, Kind: activity.KindBroadcast, Listeners: 3},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, float64(1), testutil.ToFloat64(sink.sectionsIngested.WithLabelValues("completed")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.sectionsIngested.WithLabelValues("failed")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.broadcastsTotal))
	require.Equal(t, float64(3), testutil.ToFloat64(sink.broadcastListeners))
}

func TestPrometheusSinkDoubleRegisterFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
