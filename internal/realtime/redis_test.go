package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	_ Broker = (*Registry)(nil)
	_ Broker = (*RedisBroker)(nil)
)

func TestDispatchRoutesEnvelopeToLocalRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(4, zap.NewNop())
	id := uuid.New()
	l := reg.Subscribe(id)
	b := &RedisBroker{local: reg, logger: zap.NewNop()}

	payload, err := json.Marshal(envelope{
		SubmissionID: id.String(),
		Event:        Event{Type: EventSectionComplete},
	})
	require.NoError(t, err)
	b.dispatch(payload)

	select {
	case evt := <-l.Events():
		require.Equal(t, EventSectionComplete, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("dispatched event never reached listener")
	}
}

func TestDispatchDiscardsMalformedPayloads(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(4, zap.NewNop())
	b := &RedisBroker{local: reg, logger: zap.NewNop()}

	require.NotPanics(t, func() { b.dispatch([]byte("{not json")) })
	require.NotPanics(t, func() {
		b.dispatch([]byte(`{"submissionId":"nope","event":{"type":"heartbeat"}}`))
	})
}
