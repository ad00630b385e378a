package realtime

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultListenerBuffer = 16

// Broker decouples event producers from the streaming sessions consuming
// them. The in-process Registry is the default implementation; RedisBroker
// substitutes it for multi-instance deployments.
type Broker interface {
	// Subscribe registers a new listener for the submission and returns its
	// handle. The caller owns the handle and must Unsubscribe it on every
	// exit path.
	Subscribe(submissionID uuid.UUID) *Listener
	// Unsubscribe detaches the listener; the submission's entry is removed
	// entirely once its last listener is gone.
	Unsubscribe(submissionID uuid.UUID, l *Listener)
	// Broadcast delivers the event to every listener currently registered
	// for the submission. With no listeners it is a silent no-op; durable
	// state lives in the store, not here.
	Broadcast(submissionID uuid.UUID, evt Event)
}

// Listener is one streaming session's addressable receive handle: a buffered
// event channel plus a detach signal. It is owned by exactly one session.
type Listener struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Events returns the channel broadcasts are delivered on.
func (l *Listener) Events() <-chan Event {
	return l.events
}

// Done is closed when the listener has been unsubscribed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) detach() {
	l.once.Do(func() { close(l.done) })
}

// Registry is the process-wide subscription table mapping a submission ID to
// its set of active listeners. Safe for concurrent use; the mutex is never
// held across a delivery.
type Registry struct {
	mu        sync.RWMutex
	listeners map[uuid.UUID]map[*Listener]struct{}
	buffer    int
	logger    *zap.Logger
}

// NewRegistry creates an empty registry. bufferSize bounds each listener's
// backlog; zero selects the default.
func NewRegistry(bufferSize int, logger *zap.Logger) *Registry {
	if bufferSize <= 0 {
		bufferSize = defaultListenerBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		listeners: make(map[uuid.UUID]map[*Listener]struct{}),
		buffer:    bufferSize,
		logger:    logger,
	}
}

// Subscribe registers a new listener under the submission, creating the set
// if absent.
func (r *Registry) Subscribe(submissionID uuid.UUID) *Listener {
	l := &Listener{
		events: make(chan Event, r.buffer),
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	set, ok := r.listeners[submissionID]
	if !ok {
		set = make(map[*Listener]struct{})
		r.listeners[submissionID] = set
	}
	set[l] = struct{}{}
	count := len(set)
	r.mu.Unlock()

	r.logger.Debug("listener subscribed",
		zap.String("submission_id", submissionID.String()),
		zap.Int("listeners", count),
	)
	return l
}

// Unsubscribe removes the listener and deletes the submission entry once the
// set is empty, so the table never grows across the life of the process.
func (r *Registry) Unsubscribe(submissionID uuid.UUID, l *Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	set, ok := r.listeners[submissionID]
	if ok {
		delete(set, l)
		if len(set) == 0 {
			delete(r.listeners, submissionID)
		}
	}
	remaining := len(set)
	r.mu.Unlock()

	l.detach()
	if ok {
		r.logger.Debug("listener unsubscribed",
			zap.String("submission_id", submissionID.String()),
			zap.Int("listeners", remaining),
		)
	}
}

// Broadcast delivers the event to every listener for the submission. A
// listener that cannot keep up has the event dropped rather than blocking
// the broadcaster or the other listeners; the snapshot endpoint remains the
// recovery path for anything missed.
func (r *Registry) Broadcast(submissionID uuid.UUID, evt Event) {
	r.mu.RLock()
	set, ok := r.listeners[submissionID]
	if !ok || len(set) == 0 {
		r.mu.RUnlock()
		return
	}
	targets := make([]*Listener, 0, len(set))
	for l := range set {
		targets = append(targets, l)
	}
	r.mu.RUnlock()

	for _, l := range targets {
		select {
		case <-l.done:
			continue
		default:
		}
		select {
		case l.events <- evt:
		case <-l.done:
		default:
			r.logger.Warn("listener buffer full, dropping event",
				zap.String("submission_id", submissionID.String()),
				zap.String("event_type", string(evt.Type)),
			)
		}
	}
}

// ListenerCount reports how many listeners are registered for a submission.
func (r *Registry) ListenerCount(submissionID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[submissionID])
}

// TotalListeners reports the listener count across all submissions.
func (r *Registry) TotalListeners() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, set := range r.listeners {
		total += len(set)
	}
	return total
}
