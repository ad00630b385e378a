package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	redisChannel      = "section_updates"
	redisRetryBackoff = time.Second
)

// envelope is the wire form published to Redis; the submission ID rides
// alongside the event so receiving instances can route it locally.
type envelope struct {
	SubmissionID string `json:"submissionId"`
	Event        Event  `json:"event"`
}

// RedisBroker implements Broker on top of Redis pub/sub so broadcasts reach
// streaming sessions held by other process instances. Listener membership
// stays local; only events cross the wire.
type RedisBroker struct {
	local  *Registry
	pool   *redis.Pool
	logger *zap.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewRedisBroker connects to the Redis URL and starts the subscriber loop
// feeding the wrapped registry.
func NewRedisBroker(url string, local *Registry, logger *zap.Logger) (*RedisBroker, error) {
	if local == nil {
		return nil, fmt.Errorf("local registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := &redis.Pool{
		MaxIdle:     10,
		IdleTimeout: 300 * time.Second,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(url)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < 10*time.Second {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	conn := pool.Get()
	if _, err := conn.Do("PING"); err != nil {
		_ = conn.Close()
		_ = pool.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	_ = conn.Close()

	b := &RedisBroker{
		local:  local,
		pool:   pool,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go b.receiveLoop(url)
	return b, nil
}

// Subscribe registers the listener with the local registry.
func (b *RedisBroker) Subscribe(submissionID uuid.UUID) *Listener {
	return b.local.Subscribe(submissionID)
}

// Unsubscribe detaches the listener from the local registry.
func (b *RedisBroker) Unsubscribe(submissionID uuid.UUID, l *Listener) {
	b.local.Unsubscribe(submissionID, l)
}

// ListenerCount reports this instance's listener count for the submission.
func (b *RedisBroker) ListenerCount(submissionID uuid.UUID) int {
	return b.local.ListenerCount(submissionID)
}

// Broadcast publishes the event to Redis; every instance, this one included,
// re-broadcasts into its local registry from the subscriber loop. On publish
// failure the event still reaches local listeners directly.
func (b *RedisBroker) Broadcast(submissionID uuid.UUID, evt Event) {
	payload, err := json.Marshal(envelope{SubmissionID: submissionID.String(), Event: evt})
	if err != nil {
		b.logger.Error("encode broadcast envelope failed", zap.Error(err))
		b.local.Broadcast(submissionID, evt)
		return
	}
	conn := b.pool.Get()
	defer func() { _ = conn.Close() }()
	if _, err := conn.Do("PUBLISH", redisChannel, payload); err != nil {
		b.logger.Warn("redis publish failed, delivering locally only", zap.Error(err))
		b.local.Broadcast(submissionID, evt)
	}
}

// Close stops the subscriber loop and releases the pool.
func (b *RedisBroker) Close() error {
	b.closeOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
	if err := b.pool.Close(); err != nil {
		return fmt.Errorf("redis pool close: %w", err)
	}
	return nil
}

func (b *RedisBroker) receiveLoop(url string) {
	defer close(b.doneCh)
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}
		if err := b.consume(url); err != nil {
			b.logger.Warn("redis subscriber disconnected", zap.Error(err))
		}
		select {
		case <-b.stopCh:
			return
		case <-time.After(redisRetryBackoff):
		}
	}
}

func (b *RedisBroker) consume(url string) error {
	conn, err := redis.DialURL(url)
	if err != nil {
		return fmt.Errorf("redis dial: %w", err)
	}
	psc := redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(redisChannel); err != nil {
		_ = conn.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	defer func() { _ = psc.Close() }()

	received := make(chan any)
	go func() {
		for {
			msg := psc.Receive()
			select {
			case received <- msg:
			case <-b.stopCh:
				return
			}
			if _, isErr := msg.(error); isErr {
				return
			}
		}
	}()

	for {
		select {
		case <-b.stopCh:
			_ = psc.Unsubscribe(redisChannel)
			return nil
		case msg := <-received:
			switch v := msg.(type) {
			case redis.Message:
				b.dispatch(v.Data)
			case error:
				return fmt.Errorf("redis receive: %w", v)
			}
		}
	}
}

func (b *RedisBroker) dispatch(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn("discarding malformed broadcast envelope", zap.Error(err))
		return
	}
	id, err := uuid.Parse(env.SubmissionID)
	if err != nil {
		b.logger.Warn("discarding envelope with invalid submission id", zap.Error(err))
		return
	}
	b.local.Broadcast(id, env.Event)
}
