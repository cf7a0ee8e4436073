package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/documind/documind/internal/tracker"
)

const (
	EventTypeStatus    = "com.documind.process.status"
	EventTypeCompleted = "com.documind.process.completed"
	EventTypeFailed    = "com.documind.process.failed"

	defaultQueueSize = 256
	publishTimeout   = 5 * time.Second
)

// NewStatusEvent wraps a snapshot in a CloudEvents envelope. The event type
// distinguishes terminal outcomes so consumers can filter on it.
func NewStatusEvent(source string, s tracker.Snapshot) (cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(source)
	e.SetSubject(s.ID)
	e.SetTime(s.UpdatedAt)

	switch s.Status {
	case tracker.StatusCompleted:
		e.SetType(EventTypeCompleted)
	case tracker.StatusError:
		e.SetType(EventTypeFailed)
	default:
		e.SetType(EventTypeStatus)
	}

	if err := e.SetData(cloudevents.ApplicationJSON, s); err != nil {
		return e, fmt.Errorf("encode snapshot %s: %w", s.ID, err)
	}
	return e, nil
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher forwards snapshots to a Redis pub/sub channel as
// CloudEvents JSON. Observe only enqueues; Run does the network I/O.
type RedisPublisher struct {
	client  redisPublisher
	channel string
	source  string
	queue   chan tracker.Snapshot
	logger  *slog.Logger

	dropped atomic.Int64
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func NewRedisPublisher(client redisPublisher, channel, source string, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: channel,
		source:  source,
		queue:   make(chan tracker.Snapshot, defaultQueueSize),
		logger:  logger,
	}
}

// Observe implements tracker.Observer.
func (p *RedisPublisher) Observe(s tracker.Snapshot) {
	select {
	case p.queue <- s:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			p.logger.Warn("status event queue full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns the number of snapshots discarded because the queue was full.
func (p *RedisPublisher) Dropped() int64 { return p.dropped.Load() }

// Run publishes queued snapshots until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) error {
	p.logger.Info("status event publisher started", "channel", p.channel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-p.queue:
			if err := p.publish(ctx, s); err != nil {
				p.logger.Warn("failed to publish status event", "process_id", s.ID, "error", err)
			}
		}
	}
}

func (p *RedisPublisher) publish(ctx context.Context, s tracker.Snapshot) error {
	e, err := NewStatusEvent(p.source, s)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.client.Publish(ctx, p.channel, payload).Err()
}
