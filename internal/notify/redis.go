package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-tracker/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	publishTimeout = 2 * time.Second

	// DefaultPublishQueue is the number of events buffered for Redis before
	// new events are dropped.
	DefaultPublishQueue = 256
)

// NewRedisClient parses a redis:// URL and verifies the connection. Context
// deadlines bound socket I/O on the returned client.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.ContextTimeoutEnabled = true
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPublisher publishes events on a Redis channel. Publish only enqueues;
// a background goroutine sends, so a slow or hung Redis never blocks callers.
// Events arriving while the queue is full are dropped and counted.
type RedisPublisher struct {
	client  goredis.UniversalClient
	channel string
	log     logr.Logger

	base   context.Context
	cancel context.CancelFunc
	queue  chan []byte
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRedisPublisher creates a publisher for channel with a queue of
// DefaultPublishQueue events and starts its sender.
func NewRedisPublisher(client goredis.UniversalClient, channel string, log logr.Logger) *RedisPublisher {
	return newRedisPublisher(client, channel, log, DefaultPublishQueue)
}

func newRedisPublisher(client goredis.UniversalClient, channel string, log logr.Logger, size int) *RedisPublisher {
	base, cancel := context.WithCancel(context.Background())
	p := &RedisPublisher{
		client:  client,
		channel: channel,
		log:     log,
		base:    base,
		cancel:  cancel,
		queue:   make(chan []byte, size),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish queues ev for delivery and returns immediately.
func (p *RedisPublisher) Publish(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error(err, "failed to encode event", "event_type", ev.Type)
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.NotificationsDropped.WithLabelValues("redis").Inc()
		return
	}
	select {
	case p.queue <- data:
	default:
		metrics.NotificationsDropped.WithLabelValues("redis").Inc()
		p.log.V(1).Info("redis publish queue full, dropping event", "event_type", ev.Type)
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for data := range p.queue {
		ctx, cancel := context.WithTimeout(p.base, publishTimeout)
		err := p.client.Publish(ctx, p.channel, data).Err()
		cancel()
		if err != nil {
			metrics.NotificationsDropped.WithLabelValues("redis").Inc()
			p.log.Error(err, "failed to publish event", "channel", p.channel)
		}
	}
}

// Close stops accepting events and waits for queued ones to be sent. When ctx
// ends first, the remaining events are abandoned.
func (p *RedisPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return ctx.Err()
	}
}

// RedisRelay forwards events from a Redis channel to a local hub, so every
// replica's observers see events produced by any replica.
type RedisRelay struct {
	client  goredis.UniversalClient
	channel string
	hub     *Hub
	log     logr.Logger

	mu     sync.Mutex
	pubsub *goredis.PubSub
	done   chan struct{}
}

// NewRedisRelay creates a relay from channel to hub.
func NewRedisRelay(client goredis.UniversalClient, channel string, hub *Hub, log logr.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, hub: hub, log: log}
}

// Start subscribes and forwards messages in the background until Close.
// It returns once the subscription is confirmed.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		for msg := range pubsub.Channel() {
			r.hub.Broadcast([]byte(msg.Payload))
		}
	}()
	r.log.Info("relaying events from redis", "channel", r.channel)
	return nil
}

// Close stops the relay and waits for the forwarding goroutine.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
