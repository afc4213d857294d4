package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink receives published events
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// Publisher delivers events to every sink from a single background goroutine.
// Publish never blocks the caller; when the buffer is full the event is dropped.
type Publisher struct {
	sinks   []Sink
	logger  *zap.Logger
	timeout time.Duration

	queue   chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewPublisher creates a publisher with the given buffer size
func NewPublisher(logger *zap.Logger, buffer int, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		sinks:   sinks,
		logger:  logger.Named("events"),
		timeout: 5 * time.Second,
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}
}

// Start launches the delivery loop
func (p *Publisher) Start() {
	go p.loop()
}

// Publish enqueues an event
func (p *Publisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
		p.logger.Warn("Event buffer full, dropping event", zap.String("type", string(ev.Type)), zap.String("event_id", ev.ID))
	}
}

// Dropped returns the number of events dropped on a full buffer
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting events, drains the buffer and waits for delivery to
// finish or ctx to expire.
func (p *Publisher) Close(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) loop() {
	defer close(p.done)
	for ev := range p.queue {
		p.deliver(ev)
	}
}

func (p *Publisher) deliver(ev Event) {
	for _, sink := range p.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := sink.Publish(ctx, ev); err != nil {
			p.logger.Warn("Sink failed to publish event",
				zap.String("sink", sink.Name()),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
		cancel()
	}
}
