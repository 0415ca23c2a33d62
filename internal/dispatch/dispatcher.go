package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc"

	"crabstack.local/projects/conversatrait/internal/events"
	"crabstack.local/projects/conversatrait/internal/subscribers"
)

const defaultQueueSize = 256

type Option func(*Dispatcher)

// WithRetry sets the delivery attempts per event and the constant pause
// between them.
func WithRetry(count int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		if count > 0 {
			d.retryCount = count
		}
		if backoff > 0 {
			d.retryBackoff = backoff
		}
	}
}

func WithQueueSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

// Dispatcher fans events out to subscribers. Each subscriber has its own
// FIFO queue and worker, so a slow or failing subscriber never reorders or
// delays the others.
type Dispatcher struct {
	logger       zerolog.Logger
	retryCount   int
	retryBackoff time.Duration
	queueSize    int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	queues []*subscriberQueue
	closed bool
	wg     conc.WaitGroup
}

type subscriberQueue struct {
	sub subscribers.Subscriber
	ch  chan events.Event
}

var _ events.Sink = (*Dispatcher)(nil)

func New(logger zerolog.Logger, subs []subscribers.Subscriber, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:       logger,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
		queueSize:    defaultQueueSize,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	for _, sub := range subs {
		if sub != nil {
			d.start(sub)
		}
	}
	return d
}

// Add registers a subscriber after construction.
func (d *Dispatcher) Add(sub subscribers.Subscriber) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.startLocked(sub)
}

func (d *Dispatcher) start(sub subscribers.Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startLocked(sub)
}

func (d *Dispatcher) startLocked(sub subscribers.Subscriber) {
	q := &subscriberQueue{sub: sub, ch: make(chan events.Event, d.queueSize)}
	d.queues = append(d.queues, q)
	d.wg.Go(func() {
		for event := range q.ch {
			d.dispatchOne(q.sub, event)
		}
	})
}

// Publish queues event for every subscriber without blocking. A subscriber
// whose queue is full loses the event.
func (d *Dispatcher) Publish(_ context.Context, event events.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, q := range d.queues {
		select {
		case q.ch <- event:
		default:
			d.logger.Warn().
				Str("subscriber", q.sub.Name()).
				Str("session_id", event.SessionID).
				Str("event_type", string(event.Kind)).
				Msg("subscriber queue full, event dropped")
		}
	}
}

func (d *Dispatcher) dispatchOne(sub subscribers.Subscriber, event events.Event) {
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(d.retryCount-1), retry.NewConstant(d.retryBackoff))
	_ = retry.Do(d.ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := sub.Handle(ctx, event)
		if err == nil {
			return nil
		}
		d.logger.Warn().
			Err(err).
			Str("subscriber", sub.Name()).
			Str("event_id", event.ID).
			Int("attempt", attempt).
			Msg("subscriber delivery failed")
		return retry.RetryableError(err)
	})
}

// Close delivers what is already queued, then stops the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q.ch)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
}
