package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

var (
	ErrSessionQueueFull = errors.New("session queue full")
	ErrSchedulerClosed  = errors.New("scheduler closed")
)

type Job func(context.Context)

// Scheduler runs jobs one at a time per session id, in enqueue order. A
// session's worker goroutine exits once its queue drains.
type Scheduler struct {
	logger    zerolog.Logger
	queueSize int
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      conc.WaitGroup
}

type worker struct {
	ch chan Job
}

func NewScheduler(logger zerolog.Logger, queueSize int) *Scheduler {
	if queueSize <= 0 {
		queueSize = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:    logger,
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*worker),
	}
}

func (s *Scheduler) Enqueue(key string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}

	w, ok := s.workers[key]
	if !ok {
		w = &worker{ch: make(chan Job, s.queueSize)}
		s.workers[key] = w
		s.wg.Go(func() { s.run(key, w) })
	}

	select {
	case w.ch <- job:
		return nil
	default:
		s.logger.Warn().Str("session_id", key).Msg("session queue full")
		return ErrSessionQueueFull
	}
}

func (s *Scheduler) run(key string, w *worker) {
	for {
		select {
		case job := <-w.ch:
			job(s.ctx)
		default:
			s.mu.Lock()
			if len(w.ch) == 0 {
				delete(s.workers, key)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
		}
	}
}

// Active is the number of sessions with a live worker.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close rejects new jobs, cancels the context handed to running jobs and
// waits for every worker to drain.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
