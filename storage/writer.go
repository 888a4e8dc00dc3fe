package storage

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

// Writer is a fact sink that replays confirmed facts onto a Persister. It
// joins the coordinator like any session, so it observes the same total
// order, but its queue is unbounded: persistence may lag, it never drops.
type Writer struct {
	persister    Persister
	logger       *log.Logger
	retryInitial time.Duration
	retryMax     time.Duration

	mu      sync.Mutex
	queue   []domain.Fact
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// NewWriter creates a writer; call Run to start draining.
func NewWriter(p Persister, logger *log.Logger) *Writer {
	if p == nil {
		panic("storage.NewWriter: persister is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Writer{
		persister:    p,
		logger:       logger,
		retryInitial: 250 * time.Millisecond,
		retryMax:     30 * time.Second,
		wake:         make(chan struct{}, 1),
		stopped:      make(chan struct{}),
	}
}

func (w *Writer) ID() string { return "storage-writer" }

// Deliver queues the fact. Snapshots are skipped: the store was restored
// from this persister, so the initial snapshot carries nothing new.
func (w *Writer) Deliver(f domain.Fact) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	if f.Kind == domain.TaskListSnapshot {
		return true
	}
	w.queue = append(w.queue, f)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting facts. Run still drains what was queued.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many facts wait to be persisted.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Run drains the queue until the writer is closed and empty, or ctx ends.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.stopped)
	for {
		f, ok, closed := w.next()
		if ok {
			if !w.persist(ctx, f) {
				return
			}
			continue
		}
		if closed {
			return
		}
		select {
		case <-w.wake:
		case <-ctx.Done():
			return
		}
	}
}

// Stopped is closed once Run returns.
func (w *Writer) Stopped() <-chan struct{} {
	return w.stopped
}

func (w *Writer) next() (domain.Fact, bool, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return domain.Fact{}, false, w.closed
	}
	f := w.queue[0]
	w.queue[0] = domain.Fact{}
	w.queue = w.queue[1:]
	return f, true, w.closed
}

// persist applies one fact, retrying until it succeeds or ctx ends.
func (w *Writer) persist(ctx context.Context, f domain.Fact) bool {
	for attempt := 0; ; attempt++ {
		err := w.apply(ctx, f)
		if err == nil {
			return true
		}
		delay := exponentialBackoff(attempt+1, w.retryInitial, w.retryMax)
		w.logger.WithError(err).WithFields(log.Fields{
			"fact":    f.Kind,
			"seq":     f.Seq,
			"attempt": attempt + 1,
			"retry":   delay,
		}).Error("persist fact failed")
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

func (w *Writer) apply(ctx context.Context, f domain.Fact) error {
	switch f.Kind {
	case domain.TaskCreated:
		if err := w.persister.SaveTask(ctx, f.Task); err != nil {
			return err
		}
		return w.persister.SaveNextID(ctx, f.Task.ID+1)
	case domain.TaskUpdated:
		return w.persister.SaveTask(ctx, f.Task)
	case domain.TaskDeleted:
		return w.persister.DeleteTask(ctx, f.ID)
	}
	return nil
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if attempt <= 0 {
		return initial
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
