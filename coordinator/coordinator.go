// Package coordinator serializes task mutations into a single total order and
// fans the resulting facts out to every joined sink.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"tasksync/domain"
	"tasksync/storage"
)

// ErrStopped is returned to callers once Run has exited.
var ErrStopped = errors.New("coordinator stopped")

const defaultQueueSize = 1024

type requestKind int

const (
	reqIntent requestKind = iota
	reqJoin
	reqLeave
	reqSnapshot
	reqStats
)

type request struct {
	kind   requestKind
	ctx    context.Context
	intent domain.Intent
	sink   domain.FactSink
	reply  chan response
}

type response struct {
	fact  domain.Fact
	tasks []domain.Task
	seq   uint64
	stats Stats
	err   error
}

// Stats summarizes coordinator state for health endpoints.
type Stats struct {
	Sinks   int    `json:"sessions"`
	Tasks   int    `json:"tasks"`
	Seq     uint64 `json:"seq"`
	Applied uint64 `json:"applied"`
	Dropped uint64 `json:"dropped"`
	Evicted uint64 `json:"evicted"`
	Uptime  string `json:"uptime"`

	started time.Time
}

// Coordinator owns the task store. All access goes through Run's goroutine.
type Coordinator struct {
	store    *storage.TaskStore
	logger   *log.Logger
	tracer   trace.Tracer
	requests chan request
	done     chan struct{}

	// owned by Run
	sinks []domain.FactSink
	seq   uint64
	stats Stats
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithQueueSize bounds the inbound request queue.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.requests = make(chan request, n)
		}
	}
}

// WithTracerProvider overrides the global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates a coordinator that takes exclusive ownership of store.
func New(store *storage.TaskStore, logger *log.Logger, opts ...Option) *Coordinator {
	if store == nil {
		panic("coordinator.New: store is nil")
	}
	if logger == nil {
		panic("coordinator.New: logger is nil")
	}
	c := &Coordinator{
		store:    store,
		logger:   logger,
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
		requests: make(chan request, defaultQueueSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run processes requests one at a time until ctx is cancelled. It must be
// called exactly once.
func (c *Coordinator) Run(ctx context.Context) error {
	c.stats.started = time.Now()
	c.logger.WithField("tasks", c.store.Len()).Info("coordinator started")
	defer func() {
		close(c.done)
		for _, s := range c.sinks {
			s.Close()
		}
		c.sinks = nil
		c.logger.Info("coordinator stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.requests:
			c.handle(req)
		}
	}
}

func (c *Coordinator) handle(req request) {
	var resp response
	switch req.kind {
	case reqIntent:
		resp.fact, resp.err = c.apply(req.ctx, req.intent)
	case reqJoin:
		c.join(req.sink)
	case reqLeave:
		c.remove(req.sink)
	case reqSnapshot:
		resp.tasks, resp.seq = c.store.Snapshot(), c.seq
	case reqStats:
		resp.stats = c.snapshotStats()
	}
	if req.reply != nil {
		req.reply <- resp
	}
}

// apply mutates the store and broadcasts the resulting fact. Domain errors
// mean the intent was dropped and nothing was broadcast.
func (c *Coordinator) apply(ctx context.Context, in domain.Intent) (domain.Fact, error) {
	m := newApplyMetrics(ctx, c.tracer, c.logger, in)
	fact, err := c.mutate(in)
	m.ObserveApply()
	if err != nil {
		c.stats.Dropped++
		m.Dropped(err)
		m.End(err)
		return domain.Fact{}, err
	}
	c.seq++
	fact.Seq = c.seq
	c.stats.Applied++
	delivered, evicted := c.broadcast(fact)
	m.Broadcast(fact.Seq, delivered, evicted)
	m.End(nil)
	return fact, nil
}

func (c *Coordinator) mutate(in domain.Intent) (domain.Fact, error) {
	switch in.Kind {
	case domain.AddTask:
		task, err := c.store.Create(in.Title, in.User)
		if err != nil {
			return domain.Fact{}, err
		}
		return domain.NewCreated(task), nil
	case domain.ToggleTask:
		cur, err := c.store.Get(in.ID)
		if err != nil {
			return domain.Fact{}, err
		}
		task, err := c.store.SetCompleted(in.ID, !cur.IsCompleted)
		if err != nil {
			return domain.Fact{}, err
		}
		return domain.NewUpdated(task), nil
	case domain.DeleteTask:
		if err := c.store.Remove(in.ID); err != nil {
			return domain.Fact{}, err
		}
		return domain.NewDeleted(in.ID), nil
	default:
		return domain.Fact{}, fmt.Errorf("intent %q: %w", in.Kind, domain.ErrInvalidInput)
	}
}

// broadcast delivers in join order. A sink that cannot take the fact is
// evicted and closed so that it resyncs instead of silently missing facts.
func (c *Coordinator) broadcast(f domain.Fact) (delivered, evicted int) {
	kept := c.sinks[:0]
	for _, s := range c.sinks {
		if s.Deliver(f) {
			delivered++
			kept = append(kept, s)
			continue
		}
		evicted++
		c.stats.Evicted++
		c.logger.WithFields(log.Fields{"sink": s.ID(), "seq": f.Seq}).Warn("sink fell behind, evicting")
		s.Close()
	}
	for i := len(kept); i < len(c.sinks); i++ {
		c.sinks[i] = nil
	}
	c.sinks = kept
	return delivered, evicted
}

func (c *Coordinator) join(s domain.FactSink) {
	snap := domain.NewSnapshot(c.store.Snapshot(), c.seq)
	if !s.Deliver(snap) {
		c.logger.WithField("sink", s.ID()).Warn("sink rejected snapshot")
		s.Close()
		return
	}
	c.sinks = append(c.sinks, s)
	c.logger.WithFields(log.Fields{"sink": s.ID(), "seq": c.seq, "tasks": len(snap.Tasks)}).Debug("sink joined")
}

func (c *Coordinator) remove(s domain.FactSink) {
	for i, cur := range c.sinks {
		if cur == s {
			copy(c.sinks[i:], c.sinks[i+1:])
			c.sinks[len(c.sinks)-1] = nil
			c.sinks = c.sinks[:len(c.sinks)-1]
			c.logger.WithField("sink", s.ID()).Debug("sink left")
			return
		}
	}
}

func (c *Coordinator) snapshotStats() Stats {
	st := c.stats
	st.Sinks = len(c.sinks)
	st.Tasks = c.store.Len()
	st.Seq = c.seq
	st.Uptime = time.Since(c.stats.started).Round(time.Second).String()
	return st
}

// send enqueues a request, waiting for queue space, the caller's ctx, or shutdown.
func (c *Coordinator) send(ctx context.Context, req request) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Coordinator) call(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	if err := c.send(ctx, req); err != nil {
		return response{}, err
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		// The request stays queued and is still applied; only the wait ends.
		return response{}, ctx.Err()
	case <-c.done:
		return response{}, ErrStopped
	}
}

// Submit applies an intent and returns the broadcast fact. A domain error
// (ErrInvalidInput, ErrNotFound) reports a silent drop and must not be
// surfaced to clients.
func (c *Coordinator) Submit(ctx context.Context, in domain.Intent) (domain.Fact, error) {
	resp, err := c.call(ctx, request{kind: reqIntent, ctx: ctx, intent: in})
	if err != nil {
		return domain.Fact{}, err
	}
	return resp.fact, resp.err
}

// Join delivers the current snapshot to s and then registers it for
// broadcasts. Returns once the join has been processed.
func (c *Coordinator) Join(ctx context.Context, s domain.FactSink) error {
	_, err := c.call(ctx, request{kind: reqJoin, sink: s})
	return err
}

// Leave unregisters s. It does not wait for the coordinator to process it.
func (c *Coordinator) Leave(s domain.FactSink) {
	select {
	case c.requests <- request{kind: reqLeave, sink: s}:
	case <-c.done:
	}
}

// Snapshot returns the current tasks and the seq they reflect.
func (c *Coordinator) Snapshot(ctx context.Context) ([]domain.Task, uint64, error) {
	resp, err := c.call(ctx, request{kind: reqSnapshot})
	if err != nil {
		return nil, 0, err
	}
	return resp.tasks, resp.seq, nil
}

func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	resp, err := c.call(ctx, request{kind: reqStats})
	if err != nil {
		return Stats{}, err
	}
	return resp.stats, nil
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
