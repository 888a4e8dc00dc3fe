// Package session relays facts from the coordinator to one connected client
// and intents from that client back to the coordinator.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

// ErrEvicted ends Serve when the coordinator dropped the session for falling
// behind. The client is expected to reconnect and take a fresh snapshot.
var ErrEvicted = errors.New("session evicted")

const DefaultMailboxSize = 256

// Conn is one client transport. ReadIntent skips frames it cannot decode and
// only returns transport errors.
type Conn interface {
	ReadIntent(ctx context.Context) (domain.Intent, error)
	WriteFact(ctx context.Context, f domain.Fact) error
	Close() error
}

// Hub is the coordinator as seen by a session.
type Hub interface {
	Join(ctx context.Context, sink domain.FactSink) error
	Leave(sink domain.FactSink)
	Submit(ctx context.Context, in domain.Intent) (domain.Fact, error)
}

// Deduper prevents processing of duplicate intents. Keys are scoped by
// domain.Intent.DedupeKey, so every transport shares one scheme.
type Deduper interface {
	// ClaimIntent records the intent's key and returns true if it was new.
	// Intents without a key are always new.
	ClaimIntent(ctx context.Context, in domain.Intent) (bool, error)
	// ReleaseIntent forgets a claimed key, used when submission fails.
	ReleaseIntent(ctx context.Context, in domain.Intent) error
}

// Session is a domain.FactSink with a bounded mailbox.
type Session struct {
	id      string
	user    string
	mailbox chan domain.Fact
	done    chan struct{}
	once    sync.Once
	logger  *log.Logger
	deduper Deduper
}

type Option func(*Session)

func WithMailboxSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.mailbox = make(chan domain.Fact, n)
		}
	}
}

func WithDeduper(d Deduper) Option {
	return func(s *Session) { s.deduper = d }
}

func New(user string, logger *log.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Session{
		id:      uuid.NewString(),
		user:    user,
		mailbox: make(chan domain.Fact, DefaultMailboxSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string   { return s.id }
func (s *Session) User() string { return s.user }

// Deliver queues f without blocking. It returns false when the mailbox is
// full or the session is closed.
func (s *Session) Deliver(f domain.Fact) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.mailbox <- f:
		return true
	default:
		return false
	}
}

// Close stops delivery. The mailbox itself is never closed so a concurrent
// Deliver cannot panic.
func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Serve joins hub and relays until the connection fails, the session is
// evicted, or ctx is cancelled. conn is closed on return.
func (s *Session) Serve(ctx context.Context, conn Conn, hub Hub) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entry := s.logger.WithFields(log.Fields{"session": s.id, "user": s.user})
	if err := hub.Join(ctx, s); err != nil {
		conn.Close()
		s.Close()
		return err
	}
	entry.Info("session joined")

	errs := make(chan error, 2)
	wg := new(sync.WaitGroup)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- s.writeLoop(ctx, conn)
	}()
	go func() {
		defer wg.Done()
		errs <- s.readLoop(ctx, conn, hub)
	}()

	err := <-errs
	cancel()
	conn.Close()
	s.Close()
	hub.Leave(s)
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil && !errors.Is(err, ErrEvicted) {
		entry.WithError(err).Debug("session transport ended")
	}
	entry.Info("session left")
	return err
}

func (s *Session) writeLoop(ctx context.Context, conn Conn) error {
	for {
		// Facts already queued are flushed before honouring eviction so the
		// client sees a consistent prefix.
		select {
		case f := <-s.mailbox:
			if err := conn.WriteFact(ctx, f); err != nil {
				return err
			}
			continue
		default:
		}
		select {
		case f := <-s.mailbox:
			if err := conn.WriteFact(ctx, f); err != nil {
				return err
			}
		case <-s.done:
			return ErrEvicted
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn, hub Hub) error {
	for {
		in, err := conn.ReadIntent(ctx)
		if err != nil {
			return err
		}
		if err := s.submit(ctx, hub, in); err != nil {
			return err
		}
	}
}

func (s *Session) submit(ctx context.Context, hub Hub, in domain.Intent) error {
	if in.Kind == domain.AddTask && in.User == "" {
		in.User = s.user
	}
	entry := s.logger.WithFields(log.Fields{"session": s.id, "intent": string(in.Kind)})

	claimed := false
	if in.Key != "" && s.deduper != nil {
		added, err := s.deduper.ClaimIntent(ctx, in)
		switch {
		case err != nil:
			entry.WithError(err).Warn("idempotency check failed, submitting anyway")
		case !added:
			entry.WithField("key", in.Key).Debug("duplicate intent ignored")
			return nil
		default:
			claimed = true
		}
	}

	_, err := hub.Submit(ctx, in)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotFound):
		entry.WithError(err).Debug("intent dropped")
		return nil
	default:
		if claimed {
			if rerr := s.deduper.ReleaseIntent(context.WithoutCancel(ctx), in); rerr != nil {
				entry.WithError(rerr).Warn("failed to release idempotency key")
			}
		}
		return err
	}
}
