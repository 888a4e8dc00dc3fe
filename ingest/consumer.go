// Package ingest feeds intents from a message queue into the coordinator, so
// batch producers can mutate the task list without holding a session open.
package ingest

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/domain"
	"tasksync/session"
)

const (
	defaultIdleDelay = time.Second
	maxDequeueCount  = 5
)

type Message struct {
	ID           string
	PopReceipt   string
	Text         string
	DequeueCount int64
}

// Source is a queue of intent envelopes. A message that is not deleted
// becomes visible again and is redelivered.
type Source interface {
	Receive(ctx context.Context) ([]Message, error)
	Delete(ctx context.Context, msg Message) error
}

type Submitter interface {
	Submit(ctx context.Context, in domain.Intent) (domain.Fact, error)
}

type Consumer struct {
	src     Source
	sub     Submitter
	logger  *log.Logger
	deduper session.Deduper
	idle    time.Duration
}

type Option func(*Consumer)

// WithDeduper shares the sessions' idempotency keys, so an intent retried
// over another transport is applied once.
func WithDeduper(d session.Deduper) Option {
	return func(c *Consumer) { c.deduper = d }
}

func WithIdleDelay(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.idle = d
		}
	}
}

func NewConsumer(src Source, sub Submitter, logger *log.Logger, opts ...Option) *Consumer {
	c := &Consumer{src: src, sub: sub, logger: logger, idle: defaultIdleDelay}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is cancelled or the submitter stops accepting intents.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("intent queue consumer started")
	for {
		msgs, err := c.src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WithError(err).Warn("receive intents failed")
		}
		for _, msg := range msgs {
			if err := c.handle(ctx, msg); err != nil {
				return err
			}
		}
		if len(msgs) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.idle):
		}
	}
}

// handle processes one message. A non-nil return means the consumer must
// stop; the message is left on the queue.
func (c *Consumer) handle(ctx context.Context, msg Message) error {
	entry := c.logger.WithField("message", msg.ID)
	in, err := domain.DecodeIntent([]byte(msg.Text))
	if err != nil {
		entry.WithError(err).Warn("discarding malformed intent message")
		c.delete(ctx, entry, msg)
		return nil
	}
	entry = entry.WithField("intent", string(in.Kind))
	if msg.DequeueCount > maxDequeueCount {
		entry.WithField("dequeue_count", msg.DequeueCount).Error("discarding poison intent message")
		c.delete(ctx, entry, msg)
		return nil
	}

	claimed := false
	if in.Key != "" && c.deduper != nil {
		added, err := c.deduper.ClaimIntent(ctx, in)
		if err != nil {
			entry.WithError(err).Warn("idempotency check failed, leaving message for retry")
			return nil
		}
		if !added {
			entry.Debug("duplicate intent message")
			c.delete(ctx, entry, msg)
			return nil
		}
		claimed = true
	}

	_, err = c.sub.Submit(ctx, in)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotFound):
		entry.WithError(err).Debug("intent dropped")
	default:
		if claimed {
			if rerr := c.deduper.ReleaseIntent(context.WithoutCancel(ctx), in); rerr != nil {
				entry.WithError(rerr).Warn("failed to release idempotency key")
			}
		}
		return err
	}
	c.delete(ctx, entry, msg)
	return nil
}

func (c *Consumer) delete(ctx context.Context, entry *log.Entry, msg Message) {
	if err := c.src.Delete(ctx, msg); err != nil {
		entry.WithError(err).Warn("delete intent message failed")
	}
}
