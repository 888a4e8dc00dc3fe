package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"tasksync/domain"
)

var errStreamClosed = errors.New("stream closed")

// sseConn is a write-only session.Conn. ReadIntent never yields an intent; it
// sends keepalive comments until the stream is closed.
type sseConn struct {
	res       *echo.Response
	flusher   http.Flusher
	keepalive time.Duration

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func newSSEConn(res *echo.Response, flusher http.Flusher, keepalive time.Duration) *sseConn {
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	return &sseConn{res: res, flusher: flusher, keepalive: keepalive, closed: make(chan struct{})}
}

func (c *sseConn) ReadIntent(ctx context.Context) (domain.Intent, error) {
	t := time.NewTicker(c.keepalive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return domain.Intent{}, ctx.Err()
		case <-c.closed:
			return domain.Intent{}, errStreamClosed
		case <-t.C:
			if err := c.write(sseKeepalive); err != nil {
				return domain.Intent{}, err
			}
		}
	}
}

// WriteFact emits one event. The data line carries the same envelope the
// websocket transport sends; the id is the fact's seq.
func (c *sseConn) WriteFact(ctx context.Context, f domain.Fact) error {
	data, err := domain.EncodeFact(f)
	if err != nil {
		return err
	}
	frame := sseEventPrefix + string(f.Kind) + "\n"
	if f.Seq > 0 {
		frame += sseIDPrefix + strconv.FormatUint(f.Seq, 10) + "\n"
	}
	frame += sseDataPrefix + string(data) + "\n\n"
	return c.write(frame)
}

func (c *sseConn) write(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errStreamClosed
	default:
	}
	if _, err := c.res.Write([]byte(frame)); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) Close() error {
	c.mu.Lock()
	c.once.Do(func() { close(c.closed) })
	c.mu.Unlock()
	return nil
}
