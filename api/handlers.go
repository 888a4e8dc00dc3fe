package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasksync/coordinator"
	"tasksync/domain"
	"tasksync/session"
)

// Options tunes the session endpoints.
type Options struct {
	MailboxSize int
	Keepalive   time.Duration
}

type handlers struct {
	coord   Coordinator
	deduper Deduper
	opts    Options
	log     *log.Logger
}

// Register wires up all routes on the provided Echo instance. deduper may be nil.
func Register(e *echo.Echo, coord Coordinator, deduper Deduper, opts Options, logger *log.Logger) {
	h := &handlers{coord: coord, deduper: deduper, opts: opts, log: logger}
	e.GET("/ws", h.websocket)
	e.GET("/stream", h.stream)
	e.GET("/api/tasks", h.getTasks)
	e.POST("/api/intents", h.postIntents, IntentBodyMiddleware(postIntentsMaxSize))
	e.GET("/healthz", h.healthz)
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
	Seq   uint64        `json:"seq"`
}

type postIntentsResponse struct {
	IdempotencyKeys []string `json:"idempotencyKeys"`
}

type healthResponse struct {
	Status string `json:"status"`
	coordinator.Stats
}

func (h *handlers) newSession(user string) *session.Session {
	opts := []session.Option{session.WithMailboxSize(h.opts.MailboxSize)}
	if h.deduper != nil {
		opts = append(opts, session.WithDeduper(h.deduper))
	}
	return session.New(user, h.log, opts...)
}

func (h *handlers) websocket(c echo.Context) error {
	user := c.QueryParam("user")
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.WithError(err).Debug("websocket upgrade failed")
		return nil
	}
	s := h.newSession(user)
	conn := newWSConn(ws, h.log.WithFields(log.Fields{"session": s.ID(), "transport": "ws"}))
	err = s.Serve(c.Request().Context(), conn, h.coord)
	if errors.Is(err, coordinator.ErrStopped) {
		h.log.WithField("session", s.ID()).Debug("coordinator stopped while session active")
	}
	return nil
}

func (h *handlers) stream(c echo.Context) error {
	user := c.QueryParam("user")
	res := c.Response()
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := session.New(user, h.log, session.WithMailboxSize(h.opts.MailboxSize))
	conn := newSSEConn(res, flusher, h.opts.Keepalive)
	if err := s.Serve(c.Request().Context(), conn, h.coord); err != nil && !errors.Is(err, errStreamClosed) {
		h.log.WithError(err).WithField("session", s.ID()).Debug("stream ended")
	}
	return nil
}

func (h *handlers) getTasks(c echo.Context) error {
	tasks, seq, err := h.coord.Snapshot(c.Request().Context())
	if err != nil {
		return h.unavailable(c, err)
	}
	return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks, Seq: seq})
}

func (h *handlers) healthz(c echo.Context) error {
	st, err := h.coord.Stats(c.Request().Context())
	if err != nil {
		return h.unavailable(c, err)
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Stats: st})
}

func (h *handlers) unavailable(c echo.Context, err error) error {
	if errors.Is(err, coordinator.ErrStopped) {
		return c.String(http.StatusServiceUnavailable, err.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, err.Error())
}

// postIntents accepts a JSON array of intent envelopes. Keys are generated
// for envelopes without one and returned in order. Intents that the
// coordinator drops still count as accepted.
func (h *handlers) postIntents(c echo.Context) error {
	user := c.QueryParam("user")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, postIntentsMaxSize+1))
	if err != nil && !isBodyTooLarge(err) {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if err != nil || int64(len(body)) > postIntentsMaxSize {
		return c.String(http.StatusRequestEntityTooLarge, "body too large")
	}
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	envs := make([]domain.Envelope, 0, 4)
	if err := dec.Decode(&envs); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	intents := make([]domain.Intent, len(envs))
	keys := make([]string, len(envs))
	for i, env := range envs {
		in, err := env.Intent()
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		if in.Key == "" {
			in.Key = uuid.NewString()
		}
		if in.Kind == domain.AddTask && in.User == "" {
			in.User = user
		}
		intents[i] = in
		keys[i] = in.Key
	}

	fresh, err := h.claimKeys(c.Request().Context(), intents)
	if err != nil {
		c.Logger().Errorf("idempotency check failed: %v", err)
		return c.String(http.StatusInternalServerError, "failed to record idempotency keys")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), submitTimeout)
	defer cancel()
	for i, in := range intents {
		if !fresh[i] {
			continue
		}
		_, err := h.coord.Submit(ctx, in)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotFound):
			h.log.WithError(err).WithField("intent", string(in.Kind)).Debug("intent dropped")
		default:
			h.releaseKeys(intents[i:], fresh[i:])
			return h.unavailable(c, err)
		}
	}
	return c.JSON(http.StatusAccepted, postIntentsResponse{IdempotencyKeys: keys})
}

// claimKeys reports which intents have not been seen before. Without a
// deduper every intent is fresh.
func (h *handlers) claimKeys(ctx context.Context, intents []domain.Intent) ([]bool, error) {
	if h.deduper == nil {
		fresh := make([]bool, len(intents))
		for i := range fresh {
			fresh[i] = true
		}
		return fresh, nil
	}
	fresh, err := h.deduper.ClaimIntents(ctx, intents)
	if err != nil {
		h.releaseKeys(intents, fresh)
		return nil, err
	}
	return fresh, nil
}

func (h *handlers) releaseKeys(intents []domain.Intent, claimed []bool) {
	if h.deduper == nil {
		return
	}
	for i, ok := range claimed {
		if !ok || i >= len(intents) || intents[i].Key == "" {
			continue
		}
		if err := h.deduper.ReleaseIntent(context.Background(), intents[i]); err != nil {
			h.log.WithError(err).Warn("failed to release idempotency key")
		}
	}
}
