package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Identity is client-supplied and there are no cookies to protect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket to session.Conn.
type wsConn struct {
	ws     *websocket.Conn
	logger *log.Entry
	wmu    sync.Mutex
}

func newWSConn(ws *websocket.Conn, logger *log.Entry) *wsConn {
	ws.SetReadLimit(wsReadLimit)
	return &wsConn{ws: ws, logger: logger}
}

// ReadIntent returns the next decodable intent. Undecodable frames are
// logged and skipped.
func (c *wsConn) ReadIntent(ctx context.Context) (domain.Intent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Intent{}, err
		}
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return domain.Intent{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		in, err := domain.DecodeIntent(data)
		if err != nil {
			c.logger.WithError(err).Debug("skipping malformed frame")
			continue
		}
		return in, nil
	}
}

func (c *wsConn) WriteFact(ctx context.Context, f domain.Fact) error {
	data, err := domain.EncodeFact(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.WithError(err).Debug("close frame not sent")
	}
	c.wmu.Unlock()
	return c.ws.Close()
}
