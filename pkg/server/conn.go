package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liveboard-dev/liveboard/pkg/types"
)

const (
	writeTimeout  = 10 * time.Second
	pongTimeout   = 60 * time.Second
	sendQueueSize = 64
)

var errConnClosed = errors.New("connection closed")

// wsConn adapts one websocket to the session's Sender. All writes out,
// including pings, go through a single write pump; the websocket
// allows only one concurrent writer.
type wsConn struct {
	ws           *websocket.Conn
	pingInterval time.Duration

	sendCh    chan *types.ServerMessage
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, pingInterval time.Duration) *wsConn {
	return &wsConn{
		ws:           ws,
		pingInterval: pingInterval,
		sendCh:       make(chan *types.ServerMessage, sendQueueSize),
		closeCh:      make(chan struct{}),
	}
}

// Send enqueues one message for the write pump. A full queue means the
// client cannot keep up with its own watch set; the connection is cut
// rather than letting the backlog grow without bound.
func (c *wsConn) Send(msg *types.ServerMessage) error {
	select {
	case <-c.closeCh:
		return errConnClosed
	default:
	}
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.closeCh:
		return errConnClosed
	default:
		c.shutdown()
		return errors.New("send queue overflow")
	}
}

func (c *wsConn) Close() error {
	c.shutdown()
	return nil
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
}

// writePump drains the send queue onto the wire and keeps the
// connection alive with protocol-level pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.closeCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readMessage reads one frame, renewing the liveness deadline.
func (c *wsConn) readMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	return data, nil
}

func (c *wsConn) start() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go c.writePump()
}
