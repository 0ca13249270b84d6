package main

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

type connState int

const (
	stateConnecting connState = iota
	stateConnected
	stateClosed
)

// sendBuffer bounds the frames queued for a slow peer before it is evicted.
const sendBuffer = 256

// connection is one client socket. state, pingedAt and evicting belong to
// the hub loop; seen is written by the reader and read by the loop.
type connection struct {
	id       ulid.ULID
	socketID string
	app      *application
	state    connState
	pingedAt time.Time
	evicting bool
	seen     atomic.Int64
	send     chan []byte
	w        websocketManager
	h        *hub
}

func newConnection(w websocketManager, h *hub, app *application) *connection {
	c := &connection{
		id:   newULID(),
		app:  app,
		send: make(chan []byte, sendBuffer),
		w:    w,
		h:    h,
	}
	c.touch()
	return c
}

func (c *connection) run() {
	if !c.h.enqueue(command{cmd: REGISTER, conn: c}) {
		c.w.wsClose()
		return
	}
	go c.writer()
	c.reader()
}

func (c *connection) touch() {
	c.seen.Store(time.Now().UnixNano())
}

func (c *connection) lastSeen() time.Time {
	return time.Unix(0, c.seen.Load())
}

// readDeadline is a backstop behind the hub's ping sweep: a peer silent for
// twice the ping cycle is dropped by the socket itself.
func (c *connection) readDeadline() time.Time {
	return time.Now().Add(2 * (c.app.ActivityTimeout + c.app.PongTimeout))
}

func (c *connection) reader() {
	defer c.h.enqueue(command{cmd: UNREGISTER, conn: c})
	c.w.wsSetReadLimit(c.app.MaxMessageSize)
	c.w.wsSetReadDeadline(c.readDeadline())
	c.w.wsSetPongHandler(func() {
		c.touch()
		c.w.wsSetReadDeadline(c.readDeadline())
	})
	for {
		if err := c.readMessage(); err != nil {
			break
		}
	}
	c.w.wsClose()
}

func (c *connection) readMessage() error {
	_, message, err := c.w.wsReadMessage()
	if err != nil {
		return err
	}
	c.touch()
	c.w.wsSetReadDeadline(c.readDeadline())
	c.h.metrics.incr("messages.received", 1)
	c.h.enqueue(command{cmd: MESSAGE, conn: c, text: message})
	return nil
}

func (c *connection) writer() {
	defer c.w.wsClose()
	for message := range c.send {
		c.w.wsSetWriteDeadline()
		if err := c.w.wsWriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
		c.h.metrics.incr("messages.sent", 1)
	}
}
