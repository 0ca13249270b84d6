package main

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

type op int

const (
	REGISTER op = iota + 1
	UNREGISTER
	MESSAGE
	CALL
)

type command struct {
	cmd  op
	conn *connection
	text []byte
	fn   func()
}

type queue chan command

// hub owns every channel, connection and index entry. All of it is mutated
// only from run, one command at a time, so none of it is locked.
type hub struct {
	queue     queue
	apps      applicationProvider
	registry  registry
	index     connIndex
	conns     map[string]connections
	sockets   map[string]*connection
	evictions []*connection
	metrics   *metrics
	relay     relay
	node      string
	sweep     time.Duration
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

func newHub(apps applicationProvider, m *metrics) *hub {
	if m == nil {
		m = newMetrics(nil)
	}
	return &hub{
		queue:    make(queue, 256),
		apps:     apps,
		registry: make(registry),
		index:    make(connIndex),
		conns:    make(map[string]connections),
		sockets:  make(map[string]*connection),
		metrics:  m,
		node:     newULID().String(),
		sweep:    5 * time.Second,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// start launches the loop. A stop issued right after start still waits
// for the loop to shut down.
func (h *hub) start() {
	h.running.Store(true)
	go h.run()
}

func (h *hub) run() {
	h.running.Store(true)
	defer close(h.done)

	ticker := newMTicker(h.sweep)
	defer ticker.stop()
	tick := ticker.subscribe().tick

	for {
		select {
		case cmd := <-h.queue:
			h.dispatch(cmd)
		case now, ok := <-tick:
			if !ok {
				tick = nil
				continue
			}
			h.sweepConnections(now)
		case <-h.quit:
			h.shutdown()
			return
		}
		h.drainEvictions()
	}
}

func (h *hub) dispatch(cmd command) {
	switch cmd.cmd {
	case REGISTER:
		h.register(cmd.conn)
	case UNREGISTER:
		h.closeConn(cmd.conn, nil)
	case MESSAGE:
		h.handleMessage(cmd.conn, cmd.text)
	case CALL:
		cmd.fn()
	default:
		panic(fmt.Sprintf("unexpected hub cmd: %v\n", cmd))
	}
}

// enqueue hands cmd to the loop. It reports false once the hub has stopped.
func (h *hub) enqueue(cmd command) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.queue <- cmd:
		return true
	case <-h.done:
		return false
	}
}

// stop closes every connection and ends the loop. It is safe to call more
// than once.
func (h *hub) stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	if h.running.Load() {
		<-h.done
	}
}

// ready reports whether the loop is running and not stopping.
func (h *hub) ready() bool {
	select {
	case <-h.quit:
		return false
	default:
		return h.running.Load()
	}
}

func (h *hub) shutdown() {
	reason := oops.Code(codeServerShutdown).Errorf("server shutting down")
	for app, conns := range h.conns {
		h.publishToApp(app, errorFrame(reason), nil)
		for _, c := range conns.list() {
			h.closeConn(c, nil)
		}
	}
	h.drainEvictions()
	slog.Info("hub stopped")
}

func (h *hub) register(c *connection) {
	if c.state != stateConnecting {
		return
	}
	app := c.app
	if app.MaxConnections > 0 && len(h.conns[app.ID]) >= app.MaxConnections {
		slog.Warn("connection refused: over capacity", "app_id", app.ID, "max_connections", app.MaxConnections)
		h.closeConn(c, oops.Code(codeOverCapacity).With("app_id", app.ID).Errorf("over connection quota"))
		return
	}

	c.socketID = h.newSocketID()
	c.state = stateConnected
	if h.conns[app.ID] == nil {
		h.conns[app.ID] = make(connections)
	}
	h.conns[app.ID][c.id] = c
	h.sockets[c.socketID] = c
	h.metrics.incr("connections", 1)
	h.publishToConnection(c, connectionEstablished(c.socketID, app))
	slog.Debug("connection established", "app_id", app.ID, "socket_id", c.socketID)
}

// closeConn moves c to Closed: an optional error frame is queued, c leaves
// every channel it joined and its send buffer is closed. Closing a closed
// connection does nothing.
func (h *hub) closeConn(c *connection, reason error) {
	if c.state == stateClosed {
		return
	}
	if reason != nil {
		h.publishToConnection(c, errorFrame(reason))
	}
	connected := c.state == stateConnected
	c.state = stateClosed

	for _, name := range h.index.channels(c.id) {
		h.leave(c, name)
	}
	if connected {
		delete(h.conns[c.app.ID], c.id)
		if len(h.conns[c.app.ID]) == 0 {
			delete(h.conns, c.app.ID)
		}
		delete(h.sockets, c.socketID)
		h.metrics.decr("connections", 1)
		slog.Debug("connection closed", "app_id", c.app.ID, "socket_id", c.socketID)
	}
	close(c.send)
}

// sweepConnections pings connections idle for longer than their app's
// activity timeout and closes those that stayed silent for the pong timeout
// after a ping.
func (h *hub) sweepConnections(now time.Time) {
	for _, conns := range h.conns {
		for _, c := range conns.list() {
			if !c.pingedAt.IsZero() {
				if c.lastSeen().After(c.pingedAt) {
					c.pingedAt = time.Time{}
				} else {
					if now.Sub(c.pingedAt) >= c.app.PongTimeout {
						slog.Debug("pruning stale connection", "app_id", c.app.ID, "socket_id", c.socketID)
						h.closeConn(c, oops.Code(codePongTimeout).With("socket_id", c.socketID).Errorf("pong not received"))
					}
					continue
				}
			}
			if now.Sub(c.lastSeen()) >= c.app.ActivityTimeout {
				c.pingedAt = now
				h.publishToConnection(c, pingFrame)
			}
		}
	}
}

func (h *hub) findSocket(app *application, socketID string) *connection {
	c, ok := h.sockets[socketID]
	if !ok || c.app.ID != app.ID {
		return nil
	}
	return c
}

func (h *hub) newSocketID() string {
	for {
		id := newSocketID(mrand.Int64N(1_000_000_000), mrand.Int64N(1_000_000_000))
		if _, taken := h.sockets[id]; !taken {
			return id
		}
	}
}

func (cs connections) list() []*connection {
	list := make([]*connection, 0, len(cs))
	for _, c := range cs {
		list = append(list, c)
	}
	return list
}

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

func newULID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}
