package main

import (
	"log/slog"
)

// publish writes payload to every member of ch except the excluded
// connection. Members are snapshotted first: a failed write evicts its
// connection later without disturbing this iteration. It returns the number
// of connections the payload was queued for.
func (h *hub) publish(ch *channel, payload []byte, except *connection) int {
	sent := 0
	for _, c := range ch.snapshot() {
		if c == except {
			continue
		}
		if h.publishToConnection(c, payload) {
			sent++
		}
	}
	return sent
}

// publishToApp writes payload to every connection of an application.
func (h *hub) publishToApp(app string, payload []byte, except *connection) int {
	sent := 0
	for _, c := range h.conns[app].list() {
		if c == except {
			continue
		}
		if h.publishToConnection(c, payload) {
			sent++
		}
	}
	return sent
}

// publishToConnection queues payload on c without blocking. A full buffer
// marks c for eviction.
func (h *hub) publishToConnection(c *connection, payload []byte) bool {
	if c.state == stateClosed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		h.metrics.incr("messages.dropped", 1)
		h.evict(c)
		return false
	}
}

func (h *hub) evict(c *connection) {
	if c.evicting || c.state == stateClosed {
		return
	}
	c.evicting = true
	h.evictions = append(h.evictions, c)
}

// drainEvictions closes connections whose writes failed. Closing one may
// publish presence events that evict more, so it loops until none remain.
func (h *hub) drainEvictions() {
	for len(h.evictions) > 0 {
		c := h.evictions[0]
		h.evictions = h.evictions[1:]
		if c.state == stateClosed {
			continue
		}
		slog.Warn("evicting slow connection", "app_id", c.app.ID, "socket_id", c.socketID)
		h.metrics.incr("connections.evicted", 1)
		h.closeConn(c, nil)
	}
}
