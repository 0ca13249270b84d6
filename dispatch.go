package main

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/samber/oops"
)

// handleMessage interprets one inbound frame from a connected socket.
func (h *hub) handleMessage(c *connection, raw []byte) {
	if c.state != stateConnected {
		return
	}
	m, err := decodeMessage(raw)
	if err != nil {
		h.protocolError(c, err)
		return
	}

	switch {
	case m.Event == eventPing:
		h.publishToConnection(c, pongFrame)
	case m.Event == eventPong:
		// Activity was recorded by the reader.
	case m.Event == eventSubscribe:
		s, err := decodeSubscription(m.Data)
		if err != nil {
			h.protocolError(c, err)
			return
		}
		if err := h.subscribe(c, s); err != nil {
			slog.Debug("subscription rejected", "app_id", c.app.ID, "socket_id", c.socketID,
				"channel", s.Channel, "code", errorCode(err))
			h.publishToConnection(c, subscriptionError(s.Channel, err))
		}
	case m.Event == eventUnsubscribe:
		var s subscription
		if err := decodeData(m.Data, &s); err != nil || s.Channel == "" {
			h.protocolError(c, oops.Code(codeInvalidMessage).Errorf("unsubscribe without channel"))
			return
		}
		h.unsubscribe(c, s.Channel)
	case strings.HasPrefix(m.Event, clientEventPrefix):
		if err := h.clientEvent(c, m); err != nil {
			h.protocolError(c, err)
		}
	default:
		h.protocolError(c, oops.Code(codeInvalidMessage).With("event", m.Event).Errorf("unknown event"))
	}
}

// protocolError reports err to c. Strict applications also drop the
// connection.
func (h *hub) protocolError(c *connection, err error) {
	slog.Debug("protocol error", "app_id", c.app.ID, "socket_id", c.socketID,
		"code", errorCode(err), "error", err.Error())
	if c.app.Strict {
		h.closeConn(c, err)
		return
	}
	h.publishToConnection(c, errorFrame(err))
}

// subscribe joins c to the requested channel. Errors leave membership
// untouched.
func (h *hub) subscribe(c *connection, s subscription) error {
	if !validChannelName(s.Channel) {
		return oops.Code(codeInvalidChannel).With("channel", s.Channel).Errorf("invalid channel name")
	}
	kind := kindOf(s.Channel)
	if kind != publicChannel {
		if err := verifyChannelAuth(c.app, c.socketID, s); err != nil {
			return err
		}
	}

	var (
		userID string
		info   json.RawMessage
	)
	if kind == presenceChannel {
		var err error
		if userID, info, err = s.presenceMember(); err != nil {
			return err
		}
	}

	ch := h.registry.find(c.app.ID, s.Channel)
	if ch != nil && ch.has(c) {
		h.publishToConnection(c, subscriptionSucceeded(ch))
		return nil
	}
	if kind == presenceChannel && ch != nil && !ch.roster.has(userID) &&
		ch.roster.count() >= c.app.MaxPresenceMembers {
		return oops.Code(codePresenceFull).With("channel", s.Channel).Errorf("presence channel is full")
	}
	if ch == nil {
		ch = h.registry.getOrCreate(c.app.ID, s.Channel)
		h.metrics.incr("channels", 1)
	}

	ch.subscribe(c)
	h.index.add(c.id, ch.name)
	h.metrics.incr("subscriptions", 1)

	if ch.roster != nil && ch.roster.join(c.id, userID, info) {
		h.publish(ch, memberAdded(ch.name, userID, info), c)
	}
	h.publishToConnection(c, subscriptionSucceeded(ch))

	if ch.cached {
		if ch.last != nil {
			h.publishToConnection(c, ch.last)
		} else {
			h.publishToConnection(c, cacheMiss(ch.name))
		}
	}
	return nil
}

// unsubscribe removes c from the named channel. It is a no-op when c is not
// a member.
func (h *hub) unsubscribe(c *connection, name string) {
	if !h.index.has(c.id, name) {
		return
	}
	h.leave(c, name)
}

// leave runs the unsubscribe algorithm: membership and index first, then
// the presence notification, then the empty-channel check.
func (h *hub) leave(c *connection, name string) {
	h.index.remove(c.id, name)
	ch := h.registry.find(c.app.ID, name)
	if ch == nil || !ch.unsubscribe(c) {
		return
	}
	h.metrics.decr("subscriptions", 1)

	if ch.roster != nil {
		if userID, last := ch.roster.leave(c.id); last {
			h.publish(ch, memberRemoved(ch.name, userID), nil)
		}
	}
	if h.registry.removeIfEmpty(c.app.ID, name) {
		h.metrics.decr("channels", 1)
	}
}

// clientEvent relays a client-originated event to the other members of a
// private or presence channel.
func (h *hub) clientEvent(c *connection, m message) error {
	errb := oops.Code(codeClientEventRejected).With("channel", m.Channel).With("event", m.Event)
	if c.app.ClientEvents == clientEventsNone {
		return errb.Errorf("client events are disabled")
	}
	if kindOf(m.Channel) == publicChannel {
		return errb.Errorf("client events require a private or presence channel")
	}

	ch := h.registry.find(c.app.ID, m.Channel)
	if ch != nil && ch.encrypted {
		return errb.Errorf("client events are not allowed on encrypted channels")
	}
	subscribed := ch != nil && ch.has(c)
	if c.app.ClientEvents == clientEventsMembers && !subscribed {
		return errb.Errorf("client is not subscribed to the channel")
	}
	if ch == nil {
		return nil
	}

	relayed := message{Event: m.Event, Channel: m.Channel, Data: m.Data}
	if ch.roster != nil {
		relayed.UserID, _ = ch.roster.userOf(c.id)
	}
	payload := relayed.encode()
	ch.remember(payload)
	h.publish(ch, payload, c)
	return nil
}
