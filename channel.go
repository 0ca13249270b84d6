package main

import (
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

type channelKind int

const (
	publicChannel channelKind = iota
	privateChannel
	presenceChannel
)

func (k channelKind) String() string {
	switch k {
	case privateChannel:
		return "private"
	case presenceChannel:
		return "presence"
	default:
		return "public"
	}
}

const channelNameMax = 200

var channelNamePattern = regexp.MustCompile(`^[-a-zA-Z0-9_=@,.;]+$`)

func validChannelName(name string) bool {
	return len(name) <= channelNameMax && channelNamePattern.MatchString(name)
}

// channel is one named topic within an application. The kind tag selects
// the subscribe/unsubscribe hooks; presence channels also carry a roster.
// Channels are owned by the hub loop and never touched off it.
type channel struct {
	name        string
	app         string
	kind        channelKind
	cached      bool
	encrypted   bool
	connections connections
	roster      *roster
	last        []byte
}

type connections map[ulid.ULID]*connection

func newChannel(app, name string) *channel {
	c := &channel{
		name:        name,
		app:         app,
		connections: make(connections),
	}
	switch {
	case strings.HasPrefix(name, "presence-"):
		c.kind = presenceChannel
		c.cached = strings.HasPrefix(name, "presence-cache-")
		c.roster = newRoster()
	case strings.HasPrefix(name, "private-"):
		c.kind = privateChannel
		c.cached = strings.HasPrefix(name, "private-cache-")
		c.encrypted = strings.HasPrefix(name, "private-encrypted-")
	default:
		c.cached = strings.HasPrefix(name, "cache-")
	}
	return c
}

// kindOf reports the kind a channel with this name would have.
func kindOf(name string) channelKind {
	switch {
	case strings.HasPrefix(name, "presence-"):
		return presenceChannel
	case strings.HasPrefix(name, "private-"):
		return privateChannel
	default:
		return publicChannel
	}
}

func (c *channel) subscribe(conn *connection) {
	c.connections[conn.id] = conn
}

func (c *channel) unsubscribe(conn *connection) bool {
	if _, ok := c.connections[conn.id]; !ok {
		return false
	}
	delete(c.connections, conn.id)
	return true
}

func (c *channel) has(conn *connection) bool {
	_, ok := c.connections[conn.id]
	return ok
}

func (c *channel) size() int {
	return len(c.connections)
}

func (c *channel) empty() bool {
	return len(c.connections) == 0
}

// snapshot copies the membership so callers can iterate while sends evict
// members.
func (c *channel) snapshot() []*connection {
	return c.connections.list()
}

// userCount is the number of distinct presence users; zero for other kinds.
func (c *channel) userCount() int {
	if c.roster == nil {
		return 0
	}
	return c.roster.count()
}

// remember keeps payload as the channel's last event when it is a cache channel.
func (c *channel) remember(payload []byte) {
	if c.cached {
		c.last = payload
	}
}
