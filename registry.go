package main

import (
	"slices"
	"strings"
)

// registry holds the live channels of every application. A channel is
// present exactly while it has members.
type registry map[string]channels

type channels map[string]*channel

type channelInfo struct {
	Name          string
	Kind          channelKind
	Subscriptions int
	Users         int
}

func (r registry) getOrCreate(app, name string) *channel {
	chans, ok := r[app]
	if !ok {
		chans = make(channels)
		r[app] = chans
	}
	if c, ok := chans[name]; ok {
		return c
	}
	c := newChannel(app, name)
	chans[name] = c
	return c
}

func (r registry) find(app, name string) *channel {
	return r[app][name]
}

// removeIfEmpty drops the channel when it has no members and reports
// whether it did.
func (r registry) removeIfEmpty(app, name string) bool {
	c, ok := r[app][name]
	if !ok || !c.empty() {
		return false
	}
	delete(r[app], name)
	if len(r[app]) == 0 {
		delete(r, app)
	}
	return true
}

// list returns a snapshot of the app's channels whose names start with
// prefix, sorted by name.
func (r registry) list(app, prefix string) []channelInfo {
	infos := make([]channelInfo, 0, len(r[app]))
	for name, c := range r[app] {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		infos = append(infos, channelInfo{
			Name:          name,
			Kind:          c.kind,
			Subscriptions: c.size(),
			Users:         c.userCount(),
		})
	}
	slices.SortFunc(infos, func(a, b channelInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return infos
}

// presence returns the app's presence channels.
func (r registry) presence(app string) []*channel {
	var found []*channel
	for _, c := range r[app] {
		if c.roster != nil {
			found = append(found, c)
		}
	}
	return found
}

func (r registry) count() int {
	n := 0
	for _, chans := range r {
		n += len(chans)
	}
	return n
}
