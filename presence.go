package main

import (
	"encoding/json"
	"slices"

	"github.com/oklog/ulid/v2"
)

type member struct {
	id    string
	info  json.RawMessage
	conns map[ulid.ULID]struct{}
}

// roster tracks the users of a presence channel. A user stays listed while
// at least one of its connections is subscribed.
type roster struct {
	users  map[string]*member
	byConn map[ulid.ULID]string
}

func newRoster() *roster {
	return &roster{
		users:  make(map[string]*member),
		byConn: make(map[ulid.ULID]string),
	}
}

// join records connID as userID. It reports true on the user's 0→1
// transition. The info of the first connection is kept.
func (r *roster) join(connID ulid.ULID, userID string, info json.RawMessage) bool {
	if _, ok := r.byConn[connID]; ok {
		return false
	}
	r.byConn[connID] = userID
	m, ok := r.users[userID]
	if !ok {
		m = &member{id: userID, info: info, conns: make(map[ulid.ULID]struct{})}
		r.users[userID] = m
	}
	m.conns[connID] = struct{}{}
	return len(m.conns) == 1
}

// leave forgets connID. It returns the user it belonged to and whether that
// was the user's last connection (1→0).
func (r *roster) leave(connID ulid.ULID) (string, bool) {
	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	m := r.users[userID]
	delete(m.conns, connID)
	if len(m.conns) > 0 {
		return userID, false
	}
	delete(r.users, userID)
	return userID, true
}

func (r *roster) userOf(connID ulid.ULID) (string, bool) {
	userID, ok := r.byConn[connID]
	return userID, ok
}

func (r *roster) has(userID string) bool {
	_, ok := r.users[userID]
	return ok
}

func (r *roster) count() int {
	return len(r.users)
}

func (r *roster) ids() []string {
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// connectionsOf returns the connection ids userID holds on the channel.
func (r *roster) connectionsOf(userID string) []ulid.ULID {
	m, ok := r.users[userID]
	if !ok {
		return nil
	}
	ids := make([]ulid.ULID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

type presenceData struct {
	Presence presenceState `json:"presence"`
}

type presenceState struct {
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
	Count int                        `json:"count"`
}

// state is the member list sent with a presence subscription_succeeded.
func (r *roster) state() presenceData {
	ids := r.ids()
	hash := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		hash[id] = r.users[id].info
	}
	return presenceData{Presence: presenceState{IDs: ids, Hash: hash, Count: len(ids)}}
}
