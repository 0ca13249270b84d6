package main

import (
	"slices"

	"github.com/oklog/ulid/v2"
)

// connIndex maps a connection to the names of the channels it joined, so a
// disconnect can leave them without scanning the registry.
type connIndex map[ulid.ULID]map[string]struct{}

func (x connIndex) add(id ulid.ULID, name string) {
	names, ok := x[id]
	if !ok {
		names = make(map[string]struct{})
		x[id] = names
	}
	names[name] = struct{}{}
}

func (x connIndex) remove(id ulid.ULID, name string) {
	names, ok := x[id]
	if !ok {
		return
	}
	delete(names, name)
	if len(names) == 0 {
		delete(x, id)
	}
}

func (x connIndex) has(id ulid.ULID, name string) bool {
	_, ok := x[id][name]
	return ok
}

// channels returns a sorted copy of the channel names joined by id.
func (x connIndex) channels(id ulid.ULID) []string {
	names := make([]string, 0, len(x[id]))
	for name := range x[id] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
