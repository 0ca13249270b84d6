package main

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/samber/oops"
)

const (
	maxTriggerChannels = 100
	maxBatchEvents     = 10
)

// call runs fn on the hub loop and waits for it to finish.
func (h *hub) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := command{cmd: CALL, fn: func() {
		fn()
		close(finished)
	}}
	select {
	case h.queue <- cmd:
	case <-h.done:
		return oops.Code(codeHubStopped).Errorf("hub stopped")
	case <-ctx.Done():
		return oops.Wrap(ctx.Err())
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return oops.Code(codeHubStopped).Errorf("hub stopped")
	case <-ctx.Done():
		return oops.Wrap(ctx.Err())
	}
}

// post runs fn on the hub loop without waiting for it.
func (h *hub) post(fn func()) bool {
	return h.enqueue(command{cmd: CALL, fn: fn})
}

// triggerEvent is a backend-originated event.
type triggerEvent struct {
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	Info     string          `json:"info,omitempty"`
}

func (e triggerEvent) targets() []string {
	if len(e.Channels) > 0 {
		return e.Channels
	}
	if e.Channel != "" {
		return []string{e.Channel}
	}
	return nil
}

func (e triggerEvent) validate(app *application) error {
	errb := oops.Code(codeInvalidRequest).With("app_id", app.ID)
	if e.Name == "" {
		return errb.Errorf("event name is required")
	}
	if len(e.Data) == 0 {
		return errb.With("event", e.Name).Errorf("event data is required")
	}
	if int64(len(e.Data)) > app.MaxMessageSize {
		return errb.With("event", e.Name).Errorf("event data exceeds %d bytes", app.MaxMessageSize)
	}
	targets := e.targets()
	if len(targets) == 0 || len(targets) > maxTriggerChannels {
		return errb.With("event", e.Name).Errorf("an event needs 1 to %d channels", maxTriggerChannels)
	}
	for _, name := range targets {
		if !validChannelName(name) {
			return errb.With("channel", name).Errorf("invalid channel name %q", name)
		}
	}
	return nil
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newAPIError(err error) *apiError {
	return &apiError{Code: httpStatus(err), Message: err.Error()}
}

type channelResult struct {
	Channel           string    `json:"channel"`
	OK                bool      `json:"ok"`
	SubscriptionCount *int      `json:"subscription_count,omitempty"`
	UserCount         *int      `json:"user_count,omitempty"`
	Error             *apiError `json:"error,omitempty"`
}

type triggerResult struct {
	OK      bool            `json:"ok"`
	Results []channelResult `json:"results,omitempty"`
	Error   *apiError       `json:"error,omitempty"`
}

// notFound reports whether every channel of the result was unknown.
func (r triggerResult) notFound() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if res.Error == nil || res.Error.Code != 404 {
			return false
		}
	}
	return true
}

type infoFields struct {
	subscriptionCount bool
	userCount         bool
}

func parseInfo(info string) infoFields {
	var f infoFields
	for _, field := range strings.Split(info, ",") {
		switch strings.TrimSpace(field) {
		case "subscription_count":
			f.subscriptionCount = true
		case "user_count":
			f.userCount = true
		}
	}
	return f
}

// trigger publishes e to each of its channels independently. Each channel
// gets its own result; an unknown channel does not stop the others.
func (h *hub) trigger(app *application, e triggerEvent) triggerResult {
	var except *connection
	if e.SocketID != "" {
		except = h.findSocket(app, e.SocketID)
	}
	info := parseInfo(e.Info)

	result := triggerResult{OK: true}
	for _, name := range e.targets() {
		res := channelResult{Channel: name, OK: true}
		ch := h.registry.find(app.ID, name)
		if ch == nil {
			// With a relay another node may hold the channel.
			if h.relay == nil {
				err := oops.Code(codeChannelNotFound).With("app_id", app.ID).With("channel", name).
					Errorf("channel %q not found", name)
				res.OK = false
				res.Error = newAPIError(err)
				result.OK = false
			}
			result.Results = append(result.Results, res)
			continue
		}

		payload := message{Event: e.Name, Channel: name, Data: e.Data}.encode()
		ch.remember(payload)
		h.publish(ch, payload, except)
		h.metrics.incr("events.triggered", 1)

		if info.subscriptionCount {
			n := ch.size()
			res.SubscriptionCount = &n
		}
		if info.userCount && ch.roster != nil {
			n := ch.userCount()
			res.UserCount = &n
		}
		result.Results = append(result.Results, res)
	}
	return result
}

// terminateUser closes every connection the user holds on the app's
// presence channels and returns how many were closed.
func (h *hub) terminateUser(app *application, userID string) int {
	var targets []*connection
	for _, ch := range h.registry.presence(app.ID) {
		for _, id := range ch.roster.connectionsOf(userID) {
			if c, ok := ch.connections[id]; ok && !slices.Contains(targets, c) {
				targets = append(targets, c)
			}
		}
	}
	for _, c := range targets {
		h.closeConn(c, nil)
	}
	return len(targets)
}

func (h *hub) connectionCount(app *application) int {
	return len(h.conns[app.ID])
}
