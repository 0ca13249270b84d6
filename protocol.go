package main

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/samber/oops"
)

const (
	eventConnectionEstablished = "pusher:connection_established"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventError                 = "pusher:error"
	eventSubscriptionError     = "pusher:subscription_error"
	eventCacheMiss             = "pusher:cache_miss"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventMemberAdded           = "pusher_internal:member_added"
	eventMemberRemoved         = "pusher_internal:member_removed"

	clientEventPrefix = "client-"
)

// message is a frame in either direction.
type message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
}

func (m message) encode() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// Data is always valid JSON produced by this package or validated on
		// the way in.
		panic(err)
	}
	return b
}

// stringData encodes v as JSON and wraps the result in a JSON string, the
// form Pusher uses for the data of server-originated events.
func stringData(v any) json.RawMessage {
	inner, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	outer, err := json.Marshal(string(inner))
	if err != nil {
		panic(err)
	}
	return outer
}

// decodeData unmarshals raw into v, accepting both an object and an object
// wrapped in a JSON string.
func decodeData(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return oops.Code(codeInvalidMessage).Errorf("missing data")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return oops.Code(codeInvalidMessage).Wrapf(err, "decoding data string")
		}
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return oops.Code(codeInvalidMessage).Wrapf(err, "decoding data")
	}
	return nil
}

func decodeMessage(raw []byte) (message, error) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return message{}, oops.Code(codeInvalidMessage).Wrapf(err, "decoding frame")
	}
	if m.Event == "" {
		return message{}, oops.Code(codeInvalidMessage).Errorf("frame has no event")
	}
	return m, nil
}

// subscription is a decoded pusher:subscribe request.
type subscription struct {
	Channel     string          `json:"channel"`
	Auth        string          `json:"auth"`
	ChannelData json.RawMessage `json:"channel_data"`
}

// channelData returns the channel_data as the exact string the client
// signed.
func (s subscription) channelData() string {
	raw := bytes.TrimSpace(s.ChannelData)
	if len(raw) > 0 && raw[0] == '"' {
		var str string
		if json.Unmarshal(raw, &str) == nil {
			return str
		}
	}
	return string(raw)
}

// presenceMember decodes the user_id and user_info of a presence
// subscription. Numeric user ids are accepted and kept in their decimal form.
func (s subscription) presenceMember() (string, json.RawMessage, error) {
	errb := oops.Code(codeInvalidChannelData).With("channel", s.Channel)
	var data struct {
		UserID   json.RawMessage `json:"user_id"`
		UserInfo json.RawMessage `json:"user_info"`
	}
	if err := json.Unmarshal([]byte(s.channelData()), &data); err != nil {
		return "", nil, errb.Wrapf(err, "decoding channel_data")
	}

	var userID string
	if err := json.Unmarshal(data.UserID, &userID); err != nil {
		var n json.Number
		if err := json.Unmarshal(data.UserID, &n); err != nil {
			return "", nil, errb.Errorf("user_id must be a string or number")
		}
		userID = n.String()
	}
	if userID == "" {
		return "", nil, errb.Errorf("user_id is required")
	}
	return userID, data.UserInfo, nil
}

func decodeSubscription(data json.RawMessage) (subscription, error) {
	var s subscription
	if err := decodeData(data, &s); err != nil {
		return subscription{}, err
	}
	if s.Channel == "" {
		return subscription{}, oops.Code(codeInvalidMessage).Errorf("subscribe without channel")
	}
	return s, nil
}

func connectionEstablished(socketID string, app *application) []byte {
	return message{
		Event: eventConnectionEstablished,
		Data: stringData(struct {
			SocketID        string `json:"socket_id"`
			ActivityTimeout int    `json:"activity_timeout"`
		}{socketID, int(app.ActivityTimeout.Seconds())}),
	}.encode()
}

func subscriptionSucceeded(c *channel) []byte {
	var data any = struct{}{}
	if c.roster != nil {
		data = c.roster.state()
	}
	return message{Event: eventSubscriptionSucceeded, Channel: c.name, Data: stringData(data)}.encode()
}

func subscriptionError(name string, err error) []byte {
	status := 400
	kind := "SubscriptionError"
	if errorCode(err) == codeUnauthorized {
		status = 401
		kind = "AuthError"
	}
	return message{
		Event:   eventSubscriptionError,
		Channel: name,
		Data: stringData(struct {
			Type   string `json:"type"`
			Error  string `json:"error"`
			Status int    `json:"status"`
		}{kind, wireError(err).Message, status}),
	}.encode()
}

func memberAdded(name, userID string, info json.RawMessage) []byte {
	return message{
		Event:   eventMemberAdded,
		Channel: name,
		Data: stringData(struct {
			UserID   string          `json:"user_id"`
			UserInfo json.RawMessage `json:"user_info,omitempty"`
		}{userID, info}),
	}.encode()
}

func memberRemoved(name, userID string) []byte {
	return message{
		Event:   eventMemberRemoved,
		Channel: name,
		Data: stringData(struct {
			UserID string `json:"user_id"`
		}{userID}),
	}.encode()
}

func errorFrame(err error) []byte {
	return message{Event: eventError, Data: stringData(wireError(err))}.encode()
}

func cacheMiss(name string) []byte {
	return message{Event: eventCacheMiss, Channel: name}.encode()
}

var (
	pingFrame = message{Event: eventPing, Data: json.RawMessage(`"{}"`)}.encode()
	pongFrame = message{Event: eventPong, Data: json.RawMessage(`"{}"`)}.encode()
)

// newSocketID formats a Pusher socket id from two random integers.
func newSocketID(a, b int64) string {
	return strconv.FormatInt(a, 10) + "." + strconv.FormatInt(b, 10)
}
