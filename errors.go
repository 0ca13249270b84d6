package main

import (
	"log/slog"
	"net/http"

	"github.com/samber/oops"
)

const (
	codeApplicationNotFound = "APPLICATION_NOT_FOUND"
	codeOriginNotAllowed    = "ORIGIN_NOT_ALLOWED"
	codeOverCapacity        = "OVER_CAPACITY"
	codeUnauthorized        = "UNAUTHORIZED"
	codeInvalidMessage      = "INVALID_MESSAGE"
	codeInvalidChannel      = "INVALID_CHANNEL"
	codeInvalidChannelData  = "INVALID_CHANNEL_DATA"
	codePresenceFull        = "PRESENCE_FULL"
	codeClientEventRejected = "CLIENT_EVENT_REJECTED"
	codePongTimeout         = "PONG_TIMEOUT"
	codeServerShutdown      = "SERVER_SHUTDOWN"
	codeChannelNotFound     = "CHANNEL_NOT_FOUND"
	codeInvalidRequest      = "INVALID_REQUEST"
	codeInvalidSignature    = "INVALID_SIGNATURE"
	codeHubStopped          = "HUB_STOPPED"
	codeConfigInvalid       = "CONFIG_INVALID"
)

// pusherError is the payload of a pusher:error frame.
type pusherError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Wire codes follow the Pusher ranges: 4000-4099 do not reconnect, 4100-4199
// reconnect with backoff, 4200-4299 reconnect immediately, 4300+ other.
var pusherErrors = map[string]pusherError{
	codeApplicationNotFound: {4001, "Application does not exist"},
	codeOriginNotAllowed:    {4009, "Origin not allowed"},
	codeUnauthorized:        {4009, "Connection is unauthorized"},
	codeOverCapacity:        {4100, "Application is over connection quota"},
	codeInvalidMessage:      {4200, "Invalid message format"},
	codeInvalidChannel:      {4200, "Invalid channel name"},
	codeInvalidChannelData:  {4200, "Invalid channel data"},
	codePresenceFull:        {4100, "Presence channel is over member quota"},
	codeServerShutdown:      {4200, "Server is shutting down"},
	codePongTimeout:         {4201, "Pong reply not received in time"},
	codeClientEventRejected: {4301, "Client event rejected"},
}

var httpStatuses = map[string]int{
	codeApplicationNotFound: http.StatusNotFound,
	codeChannelNotFound:     http.StatusNotFound,
	codeInvalidSignature:    http.StatusUnauthorized,
	codeUnauthorized:        http.StatusUnauthorized,
	codeInvalidRequest:      http.StatusUnprocessableEntity,
	codeInvalidChannel:      http.StatusUnprocessableEntity,
	codeHubStopped:          http.StatusServiceUnavailable,
}

// errorCode returns the oops code of err, or "" for foreign errors.
func errorCode(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}

// wireError maps err to the frame a client sees. Unknown errors become a
// generic invalid-message error so internals never leak onto the socket.
func wireError(err error) pusherError {
	if pe, ok := pusherErrors[errorCode(err)]; ok {
		return pe
	}
	return pusherErrors[codeInvalidMessage]
}

func httpStatus(err error) int {
	if status, ok := httpStatuses[errorCode(err)]; ok {
		return status
	}
	return http.StatusBadRequest
}

// logError logs err with its oops code and context when present.
func logError(msg string, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := []any{"error", oopsErr.Error()}
		if code := oopsErr.Code(); code != nil {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
		slog.Error(msg, attrs...)
		return
	}
	slog.Error(msg, "error", err)
}
