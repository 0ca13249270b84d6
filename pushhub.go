// Package pushhub serves Pusher protocol channels over websockets.
//
//	pushhub serve --config pushhub.yaml
//
// Everything is as ephemeral as can be. An event is sent to the
// connections subscribed to its channel (if any) and then forgotten,
// except on cache channels, which keep their last event for late
// subscribers. A channel is forgotten when its last subscriber leaves.
//
// Clients connect to a configured application by key.
//
//	ws://localhost:8080/app/APP_KEY?protocol=7
//
// and subscribe with pusher:subscribe. Private and presence channels need
// an auth token signed by the application's backend with its secret.
//
// Backends publish by POSTing signed requests to the HTTP API.
//
//	POST /apps/APP_ID/events
//	POST /apps/APP_ID/batch_events
//
// and inspect state with the GET endpoints under /apps/APP_ID/. All channel
// and connection state lives in one hub goroutine; with scaling enabled,
// triggers and terminations are relayed to the other nodes through Redis.
package main
