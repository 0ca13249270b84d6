package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer(serviceName)

type wsHandler struct {
	h *hub
}

func (wsh wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wi := websocketInteractor{ws: ws}

	app, err := wsh.h.apps.findByKey(mux.Vars(r)["appKey"])
	if err == nil && !app.allowsOrigin(r.Header.Get("Origin")) {
		err = oops.Code(codeOriginNotAllowed).With("app_id", app.ID).With("origin", r.Header.Get("Origin")).
			Errorf("origin not allowed")
	}
	if err != nil {
		slog.Debug("handshake rejected", "code", errorCode(err), "error", err.Error())
		rejectHandshake(wi, err)
		return
	}

	c := newConnection(wi, wsh.h, app)
	c.run()
}

// rejectHandshake reports a fatal handshake error on a socket that never
// reached the hub.
func rejectHandshake(w websocketManager, err error) {
	w.wsSetWriteDeadline()
	//nolint:errcheck // the socket is closed right after either way
	w.wsWriteMessage(websocket.TextMessage, errorFrame(err))
	w.wsClose()
}

type upgradeRequiredHandler struct{}

func (upgradeRequiredHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	sendError(w, http.StatusUpgradeRequired, "Websocket upgrade required.")
}

type ctxKey int

const (
	ctxApp ctxKey = iota
	ctxBody
)

// apiHandler serves the control surface used by application backends.
type apiHandler struct {
	h       *hub
	maxBody int64
	now     func() time.Time
}

// authenticate resolves the application of the path, reads the body and
// verifies the request signature before any handler runs.
func (a apiHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Method + " " + r.URL.Path
		if tmpl, err := mux.CurrentRoute(r).GetPathTemplate(); err == nil {
			name = r.Method + " " + tmpl
		}
		ctx, span := tracer.Start(r.Context(), name)
		defer span.End()

		appID := mux.Vars(r)["appId"]
		span.SetAttributes(attribute.String("app_id", appID))
		app, err := a.h.apps.findByID(appID)
		if err != nil {
			sendErr(w, err)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
		if err != nil {
			sendError(w, http.StatusRequestEntityTooLarge, "Request body too large.")
			return
		}
		if err := verifyAPISignature(app, r.Method, r.URL.Path, r.URL.Query(), body, a.now()); err != nil {
			slog.DebugContext(ctx, "api signature rejected", "app_id", app.ID, "error", err.Error())
			sendErr(w, err)
			return
		}

		ctx = context.WithValue(ctx, ctxApp, app)
		ctx = context.WithValue(ctx, ctxBody, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestApp(r *http.Request) *application {
	return r.Context().Value(ctxApp).(*application)
}

func requestBody(r *http.Request) []byte {
	body, _ := r.Context().Value(ctxBody).([]byte)
	return body
}

func (a apiHandler) events(w http.ResponseWriter, r *http.Request) {
	app := requestApp(r)
	var e triggerEvent
	if err := json.Unmarshal(requestBody(r), &e); err != nil {
		sendError(w, http.StatusBadRequest, "Request body must be a JSON event.")
		return
	}
	if err := e.validate(app); err != nil {
		sendErr(w, err)
		return
	}

	var result triggerResult
	if err := a.h.call(r.Context(), func() { result = a.h.trigger(app, e) }); err != nil {
		sendErr(w, err)
		return
	}
	a.h.relayAction(r.Context(), relayMessage{Type: relayTrigger, AppID: app.ID, Event: &e})
	slog.DebugContext(r.Context(), "event triggered", "app_id", app.ID, "event", e.Name, "ok", result.OK)

	status := http.StatusOK
	if result.notFound() {
		status = http.StatusNotFound
	}
	writeJSON(w, status, result)
}

func (a apiHandler) batchEvents(w http.ResponseWriter, r *http.Request) {
	app := requestApp(r)
	var req struct {
		Batch []triggerEvent `json:"batch"`
	}
	if err := json.Unmarshal(requestBody(r), &req); err != nil {
		sendError(w, http.StatusBadRequest, "Request body must be a JSON batch.")
		return
	}
	if len(req.Batch) == 0 || len(req.Batch) > maxBatchEvents {
		sendErr(w, oops.Code(codeInvalidRequest).With("app_id", app.ID).
			Errorf("a batch needs 1 to %d events", maxBatchEvents))
		return
	}

	results := make([]triggerResult, len(req.Batch))
	valid := make([]bool, len(req.Batch))
	for i, e := range req.Batch {
		if err := e.validate(app); err != nil {
			results[i] = triggerResult{Error: newAPIError(err)}
			continue
		}
		valid[i] = true
	}

	err := a.h.call(r.Context(), func() {
		for i, e := range req.Batch {
			if valid[i] {
				results[i] = a.h.trigger(app, e)
			}
		}
	})
	if err != nil {
		sendErr(w, err)
		return
	}
	for i := range req.Batch {
		if valid[i] {
			a.h.relayAction(r.Context(), relayMessage{Type: relayTrigger, AppID: app.ID, Event: &req.Batch[i]})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": results})
}

type channelAttributes struct {
	Occupied          *bool `json:"occupied,omitempty"`
	SubscriptionCount *int  `json:"subscription_count,omitempty"`
	UserCount         *int  `json:"user_count,omitempty"`
}

func (a apiHandler) channels(w http.ResponseWriter, r *http.Request) {
	app := requestApp(r)
	prefix := r.URL.Query().Get("filter_by_prefix")
	info := parseInfo(r.URL.Query().Get("info"))
	if info.userCount && !strings.HasPrefix(prefix, "presence-") {
		sendError(w, http.StatusBadRequest, "user_count may only be requested for presence channels.")
		return
	}

	var infos []channelInfo
	if err := a.h.call(r.Context(), func() { infos = a.h.registry.list(app.ID, prefix) }); err != nil {
		sendErr(w, err)
		return
	}

	out := make(map[string]channelAttributes, len(infos))
	for _, ci := range infos {
		var attrs channelAttributes
		if info.subscriptionCount {
			attrs.SubscriptionCount = &ci.Subscriptions
		}
		if info.userCount && ci.Kind == presenceChannel {
			attrs.UserCount = &ci.Users
		}
		out[ci.Name] = attrs
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (a apiHandler) channel(w http.ResponseWriter, r *http.Request) {
	app := requestApp(r)
	name := mux.Vars(r)["channel"]
	info := parseInfo(r.URL.Query().Get("info"))
	if info.userCount && kindOf(name) != presenceChannel {
		sendError(w, http.StatusBadRequest, "user_count may only be requested for presence channels.")
		return
	}

	var (
		found         bool
		subscriptions int
		users         int
	)
	err := a.h.call(r.Context(), func() {
		if ch := a.h.registry.find(app.ID, name); ch != nil {
			found, subscriptions, users = true, ch.size(), ch.userCount()
		}
	})
	if err != nil {
		sendErr(w, err)
		return
	}

	attrs := channelAttributes{Occupied: &found}
	if info.subscriptionCount {
		attrs.SubscriptionCount = &subscriptions
	}
	if info.userCount {
		attrs.UserCount = &users
	}
	writeJSON(w, http.StatusOK, attrs)
}

func (a apiHandler) users(w http.ResponseWriter, r *http.Request) {
	app := requestApp(r)
	name := mux.Vars(r)["channel"]

	var (
		ids      []string
		found    bool
		presence bool
	)
	err := a.h.call(r.Context(), func() {
		ch := a.h.registry.find(app.ID, name)
		if ch == nil {
			return
		}
		found = true
		if ch.roster != nil {
			presence = true
			ids = ch.roster.ids()
		}
	})
	if err != nil {
		sendErr(w, err)
		return
	}
	if !found {
		sendErr(w, oops.Code(codeChannelNotFound).With("app_id", app.ID).With("channel", name).
			Errorf("channel %q not found", name))
		return
	}
	if !presence {
		sendError(w, http.StatusBadRequest, "Users may only be listed for presence channels.")
		return
	}

	type user struct {
		ID string `json:"id"`
	}
	users := make([]user, 0, len(ids))
	for _, id := range ids {
		users = append(users, user{ID: id})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a apiHandler) connections(w http.ResponseWriter, r *http.Request) {
	app := requestApp(r)
	var n int
	if err := a.h.call(r.Context(), func() { n = a.h.connectionCount(app) }); err != nil {
		sendErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"connections": n})
}

func (a apiHandler) terminate(w http.ResponseWriter, r *http.Request) {
	app := requestApp(r)
	userID := mux.Vars(r)["userId"]
	var n int
	if err := a.h.call(r.Context(), func() { n = a.h.terminateUser(app, userID) }); err != nil {
		sendErr(w, err)
		return
	}
	a.h.relayAction(r.Context(), relayMessage{Type: relayTerminate, AppID: app.ID, UserID: userID})
	slog.InfoContext(r.Context(), "user connections terminated", "app_id", app.ID, "user_id", userID, "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"terminated": n})
}

func up(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"health": "OK"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // the client may have gone away
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Code: status, Message: msg})
}

func sendErr(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if errorCode(err) == "" {
		status = http.StatusServiceUnavailable
	}
	sendError(w, status, err.Error())
}
