package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	h   *hub
	app *application
	srv *httptest.Server
}

func newTestServer(t *testing.T, mods ...func(*appConfig)) *testServer {
	t.Helper()
	return startTestServer(t, defaultConfig(), newTestApp(t, mods...))
}

func startTestServer(t *testing.T, cfg config, app *application) *testServer {
	t.Helper()
	h := newTestHub(t, app)
	h.start()
	srv := httptest.NewServer(newHandler(h, cfg))
	t.Cleanup(func() {
		h.stop()
		srv.Close()
	})
	return &testServer{h: h, app: app, srv: srv}
}

func (s *testServer) dial(t *testing.T, key string, header http.Header) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/app/" + key + "?protocol=7"
	ws, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// connect dials the app and returns the socket with its socket id.
func (s *testServer) connect(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	ws := s.dial(t, s.app.Key, nil)
	m := readFrame(t, ws)
	require.Equal(t, eventConnectionEstablished, m.Event)
	var data struct {
		SocketID string `json:"socket_id"`
	}
	require.NoError(t, decodeData(m.Data, &data))
	return ws, data.SocketID
}

func readFrame(t *testing.T, ws *websocket.Conn) message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := ws.ReadMessage()
	require.NoError(t, err)
	m, err := decodeMessage(b)
	require.NoError(t, err)
	return m
}

func writeFrame(t *testing.T, ws *websocket.Conn, m message) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, m.encode()))
}

func (s *testServer) subscribe(t *testing.T, ws *websocket.Conn, socketID, name, channelData string) {
	t.Helper()
	data := map[string]string{"channel": name}
	if kindOf(name) != publicChannel {
		payload := socketID + ":" + name
		if channelData != "" {
			payload += ":" + channelData
			data["channel_data"] = channelData
		}
		data["auth"] = s.app.Key + ":" + sign(s.app.Secret, payload)
	}
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	writeFrame(t, ws, message{Event: eventSubscribe, Data: raw})
	m := readFrame(t, ws)
	require.Equal(t, eventSubscriptionSucceeded, m.Event, "subscribing to %s", name)
}

func (s *testServer) api(t *testing.T, method, path string, params url.Values, body string) (int, map[string]any) {
	t.Helper()
	q := signedQuery(s.app, method, path, params, []byte(body), time.Now())
	return s.rawAPI(t, method, path+"?"+q.Encode(), body)
}

func (s *testServer) rawAPI(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+target, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), "body %s", raw)
	return resp.StatusCode, out
}

func TestSocketHandshake(t *testing.T) {
	s := newTestServer(t)
	_, socketID := s.connect(t)
	assert.Regexp(t, `^\d+\.\d+$`, socketID)
}

func TestSocketUnknownApp(t *testing.T) {
	s := newTestServer(t)
	ws := s.dial(t, "nope", nil)

	m := readFrame(t, ws)
	assert.Equal(t, eventError, m.Event)
	assert.Equal(t, 4001, errorData(t, m).Code)
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestSocketOriginRejected(t *testing.T) {
	s := newTestServer(t, func(cfg *appConfig) { cfg.AllowedOrigins = []string{"example.com"} })

	ws := s.dial(t, s.app.Key, http.Header{"Origin": {"https://evil.com"}})
	m := readFrame(t, ws)
	assert.Equal(t, 4009, errorData(t, m).Code)

	ws = s.dial(t, s.app.Key, http.Header{"Origin": {"https://example.com"}})
	assert.Equal(t, eventConnectionEstablished, readFrame(t, ws).Event)
}

func TestSocketPathWithoutUpgrade(t *testing.T) {
	s := newTestServer(t)
	code, body := s.rawAPI(t, http.MethodGet, "/app/"+s.app.Key, "")
	assert.Equal(t, http.StatusUpgradeRequired, code)
	assert.NotEmpty(t, body["message"])
}

func TestSocketPingPong(t *testing.T) {
	s := newTestServer(t)
	ws, _ := s.connect(t)

	writeFrame(t, ws, message{Event: eventPing, Data: json.RawMessage(`{}`)})
	assert.Equal(t, eventPong, readFrame(t, ws).Event)
}

func TestEventsEndpoint(t *testing.T) {
	s := newTestServer(t)
	ws, _ := s.connect(t)
	s.subscribe(t, ws, "", "news", "")
	other, otherID := s.connect(t)
	s.subscribe(t, other, otherID, "news", "")

	body := `{"name":"update","channel":"news","data":"{\"a\":1}","socket_id":"` + otherID + `"}`
	code, resp := s.api(t, http.MethodPost, "/apps/app/events", nil, body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp["ok"])
	m := readFrame(t, ws)
	assert.Equal(t, "update", m.Event)
	assert.Equal(t, "news", m.Channel)
	var data map[string]int
	require.NoError(t, decodeData(m.Data, &data))
	assert.Equal(t, 1, data["a"])

	// The excluded socket only sees its own ping answered.
	writeFrame(t, other, message{Event: eventPing, Data: json.RawMessage(`{}`)})
	assert.Equal(t, eventPong, readFrame(t, other).Event)
}

func TestEventsEndpointErrors(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.api(t, http.MethodPost, "/apps/app/events", nil, `{"name":"e","channel":"nobody-here","data":"{}"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.api(t, http.MethodPost, "/apps/app/events", nil, `{"channel":"news","data":"{}"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = s.api(t, http.MethodPost, "/apps/app/events", nil, `{"name":"e","channel":"bad name","data":"{}"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = s.api(t, http.MethodPost, "/apps/app/events", nil, `not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBatchEventsEndpoint(t *testing.T) {
	s := newTestServer(t)
	ws, _ := s.connect(t)
	s.subscribe(t, ws, "", "news", "")

	body := `{"batch":[
		{"name":"first","channel":"news","data":"1"},
		{"name":"second","channel":"missing","data":"2"},
		{"name":"third","channel":"news","data":"3"},
		{"name":"","channel":"news","data":"4"}
	]}`
	code, resp := s.api(t, http.MethodPost, "/apps/app/batch_events", nil, body)

	require.Equal(t, http.StatusOK, code)
	batch := resp["batch"].([]any)
	require.Len(t, batch, 4)
	assert.Equal(t, true, batch[0].(map[string]any)["ok"])
	assert.Equal(t, false, batch[1].(map[string]any)["ok"])
	assert.Equal(t, true, batch[2].(map[string]any)["ok"])
	assert.Contains(t, batch[3].(map[string]any), "error")

	// Items after a failed one are still delivered, in order.
	assert.Equal(t, "first", readFrame(t, ws).Event)
	assert.Equal(t, "third", readFrame(t, ws).Event)

	var many []string
	for i := 0; i < maxBatchEvents+1; i++ {
		many = append(many, `{"name":"e","channel":"news","data":"{}"}`)
	}
	code, _ = s.api(t, http.MethodPost, "/apps/app/batch_events", nil, `{"batch":[`+strings.Join(many, ",")+`]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestAPIAuthentication(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.rawAPI(t, http.MethodGet, "/apps/app/channels?auth_key="+s.app.Key, "")
	assert.Equal(t, http.StatusUnauthorized, code)

	q := signedQuery(s.app, http.MethodGet, "/apps/app/channels", nil, nil, time.Now())
	q.Set("auth_signature", strings.Repeat("0", 64))
	code, _ = s.rawAPI(t, http.MethodGet, "/apps/app/channels?"+q.Encode(), "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.api(t, http.MethodGet, "/apps/other/channels", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRequestBodyLimit(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.MaxRequestSize = 16
	s := startTestServer(t, cfg, newTestApp(t))

	code, _ := s.api(t, http.MethodPost, "/apps/app/events", nil, `{"name":"e","channel":"news","data":"{}"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
}

func TestChannelsEndpoint(t *testing.T) {
	s := newTestServer(t)
	ws, socketID := s.connect(t)
	s.subscribe(t, ws, socketID, "news", "")
	s.subscribe(t, ws, socketID, "presence-room", `{"user_id":"alice"}`)

	code, resp := s.api(t, http.MethodGet, "/apps/app/channels", url.Values{"info": {"subscription_count"}}, "")
	require.Equal(t, http.StatusOK, code)
	chans := resp["channels"].(map[string]any)
	assert.Len(t, chans, 2)
	assert.Equal(t, float64(1), chans["news"].(map[string]any)["subscription_count"])

	params := url.Values{"filter_by_prefix": {"presence-"}, "info": {"user_count"}}
	code, resp = s.api(t, http.MethodGet, "/apps/app/channels", params, "")
	require.Equal(t, http.StatusOK, code)
	chans = resp["channels"].(map[string]any)
	require.Len(t, chans, 1)
	assert.Equal(t, float64(1), chans["presence-room"].(map[string]any)["user_count"])

	code, _ = s.api(t, http.MethodGet, "/apps/app/channels", url.Values{"info": {"user_count"}}, "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestChannelEndpoint(t *testing.T) {
	s := newTestServer(t)
	ws, _ := s.connect(t)
	s.subscribe(t, ws, "", "news", "")

	code, resp := s.api(t, http.MethodGet, "/apps/app/channels/news", url.Values{"info": {"subscription_count"}}, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp["occupied"])
	assert.Equal(t, float64(1), resp["subscription_count"])

	code, resp = s.api(t, http.MethodGet, "/apps/app/channels/empty", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, resp["occupied"])

	code, _ = s.api(t, http.MethodGet, "/apps/app/channels/news", url.Values{"info": {"user_count"}}, "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUsersEndpoint(t *testing.T) {
	s := newTestServer(t)
	ws, socketID := s.connect(t)
	s.subscribe(t, ws, socketID, "news", "")
	s.subscribe(t, ws, socketID, "presence-room", `{"user_id":"alice"}`)

	code, resp := s.api(t, http.MethodGet, "/apps/app/channels/presence-room/users", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{map[string]any{"id": "alice"}}, resp["users"])

	code, _ = s.api(t, http.MethodGet, "/apps/app/channels/news/users", nil, "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.api(t, http.MethodGet, "/apps/app/channels/presence-gone/users", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestConnectionsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.connect(t)
	s.connect(t)

	code, resp := s.api(t, http.MethodGet, "/apps/app/connections", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), resp["connections"])
}

func TestTerminateConnectionsEndpoint(t *testing.T) {
	s := newTestServer(t)
	ws, socketID := s.connect(t)
	s.subscribe(t, ws, socketID, "presence-room", `{"user_id":"alice"}`)

	code, resp := s.api(t, http.MethodPost, "/apps/app/users/alice/terminate_connections", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), resp["terminated"])

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	code, resp = s.api(t, http.MethodGet, "/apps/app/connections", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), resp["connections"])
}

func TestUpEndpoint(t *testing.T) {
	s := newTestServer(t)
	code, resp := s.rawAPI(t, http.MethodGet, "/up", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", resp["health"])
}

func TestRejectHandshake(t *testing.T) {
	ws := &mockWsInteractor{}
	rejectHandshake(ws, assert.AnError)

	require.Len(t, ws.writes(), 1)
	assert.True(t, bytes.Contains(ws.written[0], []byte(eventError)))
	assert.True(t, ws.isClosed())
}
