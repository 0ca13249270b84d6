package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Time allowed to write a message to the peer.
const writeWait = 10 * time.Second

var upgrader = &websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked per application after the upgrade so the client
	// receives a Pusher error frame instead of a bare HTTP 403.
	CheckOrigin: func(*http.Request) bool { return true },
}

type websocketManager interface {
	wsSetReadLimit(limit int64)
	wsSetReadDeadline(deadline time.Time)
	wsSetPongHandler(touch func())
	wsReadMessage() (int, []byte, error)
	wsSetWriteDeadline()
	wsWriteMessage(int, []byte) error
	wsClose()
}

type websocketInteractor struct {
	ws *websocket.Conn
}

func (w websocketInteractor) wsSetReadLimit(limit int64) {
	w.ws.SetReadLimit(limit)
}

func (w websocketInteractor) wsSetReadDeadline(deadline time.Time) {
	w.ws.SetReadDeadline(deadline)
}

func (w websocketInteractor) wsSetPongHandler(touch func()) {
	w.ws.SetPongHandler(func(string) error { touch(); return nil })
}

func (w websocketInteractor) wsClose() {
	w.ws.Close()
}

func (w websocketInteractor) wsReadMessage() (messageType int, p []byte, err error) {
	return w.ws.ReadMessage()
}

func (w websocketInteractor) wsSetWriteDeadline() {
	w.ws.SetWriteDeadline(time.Now().Add(writeWait))
}

func (w websocketInteractor) wsWriteMessage(messageType int, payload []byte) error {
	return w.ws.WriteMessage(messageType, payload)
}
