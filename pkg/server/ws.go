package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cexll/genbridge/pkg/event"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// wsInbound is a client message. The only command is {"type":"cancel"}.
type wsInbound struct {
	Type string `json:"type"`
}

// handleWebSocket delivers the events of a stream as JSON text messages and
// closes the socket after the terminal event. Clients may cancel the stream
// over the same socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("stream")
	sub, err := s.bridge.Subscribe(streamID, event.LastEventSeq(r))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		s.logger.Debug("ws: set read deadline", "stream_id", streamID, "err", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wsInbound
			if json.Unmarshal(raw, &msg) != nil || msg.Type != "cancel" {
				continue
			}
			if err := s.bridge.CancelStream(streamID); err != nil {
				s.logger.Debug("ws: cancel", "stream_id", streamID, "err", err)
			}
		}
	}()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"))
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
