package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"agenthub/internal/huberr"
)

const wsWriteTimeout = 10 * time.Second

// The hub binds to loopback; cross-origin browser pages are rejected by the
// default origin check, local tools connect without an Origin header.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleEventsWS streams bus events as JSON text frames. The first frame is
// the snapshot hello.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := s.hub.Bus.Subscribe()
	defer func() {
		s.hub.Bus.Unsubscribe(sub)
		conn.Close()
	}()

	// Reader exists only to observe the close handshake.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-readerDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// terminalFrame is a client-to-server message on the terminal socket.
// Binary frames bypass JSON and are written to the PTY verbatim.
type terminalFrame struct {
	Type string `json:"type"` // input | resize | submit
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// handleTerminalWS attaches to a live chat PTY: backlog replay first, then
// live output as binary frames; input and resize arrive from the client.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	rt := s.hub.Runtimes.Get(chatID)
	if rt == nil {
		writeError(w, huberr.Conflict("chat %s has no running process", chatID))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	backlog, listener := rt.Attach()
	defer rt.Detach(listener)

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if len(backlog) > 0 {
		if err := conn.WriteMessage(websocket.BinaryMessage, backlog); err != nil {
			return
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for chunk := range listener.C {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
		// Listener channel closed: the process exited.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "process exited")
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			if _, err := rt.Write(payload); err != nil {
				slog.Debug("Terminal write failed", "chat_id", chatID, "error", err)
			}
		case websocket.TextMessage:
			var frame terminalFrame
			if json.Unmarshal(payload, &frame) != nil {
				// Plain text from simple clients goes straight to the PTY.
				_, _ = rt.Write(payload)
				continue
			}
			switch frame.Type {
			case "input":
				_, _ = rt.Write([]byte(frame.Data))
			case "submit":
				_, _ = rt.Write(append([]byte(frame.Data), '\r'))
			case "resize":
				if err := rt.Resize(frame.Cols, frame.Rows); err != nil {
					slog.Debug("Terminal resize failed", "chat_id", chatID, "error", err)
				}
			default:
				_, _ = rt.Write(payload)
			}
		}
	}
	<-writerDone
}
