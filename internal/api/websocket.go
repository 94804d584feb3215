package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oslund/steward/internal/llm"
)

// upgrader accepts any origin: the server is meant to sit behind a
// reverse proxy that enforces access control.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsEvent is one server-to-client frame. Type is "history" for a
// snapshot, "done" when the turn finished, "error" for protocol errors.
type wsEvent struct {
	Type    string        `json:"type"`
	History []llm.Message `json:"history,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// handleWebSocket runs chat turns over a WebSocket. The client sends a
// ChatRequest frame per turn; the server answers with history frames
// followed by a done frame. One turn runs at a time per connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		model := req.Model
		if model == "" {
			model = s.cfg.Models.Default
		}

		for snapshot := range s.svc.Chat(r.Context(), req.Message, req.History, model) {
			if err := s.writeEvent(conn, wsEvent{Type: "history", History: snapshot}); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
		if err := s.writeEvent(conn, wsEvent{Type: "done"}); err != nil {
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, event wsEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}
