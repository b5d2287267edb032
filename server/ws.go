package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // callers are authenticated by token, not origin
	},
}

// Message is one WebSocket frame. Clients send {"type":"query","content":...};
// the server answers with "stream" frames followed by "done", or "error".
type Message struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

type doneData struct {
	Refused    bool     `json:"refused"`
	Generation int64    `json:"generation"`
	Sources    []string `json:"sources"`
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID(c)).Msg("websocket upgrade failed")
		return nil
	}
	defer conn.Close()

	caller, _ := identityFrom(c)
	ctx := c.Request().Context()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("request_id", requestID(c)).Msg("websocket closed")
			}
			return nil
		}
		if msg.Type != "" && msg.Type != "query" {
			s.send(conn, Message{Type: "error", Content: "unsupported message type " + msg.Type})
			continue
		}
		if ok, retryAfter := s.queries.allow(callerKey(c)); !ok {
			s.send(conn, Message{Type: "error", Content: "rate limit exceeded", Data: map[string]int{
				"status":      http.StatusTooManyRequests,
				"retry_after": retryAfter,
			}})
			continue
		}

		// Streamed answers are not retried; the client sees the error frame.
		answer, err := s.query.AskStream(ctx, caller, msg.Content, func(chunk string) error {
			return conn.WriteJSON(Message{Type: "stream", Content: chunk})
		})
		if err != nil {
			he := s.httpError(c, err)
			s.send(conn, Message{Type: "error", Content: fmt.Sprint(he.Message), Data: map[string]int{"status": he.Code}})
			continue
		}
		s.send(conn, Message{Type: "done", Content: answer.Text, Data: doneData{
			Refused:    answer.Refused,
			Generation: answer.Result.Generation,
			Sources:    answer.Result.ChunkIDs(),
		}})
	}
}

func (s *Server) send(conn *websocket.Conn, msg Message) {
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("type", msg.Type).Msg("error sending websocket message")
	}
}
