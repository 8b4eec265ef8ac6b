package api

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/nlq"
)

// WSQueryRequest is one question sent over the query socket.
type WSQueryRequest struct {
	Question string `json:"question"`
}

// handleQueryStream upgrades to WebSocket and streams answers: "chunk"
// events carry prose as it is synthesized, then a single "done" event
// carries the complete answer. The socket stays open for further
// questions.
func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Query == nil {
		http.Error(w, "Query engine unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	go s.serveQuerySocket(conn, GetUserID(r.Context()))
}

func (s *Server) serveQuerySocket(conn *websocket.Conn, userID string) {
	defer conn.Close()

	// The request context dies when the HTTP handler returns, so the
	// session carries its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.logger.Debug("Query socket opened", zap.String("user_id", userID))

	var writeMu sync.Mutex
	send := func(ev nlq.StreamEvent) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(ev)
	}

	for {
		var req WSQueryRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Query socket read failed", zap.Error(err))
			}
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			if err := send(nlq.StreamEvent{Type: "error", Content: "question is required"}); err != nil {
				return
			}
			continue
		}

		events := s.deps.Query.AnswerStream(ctx, req.Question)
		for ev := range events {
			if err := send(ev); err != nil {
				cancel()
				for range events {
				}
				return
			}
		}
	}
}
