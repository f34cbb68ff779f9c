package gateway

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ignacioreyna/omni-bot/internal/coordinator"
	"github.com/ignacioreyna/omni-bot/internal/domain"
)

var _ coordinator.Observer = (*Server)(nil)

func (s *Server) broadcast(sessionID, kind string, data any, except string) {
	msg := ServerMessage{Type: kind, SessionID: sessionID, Data: data}
	if err := s.hub.BroadcastJSON(sessionID, msg, except); err != nil {
		s.logger.Error("failed to encode event", zap.String("type", kind), zap.Error(err))
	}
}

func (s *Server) SessionUpdated(rec domain.SessionRecord) {
	s.broadcast(rec.ID(), TypeSessionUpdated, rec, "")
}

func (s *Server) SessionDeleted(sessionID string) {
	s.broadcast(sessionID, TypeSessionDeleted, nil, "")
}

// UserMessage skips the connection that sent the message; it rendered it
// already.
func (s *Server) UserMessage(msg domain.Message, origin string) {
	s.broadcast(msg.SessionID, TypeUserMessage, msg, origin)
}

// Event drops raw runtime events; clients render the typed ones.
func (s *Server) Event(string, json.RawMessage) {}

func (s *Server) Text(sessionID, text string) {
	s.broadcast(sessionID, TypeText, text, "")
}

func (s *Server) ToolUse(sessionID string, tool domain.ToolUse) {
	s.broadcast(sessionID, TypeTool, tool, "")
}

func (s *Server) Result(sessionID string, result domain.ResultData) {
	s.broadcast(sessionID, TypeResult, result, "")
}

func (s *Server) Error(sessionID string, err error) {
	s.broadcast(sessionID, TypeError, ErrorData{Code: domain.ErrorCode(err), Message: err.Error()}, "")
}

func (s *Server) PermissionRequested(prompt domain.PendingPrompt) {
	s.broadcast(prompt.SessionID, TypePermissionRequest, prompt, "")
}

func (s *Server) QuestionRequested(prompt domain.PendingPrompt) {
	s.broadcast(prompt.SessionID, TypeClaudeQuestion, prompt, "")
}
