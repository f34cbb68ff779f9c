// Package gateway is the realtime WebSocket front of the coordinator: it maps
// client intents to coordinator calls and fans coordinator events out to the
// clients subscribed to each session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ignacioreyna/omni-bot/internal/domain"
	"github.com/ignacioreyna/omni-bot/internal/hub"
)

// Coordinator is the subset of the coordinator the gateway drives.
type Coordinator interface {
	GetSession(ctx context.Context, id string) (domain.SessionRecord, bool, error)
	SendMessage(ctx context.Context, id, text string, opts domain.TurnOptions) error
	AbortSession(id string)
	IsSessionBusy(id string) bool
	CurrentStreamingText(id string) (string, bool)
	PendingPrompts(sessionID string) []domain.PendingPrompt
	PromptSession(promptID string) (string, bool)
	AllowPermission(promptID string) bool
	AllowSimilarPermission(promptID string) (string, bool)
	DenyPermission(promptID, reason string) bool
	AnswerQuestion(promptID string, answers map[string]string) bool
	CancelQuestion(promptID string) bool
}

// Authenticator resolves a connection token to its owner identity.
type Authenticator interface {
	Authenticate(token string) (owner string, err error)
}

// Options configure the gateway.
type Options struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	// RateLimit is the sustained number of intents per second a connection
	// may send; zero disables limiting.
	RateLimit float64
	RateBurst int

	// Auth is nil when authentication is disabled; connections then belong
	// to DefaultOwner.
	Auth         Authenticator
	DefaultOwner string
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= o.PingInterval {
		o.ReadTimeout = o.PingInterval * 2
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
}

// Server handles WebSocket connections.
type Server struct {
	opts     Options
	hub      *hub.Hub
	coord    Coordinator
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// ctx scopes turns started by clients; it ends with the server.
	ctx context.Context
}

// NewServer creates a new WebSocket server. Subscribe it to the coordinator
// to relay events.
func NewServer(ctx context.Context, h *hub.Hub, coord Coordinator, opts Options, logger *zap.Logger) *Server {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		opts:   opts,
		hub:    h,
		coord:  coord,
		logger: logger,
		ctx:    ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients reach the server through a private network or a
			// token; the origin carries no extra information.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return err
	}

	owner, err := s.authenticate(c.Request())
	if err != nil {
		s.logger.Info("websocket authentication failed", zap.Error(err))
		s.rejectAuth(ws, err)
		return nil
	}

	conn := s.hub.NewConnection(ws, owner)
	if err := s.hub.Register(conn); err != nil {
		s.logger.Info("websocket refused", zap.Error(err))
		_ = ws.Close()
		return nil
	}
	ws.SetReadLimit(s.opts.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.opts.Auth == nil {
		return s.opts.DefaultOwner, nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return "", errors.New("missing token")
	}
	return s.opts.Auth.Authenticate(token)
}

// rejectAuth tells the client why and closes the socket.
func (s *Server) rejectAuth(ws *websocket.Conn, err error) {
	frame, _ := json.Marshal(ServerMessage{
		Type: TypeAuthError,
		Data: ErrorData{Code: ErrorCodeUnauthorized, Message: err.Error()},
	})
	deadline := time.Now().Add(s.opts.WriteTimeout)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteMessage(websocket.TextMessage, frame)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), deadline)
	_ = ws.Close()
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	var limiter *rate.Limiter
	if s.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			s.sendError(conn, "", ErrorCodeRateLimited, "too many messages, slow down")
			continue
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				// Hub closed the channel
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("failed to write message", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "invalid message format")
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		s.handleSubscribe(conn, msg)
	case TypeUnsubscribe:
		s.handleUnsubscribe(conn, msg)
	case TypeMessage:
		s.handleSend(conn, msg)
	case TypeAbort:
		s.handleAbort(conn, msg)
	case TypePermissionResponse:
		s.handlePermissionResponse(conn, msg)
	case TypeQuestionResponse:
		s.handleQuestionResponse(conn, msg)
	case TypePing:
		s.send(conn, ServerMessage{Type: TypePong})
	default:
		s.sendError(conn, "", ErrorCodeInvalidMessage, "unknown message type: "+msg.Type)
	}
}

// authorize checks that the session exists and belongs to the connection.
func (s *Server) authorize(conn *hub.Connection, sessionID string) bool {
	if sessionID == "" {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "sessionId is required")
		return false
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	rec, found, err := s.coord.GetSession(ctx, sessionID)
	if err != nil {
		s.sendError(conn, sessionID, domain.ErrorCode(err), err.Error())
		return false
	}
	if !found {
		s.sendError(conn, sessionID, domain.ErrorCode(domain.ErrNotFound), "session not found")
		return false
	}
	if owner := rec.OwnerEmail(); owner != "" && owner != conn.Owner {
		s.sendError(conn, sessionID, ErrorCodeForbidden, "session belongs to another user")
		return false
	}
	return true
}

func (s *Server) handleSubscribe(conn *hub.Connection, msg ClientMessage) {
	if !s.authorize(conn, msg.SessionID) {
		return
	}
	if err := s.hub.Subscribe(conn, msg.SessionID); err != nil {
		s.sendError(conn, msg.SessionID, ErrorCodeInternal, err.Error())
		return
	}

	// The snapshot shares the broadcast queue so no older turn frame can
	// follow it.
	busy := s.coord.IsSessionBusy(msg.SessionID)
	text, _ := s.coord.CurrentStreamingText(msg.SessionID)
	s.enqueue(conn, ServerMessage{
		Type:      TypeSubscribed,
		SessionID: msg.SessionID,
		Data: SubscribedData{
			IsProcessing:   busy,
			StreamingText:  text,
			PendingPrompts: s.coord.PendingPrompts(msg.SessionID),
		},
	})
	s.logger.Debug("subscribed", zap.String("conn_id", conn.ID), zap.String("session_id", msg.SessionID))
}

func (s *Server) handleUnsubscribe(conn *hub.Connection, msg ClientMessage) {
	if msg.SessionID == "" {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "sessionId is required")
		return
	}
	s.hub.Unsubscribe(conn, msg.SessionID)
	s.send(conn, ServerMessage{Type: TypeUnsubscribed, SessionID: msg.SessionID})
}

func (s *Server) handleSend(conn *hub.Connection, msg ClientMessage) {
	if strings.TrimSpace(msg.Content) == "" {
		s.sendError(conn, msg.SessionID, ErrorCodeInvalidMessage, "content is required")
		return
	}
	if !s.authorize(conn, msg.SessionID) {
		return
	}
	opts := domain.TurnOptions{Origin: conn.ID}
	if msg.Options != nil {
		if msg.Options.Model != "" {
			model, ok := domain.ParseModel(msg.Options.Model)
			if !ok {
				s.sendError(conn, msg.SessionID, ErrorCodeInvalidMessage, "unknown model: "+msg.Options.Model)
				return
			}
			opts.Model = model
		}
		opts.PlanMode = msg.Options.PlanMode
	}
	// The sender follows the session it talks to.
	if err := s.hub.Subscribe(conn, msg.SessionID); err != nil {
		s.sendError(conn, msg.SessionID, ErrorCodeInternal, err.Error())
		return
	}

	// SendMessage blocks for the whole turn; never block the read loop.
	go func() {
		if err := s.coord.SendMessage(s.ctx, msg.SessionID, msg.Content, opts); err != nil {
			s.logger.Info("message refused",
				zap.String("session_id", msg.SessionID),
				zap.String("code", domain.ErrorCode(err)),
				zap.Error(err))
			s.sendError(conn, msg.SessionID, domain.ErrorCode(err), err.Error())
		}
	}()
}

func (s *Server) handleAbort(conn *hub.Connection, msg ClientMessage) {
	if !s.authorize(conn, msg.SessionID) {
		return
	}
	s.coord.AbortSession(msg.SessionID)
}

// promptAllowed checks the prompt is known and its session is followed by
// the connection.
func (s *Server) promptAllowed(conn *hub.Connection, promptID string) bool {
	if promptID == "" {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "id is required")
		return false
	}
	sessionID, ok := s.coord.PromptSession(promptID)
	if !ok {
		// Already resolved elsewhere; nothing to do.
		return false
	}
	if !conn.Subscribed(sessionID) {
		return s.authorize(conn, sessionID)
	}
	return true
}

func (s *Server) handlePermissionResponse(conn *hub.Connection, msg ClientMessage) {
	if !s.promptAllowed(conn, msg.ID) {
		return
	}
	switch {
	case msg.Allowed && msg.AllowSimilar:
		s.coord.AllowSimilarPermission(msg.ID)
	case msg.Allowed:
		s.coord.AllowPermission(msg.ID)
	default:
		s.coord.DenyPermission(msg.ID, msg.Message)
	}
}

func (s *Server) handleQuestionResponse(conn *hub.Connection, msg ClientMessage) {
	if !s.promptAllowed(conn, msg.ID) {
		return
	}
	if msg.Cancelled {
		s.coord.CancelQuestion(msg.ID)
		return
	}
	s.coord.AnswerQuestion(msg.ID, msg.Answers)
}

func (s *Server) send(conn *hub.Connection, msg ServerMessage) {
	if err := s.hub.SendJSONToConnection(conn, msg); err != nil {
		s.logger.Warn("failed to send to connection", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}

func (s *Server) enqueue(conn *hub.Connection, msg ServerMessage) {
	if err := s.hub.EnqueueJSON(conn, msg); err != nil {
		s.logger.Warn("failed to enqueue for connection", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, sessionID, code, message string) {
	s.send(conn, ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Data:      ErrorData{Code: code, Message: message},
	})
}
