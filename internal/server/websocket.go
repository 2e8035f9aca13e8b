package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"

	"github.com/amon-ai/amon/internal/permission"
	"github.com/amon-ai/amon/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSCommand is a client message on the websocket channel.
type WSCommand struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	// prompt
	Text           string               `json:"text,omitempty"`
	PermissionMode types.PermissionMode `json:"permissionMode,omitempty"`
	MaxTurns       int                  `json:"maxTurns,omitempty"`

	// permission
	Behavior     types.Behavior `json:"behavior,omitempty"`
	Message      string         `json:"message,omitempty"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Remember     bool           `json:"remember,omitempty"`

	// question
	Answers types.Answers `json:"answers,omitempty"`
}

// WSReply acknowledges a command. Notifications are sent as bare event
// envelopes.
type WSReply struct {
	ID    string       `json:"id,omitempty"`
	Type  string       `json:"type"`
	OK    bool         `json:"ok"`
	Error *ErrorDetail `json:"error,omitempty"`
}

// wsConn serializes writes to one websocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// serveWebsocket handles GET /ws. The socket carries every notification and
// accepts commands; an optional sessionID parameter filters notifications.
func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	messages, err := s.bus.Stream(ctx)
	if err != nil {
		return
	}

	go s.wsForward(ctx, conn, messages, sessionID)

	raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cmd WSCommand
		if err := raw.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		if err := conn.writeJSON(s.wsHandle(ctx, cmd)); err != nil {
			return
		}
	}
}

func (s *Server) wsForward(ctx context.Context, conn *wsConn, messages <-chan *message.Message, sessionID string) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			msg.Ack()
			if !belongsToSession(msg, sessionID) {
				continue
			}
			if err := conn.write(websocket.TextMessage, msg.Payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsHandle runs one command and builds its reply.
func (s *Server) wsHandle(ctx context.Context, cmd WSCommand) WSReply {
	reply := WSReply{ID: cmd.ID, Type: cmd.Type, OK: true}

	var err error
	switch cmd.Type {
	case "ping":
		reply.Type = "pong"
	case "prompt":
		err = s.startPrompt(ctx, cmd.SessionID, PromptRequest{
			Text:           cmd.Text,
			PermissionMode: cmd.PermissionMode,
			MaxTurns:       cmd.MaxTurns,
		})
	case "interrupt":
		err = s.orch.Interrupt(ctx, cmd.SessionID)
	case "permission":
		err = s.resolvePermission(cmd.RequestID, PermissionResponse{
			Behavior:     cmd.Behavior,
			Message:      cmd.Message,
			UpdatedInput: cmd.UpdatedInput,
			Remember:     cmd.Remember,
		})
	case "question":
		if !s.broker.ResolveUserChoice(cmd.RequestID, cmd.Answers) {
			err = permission.ErrNotFound
		}
	default:
		reply.OK = false
		reply.Error = &ErrorDetail{Code: ErrCodeInvalidRequest, Message: "unknown command " + cmd.Type}
	}

	if err != nil {
		_, detail := failure(err)
		reply.OK = false
		reply.Error = &detail
	}
	return reply
}
