package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"beacons/internal/auth"
	"beacons/internal/occupancy"
	"beacons/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The cookie-based token is the trust boundary; origins are open
		// so campus kiosk pages can embed the feed.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades /ws requests, authenticates them, and pumps commands
// into the occupancy manager.
type Handler struct {
	manager  *occupancy.Manager
	verifier *auth.Verifier
	config   Config
	logger   zerolog.Logger
}

// NewHandler creates a WebSocket handler bound to a manager and verifier.
func NewHandler(manager *occupancy.Manager, verifier *auth.Verifier, config Config, logger zerolog.Logger) *Handler {
	return &Handler{
		manager:  manager,
		verifier: verifier,
		config:   config.withDefaults(),
		logger:   logger.With().Str("component", "websocket").Logger(),
	}
}

// HandleWebSocket accepts a connection upgrade and then checks the
// access_token cookie. The upgrade happens first so that an invalid token
// yields a proper WebSocket close frame (policy violation) rather than an
// HTTP error the client library may swallow.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, authErr := h.verifier.VerifyRequest(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if authErr != nil {
		h.logger.Info().Err(authErr).Str("remote", r.RemoteAddr).Msg("rejecting unauthenticated websocket")
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
		return
	}

	wsConn := NewConnection(conn, h.config)
	userID := h.manager.Connect(r.Context(), wsConn, claims.Name, claims.Subject)

	go h.readLoop(wsConn, userID)
}

// readLoop owns the socket's read side: heartbeat deadlines, command
// dispatch, and disconnect cleanup.
func (h *Handler) readLoop(conn *Connection, userID string) {
	defer func() {
		if event, ok := h.manager.Disconnect(conn); ok {
			h.manager.Broadcast(event)
		}
		_ = conn.Close()
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		h.logger.Warn().Err(err).Msg("failed to set read deadline")
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("user_id", userID).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		h.dispatch(conn, userID, data)
	}
}

// dispatch parses one inbound frame and routes it. Plain "ping" frames
// and frames that are not valid command JSON are ignored; the deadline
// refresh in ReadMessage already did their job.
func (h *Handler) dispatch(conn *Connection, userID string, data []byte) {
	if string(data) == "ping" {
		return
	}

	var cmd types.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.logger.Debug().Str("user_id", userID).Msg("ignoring non-command frame")
		return
	}

	if err := cmd.Validate(); err != nil {
		if err == types.ErrInvalidCommand {
			h.logger.Debug().Str("user_id", userID).Str("type", cmd.Type).Msg("unknown command type")
			return
		}
		h.logger.Debug().Str("user_id", userID).Str("type", cmd.Type).Err(err).Msg("rejecting malformed command")
		h.replyError(conn, err.Error())
		return
	}

	ctx := context.Background()
	switch cmd.Type {
	case types.CommandCheckIn:
		h.manager.HandleCheckIn(ctx, conn, cmd)
	case types.CommandCheckOut:
		h.manager.HandleCheckOut(ctx, conn, cmd)
	case types.CommandSetUsername:
		h.manager.SetDisplayName(ctx, conn, cmd.Username)
	}
}

// replyError sends a private error event to one connection.
func (h *Handler) replyError(conn *Connection, message string) {
	event := types.Event{
		Type:      types.EventTypeError,
		Timestamp: time.Now(),
		Message:   message,
	}
	if err := conn.WriteJSON(event); err != nil {
		h.logger.Warn().Err(err).Msg("failed to send error reply")
	}
}
