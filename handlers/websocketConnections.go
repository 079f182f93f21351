package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"diceserver/game"
	"diceserver/middlewares"
	"diceserver/models"
	"diceserver/session"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	cleanupTimeout = 10 * time.Second
	// presence のTTLより十分短くすること
	defaultPresenceRefresh = time.Hour
)

// Engine is the game service as seen by the websocket layer.
type Engine interface {
	ActiveRoom(ctx context.Context, userID uint) (*uint, error)
	ListRooms(ctx context.Context) ([]game.RoomSummary, error)
	JoinRoom(ctx context.Context, userID, roomID uint, conn session.Conn) error
	RequestGameStart(ctx context.Context, userID uint) error
	RequestDieRoll(ctx context.Context, userID uint) error
	LeaveRoom(ctx context.Context, userID uint) error
}

type Sessions interface {
	Attach(c session.Conn, userChannel string)
	Detach(c session.Conn, userChannel string)
	SwitchRoomChannel(c session.Conn, newRoom, oldRoom string)
}

type Presence interface {
	Add(ctx context.Context, userID uint, connID string) error
	Remove(ctx context.Context, userID uint, connID string) (int64, error)
}

// TaskRunner runs inbound actions with bounded concurrency. *ants.Pool
// satisfies it.
type TaskRunner interface {
	Submit(task func()) error
}

type WebSocketHandler struct {
	engine            Engine
	sessions          Sessions
	presence          Presence
	tasks             TaskRunner
	upgrader          websocket.Upgrader
	leaveOnDisconnect bool
	presenceRefresh   time.Duration
	logger            *zap.Logger
}

type WebSocketOptions struct {
	AllowOrigins      []string
	LeaveOnDisconnect bool
	// PresenceRefresh is how often a live connection re-registers its
	// presence. Zero means one hour.
	PresenceRefresh time.Duration
}

func NewWebSocketHandler(engine Engine, sessions Sessions, presence Presence, tasks TaskRunner,
	opts WebSocketOptions, logger *zap.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		engine:   engine,
		sessions: sessions,
		presence: presence,
		tasks:    tasks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(opts.AllowOrigins),
		},
		leaveOnDisconnect: opts.LeaveOnDisconnect,
		presenceRefresh:   opts.PresenceRefresh,
		logger:            logger,
	}
	if h.presenceRefresh <= 0 {
		h.presenceRefresh = defaultPresenceRefresh
	}
	return h
}

// checkOrigin accepts any origin when none are configured.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeWS upgrades an authenticated request and serves the connection until
// it closes. It must run behind middlewares.AuthMiddleware.
func (h *WebSocketHandler) ServeWS(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := middlewares.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	activeRoom, err := h.engine.ActiveRoom(ctx, userID)
	if err != nil {
		if errors.Is(err, game.ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		h.logger.Error("Failed to load user", zap.Uint("userID", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	// WebSocket接続へのアップグレードと確立
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Error upgrading WebSocket", zap.Error(err))
		return
	}

	client := newClient(uuid.NewString(), userID, conn, h.followRoom, h.logger)
	h.sessions.Attach(client, models.UserChannel(userID))
	if activeRoom != nil {
		h.sessions.SwitchRoomChannel(client, models.RoomChannel(*activeRoom), "")
	}
	if err := h.presence.Add(context.WithoutCancel(ctx), userID, client.id); err != nil {
		h.logger.Warn("Failed to record presence", zap.Uint("userID", userID), zap.Error(err))
	}
	client.logger.Info("New client added", zap.Any("activeRoom", activeRoom))

	refreshed := make(chan struct{})
	go func() {
		defer close(refreshed)
		h.keepPresence(client)
	}()
	go client.writePump()
	h.readPump(client)
	client.close()
	// 切断後に presence が再登録されないよう更新ループの終了を待つ
	<-refreshed
	h.disconnect(client)
}

// keepPresence re-registers the connection periodically so the presence TTL
// never expires under a long-lived connection.
func (h *WebSocketHandler) keepPresence(c *Client) {
	ticker := time.NewTicker(h.presenceRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			err := h.presence.Add(ctx, c.userID, c.id)
			cancel()
			if err != nil {
				c.logger.Warn("Failed to refresh presence", zap.Error(err))
			}
		}
	}
}

func (h *WebSocketHandler) followRoom(c *Client, roomID uint) {
	h.sessions.SwitchRoomChannel(c, models.RoomChannel(roomID), "")
}

// readPump reads client events one at a time. Each action runs on the task
// pool; the next event is read once it completes, so a connection's actions
// keep their order.
func (h *WebSocketHandler) readPump(c *Client) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}

		var msg models.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Info("Error decoding message", zap.Error(err))
			continue
		}

		done := make(chan struct{})
		if err := h.tasks.Submit(func() {
			defer close(done)
			h.dispatch(c, msg)
		}); err != nil {
			c.logger.Error("Failed to schedule action", zap.String("type", msg.Type), zap.Error(err))
			h.replyFailure(c, msg.Type, err)
			continue
		}
		<-done
	}
}

// dispatch メッセージタイプに基づいて適切なアクションを実行
func (h *WebSocketHandler) dispatch(c *Client, msg models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch msg.Type {
	case game.EventRoomListRequested:
		rooms, err := h.engine.ListRooms(ctx)
		if err != nil {
			c.logger.Error("Failed to list rooms", zap.Error(err))
			return
		}
		c.SendPayload(game.EventRoomListGenerated, rooms)

	case game.EventRoomJoinRequested:
		var req game.JoinRoomRequest
		if err := decodeData(msg.Data, &req); err != nil {
			h.replyFailure(c, msg.Type, err)
			return
		}
		if req.RoomID == 0 {
			h.replyFailure(c, msg.Type, game.ErrInvalidRoomID)
			return
		}
		if err := h.engine.JoinRoom(ctx, c.userID, req.RoomID, c); err != nil {
			h.replyFailure(c, msg.Type, err)
		}

	case game.EventGameStartRequested:
		if err := h.engine.RequestGameStart(ctx, c.userID); err != nil {
			h.logAction(c, msg.Type, err)
		}

	case game.EventDieRollRequested:
		if err := h.engine.RequestDieRoll(ctx, c.userID); err != nil {
			h.replyFailure(c, msg.Type, err)
		}

	default:
		c.logger.Info("Received unknown message type", zap.String("type", msg.Type))
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return game.ErrInvalidEvent
	}
	if err := json.Unmarshal(data, v); err != nil {
		return game.ErrInvalidEvent
	}
	return nil
}

// failureEvents maps a request to the event that reports its failure.
// Requests without an entry fail silently.
var failureEvents = map[string]string{
	game.EventRoomJoinRequested: game.EventRoomJoinFailed,
	game.EventDieRollRequested:  game.EventDieRollFailed,
}

func (h *WebSocketHandler) replyFailure(c *Client, request string, err error) {
	h.logAction(c, request, err)
	if event, ok := failureEvents[request]; ok {
		c.SendPayload(event, game.Failure{Error: game.ClientMessage(err)})
	}
}

func (h *WebSocketHandler) logAction(c *Client, request string, err error) {
	if game.IsDomainError(err) || game.IsValidationError(err) {
		c.logger.Warn("Action rejected", zap.String("type", request), zap.Error(err))
		return
	}
	c.logger.Error("Action failed", zap.String("type", request), zap.Error(err))
}

// disconnect detaches the connection and, once the user has no connection
// left on any instance, optionally removes them from their room.
func (h *WebSocketHandler) disconnect(c *Client) {
	c.close()
	h.sessions.Detach(c, models.UserChannel(c.userID))
	c.logger.Info("Client removed")

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	remaining, err := h.presence.Remove(ctx, c.userID, c.id)
	if err != nil {
		c.logger.Error("Failed to update presence", zap.Error(err))
		return
	}
	if remaining > 0 || !h.leaveOnDisconnect {
		return
	}
	if err := h.engine.LeaveRoom(ctx, c.userID); err != nil && !errors.Is(err, game.ErrNotInRoom) {
		c.logger.Error("Disconnect cleanup failed", zap.Error(err))
	}
}
