package handlers

import (
	"encoding/json"
	"sync"
	"time"

	"diceserver/game"
	"diceserver/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second // 60秒の読み取りデッドライン
	pingPeriod     = 10 * time.Second // 10秒ごとにPingを送信
	maxMessageSize = 4096
	sendBuffer     = 64
)

type outbound struct {
	event string
	data  json.RawMessage
}

// Client is one websocket connection of an authenticated user.
type Client struct {
	id     string
	userID uint
	conn   *websocket.Conn
	send   chan outbound
	done   chan struct{}
	once   sync.Once

	// onJoined moves this connection to the room named in a JoinedRoom event.
	onJoined func(c *Client, roomID uint)
	logger   *zap.Logger
}

func newClient(id string, userID uint, conn *websocket.Conn, onJoined func(*Client, uint), logger *zap.Logger) *Client {
	return &Client{
		id:       id,
		userID:   userID,
		conn:     conn,
		send:     make(chan outbound, sendBuffer),
		done:     make(chan struct{}),
		onJoined: onJoined,
		logger:   logger.With(zap.String("connID", id), zap.Uint("userID", userID)),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues an event for the write pump. It never blocks; a full buffer or
// a closed client drops the event.
func (c *Client) Send(event string, data json.RawMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	if event == game.EventJoinedRoom && c.onJoined != nil {
		var joined game.JoinedRoom
		if err := json.Unmarshal(data, &joined); err == nil && joined.RoomID != 0 {
			c.onJoined(c, joined.RoomID)
		} else {
			c.logger.Warn("Malformed JoinedRoom event", zap.ByteString("data", data))
		}
	}
	select {
	case c.send <- outbound{event: event, data: data}:
		return true
	default:
		return false
	}
}

// SendPayload encodes payload and sends it to this connection only.
func (c *Client) SendPayload(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("Failed to encode payload", zap.String("event", event), zap.Error(err))
		return
	}
	if !c.Send(event, data) {
		c.logger.Warn("Dropped reply for slow connection", zap.String("event", event))
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump serializes all writes to the connection and keeps it alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(models.Message{Type: msg.event, Data: msg.data}); err != nil {
				c.logger.Info("Write failed, closing connection", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Info("Error sending ping", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}
