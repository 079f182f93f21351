// Package session keeps the per-instance table of which local connections
// listen on which logical channel (user:<id>, room:<id>).
package session

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Conn is a connection attached to this instance.
type Conn interface {
	ID() string
	// Send queues an event for the connection and reports whether it was accepted.
	Send(event string, data json.RawMessage) bool
}

// Registry maps channels to the local connections subscribed to them. It is
// never shared across instances; the bus brings remote events here.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]Conn
	rooms    map[string]string   // 接続ID -> 現在のルームチャンネル
	attached map[string]struct{} // Attach済みでDetachされていない接続ID
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		channels: make(map[string]map[string]Conn),
		rooms:    make(map[string]string),
		attached: make(map[string]struct{}),
		logger:   logger,
	}
}

func (r *Registry) Subscribe(channel string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribeLocked(channel, c)
}

func (r *Registry) Unsubscribe(channel string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(channel, c)
}

func (r *Registry) subscribeLocked(channel string, c Conn) {
	conns, ok := r.channels[channel]
	if !ok {
		conns = make(map[string]Conn)
		r.channels[channel] = conns
	}
	conns[c.ID()] = c
}

func (r *Registry) unsubscribeLocked(channel string, c Conn) {
	conns, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(conns, c.ID())
	if len(conns) == 0 {
		delete(r.channels, channel)
	}
}

// Attach subscribes a new connection to its user channel.
func (r *Registry) Attach(c Conn, userChannel string) {
	r.mu.Lock()
	r.subscribeLocked(userChannel, c)
	r.attached[c.ID()] = struct{}{}
	r.mu.Unlock()
	r.logger.Debug("Connection attached", zap.String("connID", c.ID()), zap.String("channel", userChannel))
}

// Detach removes the connection from its user channel and from whatever room
// channel it currently follows.
func (r *Registry) Detach(c Conn, userChannel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(userChannel, c)
	delete(r.attached, c.ID())
	if room, ok := r.rooms[c.ID()]; ok {
		r.unsubscribeLocked(room, c)
		delete(r.rooms, c.ID())
	}
}

// SwitchRoomChannel moves the connection to newRoom. The new channel is joined
// before the old one is left so no event addressed to either is missed.
// oldRoom may be empty, in which case the currently tracked room is left.
// Connections that are not attached are ignored.
func (r *Registry) SwitchRoomChannel(c Conn, newRoom, oldRoom string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attached[c.ID()]; !ok {
		r.logger.Debug("Ignored room switch for detached connection", zap.String("connID", c.ID()), zap.String("room", newRoom))
		return
	}
	if oldRoom == "" {
		oldRoom = r.rooms[c.ID()]
	}
	r.subscribeLocked(newRoom, c)
	r.rooms[c.ID()] = newRoom
	if oldRoom != "" && oldRoom != newRoom {
		r.unsubscribeLocked(oldRoom, c)
	}
}

// RoomChannel returns the room channel the connection follows, if any.
func (r *Registry) RoomChannel(c Conn) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[c.ID()]
}

// Deliver pushes an event to every local connection on channel and returns the
// number of connections that accepted it.
func (r *Registry) Deliver(channel, event string, data json.RawMessage) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.channels[channel]))
	for _, c := range r.channels[channel] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Send(event, data) {
			delivered++
		} else {
			r.logger.Warn("Dropped event for slow connection",
				zap.String("connID", c.ID()), zap.String("channel", channel), zap.String("event", event))
		}
	}
	return delivered
}

// Count returns the number of local connections on channel.
func (r *Registry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}
