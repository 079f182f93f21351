package game

import (
	"context"
	"time"

	"diceserver/lock"
	"diceserver/models"
	"diceserver/session"
)

// Store is the durable relational store. Reads outside Transaction are only
// used for validation before a lock is taken.
type Store interface {
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	FindUser(ctx context.Context, userID uint) (*models.User, error)
	RoomExists(ctx context.Context, roomID uint) (bool, error)
	ListRooms(ctx context.Context) ([]models.Room, error)
}

// Tx is the set of statements available inside one store transaction.
type Tx interface {
	FindUser(userID uint) (*models.User, error)
	CountActiveGames(roomID uint) (int64, error)
	// FindActiveGameWithMoves returns nil when the room has no unfinished game.
	FindActiveGameWithMoves(roomID uint) (*models.Game, error)
	CreateGameWithMoves(roomID uint, memberIDs []uint) (*models.Game, error)
	UpdateMoveResult(moveID uint, result int) error
	DeleteMove(gameID, userID uint) error
	MarkGameFinished(gameID uint) error
	// SetUserActiveRoom moves the user from one room to another (nil for no
	// room). It reports false, without changing anything, when the stored
	// room is not from or the user does not exist.
	SetUserActiveRoom(userID uint, from, to *uint) (bool, error)
	GetRoomMembers(roomID uint) ([]uint, error)
}

type Locker interface {
	Acquire(ctx context.Context, roomID uint, timeout time.Duration) (lock.Token, error)
	Release(ctx context.Context, token lock.Token) error
}

type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// Subscriptions is the part of the session registry driven by a room join.
type Subscriptions interface {
	SwitchRoomChannel(c session.Conn, newRoom, oldRoom string)
}
