package models

import (
	"time"
)

// User モデルの定義
// ActiveRoomIDがnilの場合はどのルームにも所属していない
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Login        string `gorm:"unique;not null"`
	ActiveRoomID *uint  `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Room モデルの定義
type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Users     []User `gorm:"foreignKey:ActiveRoomID"` // このルームをアクティブにしているユーザー
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Game is one play-through inside a room. The partial unique index keeps at
// most one unfinished game per room at the database level.
type Game struct {
	ID        uint       `gorm:"primaryKey"`
	RoomID    uint       `gorm:"not null;uniqueIndex:idx_games_active_room,where:finished = false"`
	Finished  bool       `gorm:"not null;default:false;index"`
	GameMoves []GameMove `gorm:"foreignKey:GameID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GameMove は1人のプレイヤーの出目。Result が0の場合はまだ振っていない
type GameMove struct {
	ID        uint `gorm:"primaryKey"`
	GameID    uint `gorm:"not null;uniqueIndex:idx_game_moves_game_user"`
	UserID    uint `gorm:"not null;uniqueIndex:idx_game_moves_game_user"`
	Result    int  `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pending reports whether the move still waits for its roll.
func (m GameMove) Pending() bool {
	return m.Result == 0
}

// FindMove returns the move owned by userID, or nil.
func (g *Game) FindMove(userID uint) *GameMove {
	for i := range g.GameMoves {
		if g.GameMoves[i].UserID == userID {
			return &g.GameMoves[i]
		}
	}
	return nil
}

// RemoveMove drops the cached move of userID and reports whether one existed.
func (g *Game) RemoveMove(userID uint) bool {
	for i := range g.GameMoves {
		if g.GameMoves[i].UserID == userID {
			g.GameMoves = append(g.GameMoves[:i], g.GameMoves[i+1:]...)
			return true
		}
	}
	return false
}
