package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"diceserver/game"
	"diceserver/models"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultReadRetries = 3

// Store implements game.Store on top of gorm. Reads outside a transaction are
// retried with backoff; transactions are not, the caller decides.
type Store struct {
	db          *gorm.DB
	readRetries uint64
	logger      *zap.Logger
}

func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, readRetries: defaultReadRetries, logger: logger}
}

func (s *Store) Transaction(ctx context.Context, fn func(tx game.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *Store) FindUser(ctx context.Context, userID uint) (*models.User, error) {
	var user *models.User
	err := s.retryRead(ctx, "find user", func() error {
		var err error
		user, err = (&gormTx{db: s.db.WithContext(ctx)}).FindUser(userID)
		return err
	})
	return user, err
}

func (s *Store) RoomExists(ctx context.Context, roomID uint) (bool, error) {
	var n int64
	err := s.retryRead(ctx, "room exists", func() error {
		return s.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", roomID).Count(&n).Error
	})
	return n > 0, err
}

func (s *Store) ListRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	err := s.retryRead(ctx, "list rooms", func() error {
		rooms = rooms[:0]
		return s.db.WithContext(ctx).Order("id").Find(&rooms).Error
	})
	return rooms, err
}

// DeleteFinishedGamesBefore removes finished games last updated before cutoff,
// together with their moves, and returns the number of games deleted.
func (s *Store) DeleteFinishedGamesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&models.Game{}).
			Where("finished = ? AND updated_at < ?", true, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("game_id IN ?", ids).Delete(&models.GameMove{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&models.Game{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("delete finished games: %w", err)
	}
	return deleted, nil
}

func (s *Store) retryRead(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(eb, s.readRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && game.IsDomainError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		s.logger.Warn("Store read failed, retrying", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	})
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) FindUser(userID uint) (*models.User, error) {
	var user models.User
	if err := t.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, game.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (t *gormTx) CountActiveGames(roomID uint) (int64, error) {
	var n int64
	err := t.db.Model(&models.Game{}).Where("room_id = ? AND finished = ?", roomID, false).Count(&n).Error
	return n, err
}

func (t *gormTx) FindActiveGameWithMoves(roomID uint) (*models.Game, error) {
	var games []models.Game
	err := t.db.
		Preload("GameMoves", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("room_id = ? AND finished = ?", roomID, false).
		Limit(1).
		Find(&games).Error
	if err != nil {
		return nil, err
	}
	if len(games) == 0 {
		return nil, nil
	}
	return &games[0], nil
}

func (t *gormTx) CreateGameWithMoves(roomID uint, memberIDs []uint) (*models.Game, error) {
	g := models.Game{RoomID: roomID}
	for _, uid := range memberIDs {
		g.GameMoves = append(g.GameMoves, models.GameMove{UserID: uid})
	}
	if err := t.db.Create(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// UpdateMoveResult only touches a move that has not been rolled yet.
func (t *gormTx) UpdateMoveResult(moveID uint, result int) error {
	res := t.db.Model(&models.GameMove{}).Where("id = ? AND result = ?", moveID, 0).Update("result", result)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return game.ErrAlreadyRolled
	}
	return nil
}

func (t *gormTx) DeleteMove(gameID, userID uint) error {
	return t.db.Where("game_id = ? AND user_id = ?", gameID, userID).Delete(&models.GameMove{}).Error
}

func (t *gormTx) MarkGameFinished(gameID uint) error {
	res := t.db.Model(&models.Game{}).Where("id = ? AND finished = ?", gameID, false).Update("finished", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return game.ErrGameAlreadyFinished
	}
	return nil
}

// SetUserActiveRoom is a compare-and-set on active_room_id, so a concurrent
// move of the same user makes exactly one of the updates apply.
func (t *gormTx) SetUserActiveRoom(userID uint, from, to *uint) (bool, error) {
	var value any
	if to != nil {
		value = *to
	}
	q := t.db.Model(&models.User{}).Where("id = ?", userID)
	if from == nil {
		q = q.Where("active_room_id IS NULL")
	} else {
		q = q.Where("active_room_id = ?", *from)
	}
	res := q.Update("active_room_id", value)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (t *gormTx) GetRoomMembers(roomID uint) ([]uint, error) {
	var ids []uint
	err := t.db.Model(&models.User{}).Where("active_room_id = ?", roomID).Order("id").Pluck("id", &ids).Error
	return ids, err
}
