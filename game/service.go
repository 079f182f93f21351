// Package game implements the room and game rules. Every mutation of a room's
// game state runs under that room's distributed lock, inside one store
// transaction, and its events are published before the lock is released.
package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"diceserver/models"
	"diceserver/session"

	"go.uber.org/zap"
)

const (
	defaultLockWait       = 3 * time.Second
	releaseTimeout        = 2 * time.Second
	maxMembershipAttempts = 3
)

// Roller produces one die result in [MinDieValue, MaxDieValue].
type Roller func() int

func defaultRoller() int {
	return rand.Intn(MaxDieValue) + MinDieValue
}

type Service struct {
	store    Store
	locker   Locker
	bus      Publisher
	subs     Subscriptions
	roll     Roller
	lockWait time.Duration
	logger   *zap.Logger
}

type Option func(*Service)

func WithRoller(r Roller) Option {
	return func(s *Service) { s.roll = r }
}

func WithLockWait(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockWait = d
		}
	}
}

// WithSubscriptions lets JoinRoom move the requesting connection to the new
// room channel.
func WithSubscriptions(subs Subscriptions) Option {
	return func(s *Service) { s.subs = subs }
}

func NewService(store Store, locker Locker, bus Publisher, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		locker:   locker,
		bus:      bus,
		roll:     defaultRoller,
		lockWait: defaultLockWait,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActiveRoom returns the user's current room, or nil.
func (s *Service) ActiveRoom(ctx context.Context, userID uint) (*uint, error) {
	user, err := s.store.FindUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.ActiveRoomID, nil
}

// ListRooms returns every room. It takes no lock.
func (s *Service) ListRooms(ctx context.Context) ([]RoomSummary, error) {
	rooms, err := s.store.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	out := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomSummary{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

// RequestGameStart creates a game in the user's active room with one pending
// move per current member and announces it on the room channel.
func (s *Service) RequestGameStart(ctx context.Context, userID uint) error {
	ctx = context.WithoutCancel(ctx)
	return s.forActiveRoom(ctx, userID, func(ctx context.Context, roomID uint) error {
		var game *models.Game
		err := s.store.Transaction(ctx, func(tx Tx) error {
			if err := checkMembership(tx, userID, &roomID); err != nil {
				return err
			}
			n, err := tx.CountActiveGames(roomID)
			if err != nil {
				return fmt.Errorf("count active games: %w", err)
			}
			if n > 0 {
				return ErrGameInProgress
			}
			members, err := tx.GetRoomMembers(roomID)
			if err != nil {
				return fmt.Errorf("get room members: %w", err)
			}
			game, err = tx.CreateGameWithMoves(roomID, members)
			if err != nil {
				return fmt.Errorf("create game: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		s.logger.Info("Game started",
			zap.Uint("roomID", roomID), zap.Uint("gameID", game.ID), zap.Int("players", len(game.GameMoves)))
		s.publish(ctx, models.RoomChannel(roomID), EventGameStarted,
			GameStarted{GameID: game.ID, PlayerCount: len(game.GameMoves)})
		return nil
	})
}

// RequestDieRoll rolls the user's pending move in the active game of the
// user's room. The roll that completes the game also finishes it.
func (s *Service) RequestDieRoll(ctx context.Context, userID uint) error {
	ctx = context.WithoutCancel(ctx)
	return s.forActiveRoom(ctx, userID, func(ctx context.Context, roomID uint) error {
		var (
			result   int
			finished *GameFinished
		)
		err := s.store.Transaction(ctx, func(tx Tx) error {
			if err := checkMembership(tx, userID, &roomID); err != nil {
				return err
			}
			game, err := tx.FindActiveGameWithMoves(roomID)
			if err != nil {
				return fmt.Errorf("find active game: %w", err)
			}
			if game == nil {
				return ErrNoActiveGame
			}
			move := game.FindMove(userID)
			if move == nil {
				return ErrNotParticipant
			}
			if !move.Pending() {
				return ErrAlreadyRolled
			}

			result = s.roll()
			if result < MinDieValue || result > MaxDieValue {
				return fmt.Errorf("die result %d out of range", result)
			}
			if err := tx.UpdateMoveResult(move.ID, result); err != nil {
				return fmt.Errorf("update move: %w", err)
			}
			move.Result = result

			finished, err = finishIfComplete(tx, game)
			return err
		})
		if err != nil {
			return err
		}

		s.logger.Info("Die rolled", zap.Uint("roomID", roomID), zap.Uint("userID", userID), zap.Int("result", result))
		s.publish(ctx, models.RoomChannel(roomID), EventDieRolled, DieRolled{Result: result, UserID: userID})
		if finished != nil {
			s.logger.Info("Game finished",
				zap.Uint("roomID", roomID), zap.Int("maxScore", finished.MaxScore), zap.Any("winners", finished.WinnerIDs))
			s.publish(ctx, models.RoomChannel(roomID), EventGameFinished, finished)
		}
		return nil
	})
}

// JoinRoom moves the user into roomID. Leaving the previous room happens in
// the same transaction, under the previous room's lock. A user with no room
// joins without a lock; the conditional membership update retries the join
// if another request moved the user meanwhile. conn, when not nil, is
// switched to the new room channel before JoinedRoom is sent.
func (s *Service) JoinRoom(ctx context.Context, userID, roomID uint, conn session.Conn) error {
	if roomID == 0 {
		return ErrInvalidRoomID
	}
	ctx = context.WithoutCancel(ctx)

	var oldRoomID *uint
	for attempt := 1; ; attempt++ {
		user, err := s.store.FindUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.ActiveRoomID != nil && *user.ActiveRoomID == roomID {
			s.logger.Debug("User already in room", zap.Uint("userID", userID), zap.Uint("roomID", roomID))
			return nil
		}
		exists, err := s.store.RoomExists(ctx, roomID)
		if err != nil {
			return fmt.Errorf("check room: %w", err)
		}
		if !exists {
			return ErrRoomNotFound
		}

		oldRoomID = user.ActiveRoomID
		apply := func(ctx context.Context) error {
			var finished *GameFinished
			err := s.store.Transaction(ctx, func(tx Tx) error {
				if err := checkMembership(tx, userID, oldRoomID); err != nil {
					return err
				}
				if oldRoomID != nil {
					var err error
					if finished, err = removeFromRoom(tx, userID, *oldRoomID); err != nil {
						return err
					}
				}
				// ロックなしで入室する場合も条件付き更新で競合を検出する
				return moveUser(tx, userID, nil, &roomID)
			})
			if err != nil {
				return err
			}
			if finished != nil {
				s.publish(ctx, models.RoomChannel(*oldRoomID), EventGameFinished, finished)
			}
			return nil
		}

		if oldRoomID != nil {
			err = s.withRoomLock(ctx, *oldRoomID, apply)
		} else {
			err = apply(ctx)
		}
		if errors.Is(err, errMembershipChanged) && attempt < maxMembershipAttempts {
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	oldChannel := ""
	if oldRoomID != nil {
		oldChannel = models.RoomChannel(*oldRoomID)
	}
	if conn != nil && s.subs != nil {
		s.subs.SwitchRoomChannel(conn, models.RoomChannel(roomID), oldChannel)
	}
	s.logger.Info("User joined room", zap.Uint("userID", userID), zap.Uint("roomID", roomID))
	s.publish(ctx, models.UserChannel(userID), EventJoinedRoom, JoinedRoom{RoomID: roomID})
	return nil
}

// LeaveRoom removes the user from the active room, as on the last disconnect.
func (s *Service) LeaveRoom(ctx context.Context, userID uint) error {
	ctx = context.WithoutCancel(ctx)
	return s.forActiveRoom(ctx, userID, func(ctx context.Context, roomID uint) error {
		var finished *GameFinished
		err := s.store.Transaction(ctx, func(tx Tx) error {
			if err := checkMembership(tx, userID, &roomID); err != nil {
				return err
			}
			var err error
			finished, err = removeFromRoom(tx, userID, roomID)
			return err
		})
		if err != nil {
			return err
		}
		s.logger.Info("User left room", zap.Uint("userID", userID), zap.Uint("roomID", roomID))
		if finished != nil {
			s.publish(ctx, models.RoomChannel(roomID), EventGameFinished, finished)
		}
		return nil
	})
}

// forActiveRoom runs fn under the lock of the user's active room. fn must
// confirm the membership in its transaction; if it moved meanwhile the whole
// attempt starts over.
func (s *Service) forActiveRoom(ctx context.Context, userID uint, fn func(ctx context.Context, roomID uint) error) error {
	for attempt := 1; ; attempt++ {
		user, err := s.store.FindUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.ActiveRoomID == nil {
			return ErrNotInRoom
		}
		roomID := *user.ActiveRoomID
		err = s.withRoomLock(ctx, roomID, func(ctx context.Context) error {
			return fn(ctx, roomID)
		})
		if errors.Is(err, errMembershipChanged) && attempt < maxMembershipAttempts {
			s.logger.Debug("Active room changed, retrying", zap.Uint("userID", userID), zap.Int("attempt", attempt))
			continue
		}
		return err
	}
}

func (s *Service) withRoomLock(ctx context.Context, roomID uint, fn func(ctx context.Context) error) error {
	token, err := s.locker.Acquire(ctx, roomID, s.lockWait)
	if err != nil {
		return fmt.Errorf("lock room %d: %w", roomID, err)
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := s.locker.Release(relCtx, token); err != nil {
			s.logger.Error("Failed to release room lock", zap.Uint("roomID", roomID), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// publish logs instead of failing: the state change is already committed.
func (s *Service) publish(ctx context.Context, channel, event string, payload any) {
	if err := s.bus.Publish(ctx, channel, event, payload); err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("channel", channel), zap.String("event", event), zap.Error(err))
	}
}
