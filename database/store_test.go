package database

import (
	"context"
	"testing"
	"time"

	"diceserver/game"
	"diceserver/lock"
	"diceserver/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// インメモリDBは接続ごとに別物になるため1本に固定
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

func seed(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create(&[]models.Room{{ID: 1, Name: "lobby"}, {ID: 2, Name: "arena"}}).Error)
	one := uint(1)
	require.NoError(t, db.Create(&[]models.User{
		{ID: 10, Login: "alice", ActiveRoomID: &one},
		{ID: 11, Login: "bob", ActiveRoomID: &one},
		{ID: 12, Login: "carol"},
	}).Error)
}

func TestStore_ReadHelpers(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	s := NewStore(db, zap.NewNop())
	ctx := context.Background()

	u, err := s.FindUser(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Login)
	require.NotNil(t, u.ActiveRoomID)
	assert.EqualValues(t, 1, *u.ActiveRoomID)

	_, err = s.FindUser(ctx, 404)
	assert.ErrorIs(t, err, game.ErrUserNotFound)

	ok, err := s.RoomExists(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RoomExists(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "lobby", rooms[0].Name)
	assert.Equal(t, "arena", rooms[1].Name)
}

func TestStore_TransactionStatements(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	s := NewStore(db, zap.NewNop())

	var created *models.Game
	err := s.Transaction(context.Background(), func(tx game.Tx) error {
		members, err := tx.GetRoomMembers(1)
		require.NoError(t, err)
		assert.Equal(t, []uint{10, 11}, members)

		created, err = tx.CreateGameWithMoves(1, members)
		require.NoError(t, err)

		n, err := tx.CountActiveGames(1)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		active, err := tx.FindActiveGameWithMoves(1)
		require.NoError(t, err)
		require.NotNil(t, active)
		require.Len(t, active.GameMoves, 2)

		move := active.FindMove(10)
		require.NotNil(t, move)
		require.NoError(t, tx.UpdateMoveResult(move.ID, 5))
		assert.ErrorIs(t, tx.UpdateMoveResult(move.ID, 3), game.ErrAlreadyRolled)

		require.NoError(t, tx.DeleteMove(active.ID, 11))
		require.NoError(t, tx.MarkGameFinished(active.ID))
		assert.ErrorIs(t, tx.MarkGameFinished(active.ID), game.ErrGameAlreadyFinished)

		none, err := tx.FindActiveGameWithMoves(1)
		require.NoError(t, err)
		assert.Nil(t, none)
		return nil
	})
	require.NoError(t, err)

	var moves []models.GameMove
	require.NoError(t, db.Where("game_id = ?", created.ID).Find(&moves).Error)
	require.Len(t, moves, 1)
	assert.Equal(t, 5, moves[0].Result)
}

func TestStore_SetUserActiveRoom(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	s := NewStore(db, zap.NewNop())
	ctx := context.Background()

	one, two := uint(1), uint(2)
	set := func(userID uint, from, to *uint) bool {
		t.Helper()
		var applied bool
		require.NoError(t, s.Transaction(ctx, func(tx game.Tx) error {
			var err error
			applied, err = tx.SetUserActiveRoom(userID, from, to)
			return err
		}))
		return applied
	}

	assert.True(t, set(10, &one, nil))
	u, err := s.FindUser(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, u.ActiveRoomID)

	assert.True(t, set(12, nil, &two))
	u, err = s.FindUser(ctx, 12)
	require.NoError(t, err)
	require.NotNil(t, u.ActiveRoomID)
	assert.EqualValues(t, 2, *u.ActiveRoomID)

	// 期待した部屋と違えば何も変えない
	assert.False(t, set(11, nil, &two))
	assert.False(t, set(11, &two, nil))
	u, err = s.FindUser(ctx, 11)
	require.NoError(t, err)
	require.NotNil(t, u.ActiveRoomID)
	assert.EqualValues(t, 1, *u.ActiveRoomID)

	assert.False(t, set(404, nil, &two))
}

func TestStore_OneActiveGamePerRoom(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	s := NewStore(db, zap.NewNop())

	require.NoError(t, s.Transaction(context.Background(), func(tx game.Tx) error {
		_, err := tx.CreateGameWithMoves(1, []uint{10})
		return err
	}))
	err := s.Transaction(context.Background(), func(tx game.Tx) error {
		_, err := tx.CreateGameWithMoves(1, []uint{11})
		return err
	})
	assert.Error(t, err)

	var n int64
	require.NoError(t, db.Model(&models.Game{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestStore_TransactionRollsBack(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	s := NewStore(db, zap.NewNop())

	err := s.Transaction(context.Background(), func(tx game.Tx) error {
		if _, err := tx.CreateGameWithMoves(1, []uint{10, 11}); err != nil {
			return err
		}
		return game.ErrGameInProgress
	})
	assert.ErrorIs(t, err, game.ErrGameInProgress)

	var n int64
	require.NoError(t, db.Model(&models.GameMove{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestStore_DeleteFinishedGamesBefore(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	s := NewStore(db, zap.NewNop())
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, db.Create(&models.Game{ID: 1, RoomID: 1, Finished: true,
		GameMoves: []models.GameMove{{UserID: 10, Result: 3}}}).Error)
	require.NoError(t, db.Create(&models.Game{ID: 2, RoomID: 1, Finished: true}).Error)
	require.NoError(t, db.Create(&models.Game{ID: 3, RoomID: 1}).Error)
	require.NoError(t, db.Model(&models.Game{}).Where("id IN ?", []uint{1, 3}).UpdateColumn("updated_at", old).Error)

	n, err := s.DeleteFinishedGamesBefore(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var ids []uint
	require.NoError(t, db.Model(&models.Game{}).Order("id").Pluck("id", &ids).Error)
	assert.Equal(t, []uint{2, 3}, ids)
	var moves int64
	require.NoError(t, db.Model(&models.GameMove{}).Count(&moves).Error)
	assert.Zero(t, moves)
}

// The engine driven end to end against the gorm store.
func TestStore_ServiceRoundTrip(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	bus := &memBus{}
	svc := game.NewService(NewStore(db, zap.NewNop()), lock.NewLocalLocker(time.Second), bus, zap.NewNop(),
		game.WithRoller(func() int { return 4 }))
	ctx := context.Background()

	require.NoError(t, svc.RequestGameStart(ctx, 10))
	assert.ErrorIs(t, svc.RequestGameStart(ctx, 11), game.ErrGameInProgress)
	require.NoError(t, svc.RequestDieRoll(ctx, 10))
	assert.ErrorIs(t, svc.RequestDieRoll(ctx, 10), game.ErrAlreadyRolled)
	assert.ErrorIs(t, svc.RequestDieRoll(ctx, 12), game.ErrNotInRoom)

	require.NoError(t, svc.JoinRoom(ctx, 11, 2, nil))

	assert.Equal(t, []string{
		game.EventGameStarted,
		game.EventDieRolled,
		game.EventGameFinished,
		game.EventJoinedRoom,
	}, bus.events)
	assert.Equal(t, &game.GameFinished{MaxScore: 4, WinnerIDs: []uint{10}}, bus.payloads[2])
}

type memBus struct {
	events   []string
	payloads []any
}

func (b *memBus) Publish(_ context.Context, _, event string, payload any) error {
	b.events = append(b.events, event)
	b.payloads = append(b.payloads, payload)
	return nil
}

func TestSeedRooms(t *testing.T) {
	db := newTestDB(t)
	n, err := SeedRooms(db, []string{"lobby", "arena"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 既存のルームは作り直さない
	n, err = SeedRooms(db, []string{"arena", "den"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rooms, err := NewStore(db, zap.NewNop()).ListRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 3)
	assert.Equal(t, "den", rooms[2].Name)
}
