package game

import (
	"context"
	"errors"
	"sort"
	"sync"

	"diceserver/models"
)

// memStore is an in-memory Store. Transactions are serialized and roll back
// by restoring a snapshot when fn fails.
type memStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	users    map[uint]models.User
	rooms    map[uint]models.Room
	games    map[uint]models.Game
	moves    map[uint]models.GameMove
	nextGame uint
	nextMove uint
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		users: make(map[uint]models.User),
		rooms: make(map[uint]models.Room),
		games: make(map[uint]models.Game),
		moves: make(map[uint]models.GameMove),
	}}
}

func (s memState) clone() memState {
	c := memState{
		users:    make(map[uint]models.User, len(s.users)),
		rooms:    make(map[uint]models.Room, len(s.rooms)),
		games:    make(map[uint]models.Game, len(s.games)),
		moves:    make(map[uint]models.GameMove, len(s.moves)),
		nextGame: s.nextGame,
		nextMove: s.nextMove,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.rooms {
		c.rooms[k] = v
	}
	for k, v := range s.games {
		c.games[k] = v
	}
	for k, v := range s.moves {
		c.moves[k] = v
	}
	return c
}

func (m *memStore) addRoom(id uint, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.rooms[id] = models.Room{ID: id, Name: name}
}

func (m *memStore) addUser(id uint, roomID *uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.users[id] = models.User{ID: id, ActiveRoomID: roomID}
}

func (m *memStore) activeGame(roomID uint) *models.Game {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, _ := (&memTx{s: &m.state}).FindActiveGameWithMoves(roomID)
	return g
}

func (m *memStore) games(roomID uint) []models.Game {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Game
	for _, g := range m.state.games {
		if g.RoomID == roomID {
			out = append(out, g)
		}
	}
	return out
}

func (m *memStore) user(id uint) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.users[id]
}

func (m *memStore) Transaction(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(&memTx{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *memStore) FindUser(_ context.Context, userID uint) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{s: &m.state}).FindUser(userID)
}

func (m *memStore) RoomExists(_ context.Context, roomID uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.rooms[roomID]
	return ok, nil
}

func (m *memStore) ListRooms(context.Context) ([]models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Room, 0, len(m.state.rooms))
	for _, r := range m.state.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memTx struct {
	s *memState
}

func (t *memTx) FindUser(userID uint) (*models.User, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (t *memTx) CountActiveGames(roomID uint) (int64, error) {
	var n int64
	for _, g := range t.s.games {
		if g.RoomID == roomID && !g.Finished {
			n++
		}
	}
	return n, nil
}

func (t *memTx) FindActiveGameWithMoves(roomID uint) (*models.Game, error) {
	for _, g := range t.s.games {
		if g.RoomID != roomID || g.Finished {
			continue
		}
		game := g
		game.GameMoves = nil
		for _, mv := range t.s.moves {
			if mv.GameID == g.ID {
				game.GameMoves = append(game.GameMoves, mv)
			}
		}
		sort.Slice(game.GameMoves, func(i, j int) bool { return game.GameMoves[i].ID < game.GameMoves[j].ID })
		return &game, nil
	}
	return nil, nil
}

func (t *memTx) CreateGameWithMoves(roomID uint, memberIDs []uint) (*models.Game, error) {
	if n, _ := t.CountActiveGames(roomID); n > 0 {
		return nil, errors.New("unique violation: idx_games_active_room")
	}
	t.s.nextGame++
	game := models.Game{ID: t.s.nextGame, RoomID: roomID}
	t.s.games[game.ID] = game
	for _, uid := range memberIDs {
		t.s.nextMove++
		mv := models.GameMove{ID: t.s.nextMove, GameID: game.ID, UserID: uid}
		t.s.moves[mv.ID] = mv
		game.GameMoves = append(game.GameMoves, mv)
	}
	return &game, nil
}

func (t *memTx) UpdateMoveResult(moveID uint, result int) error {
	mv, ok := t.s.moves[moveID]
	if !ok || mv.Result != 0 {
		return ErrAlreadyRolled
	}
	mv.Result = result
	t.s.moves[moveID] = mv
	return nil
}

func (t *memTx) DeleteMove(gameID, userID uint) error {
	for id, mv := range t.s.moves {
		if mv.GameID == gameID && mv.UserID == userID {
			delete(t.s.moves, id)
		}
	}
	return nil
}

func (t *memTx) MarkGameFinished(gameID uint) error {
	g, ok := t.s.games[gameID]
	if !ok || g.Finished {
		return ErrGameAlreadyFinished
	}
	g.Finished = true
	t.s.games[gameID] = g
	return nil
}

func (t *memTx) SetUserActiveRoom(userID uint, from, to *uint) (bool, error) {
	u, ok := t.s.users[userID]
	if !ok || !sameRoom(u.ActiveRoomID, from) {
		return false, nil
	}
	if to != nil {
		id := *to
		to = &id
	}
	u.ActiveRoomID = to
	t.s.users[userID] = u
	return true, nil
}

func (t *memTx) GetRoomMembers(roomID uint) ([]uint, error) {
	var ids []uint
	for _, u := range t.s.users {
		if u.ActiveRoomID != nil && *u.ActiveRoomID == roomID {
			ids = append(ids, u.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
