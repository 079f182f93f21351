package game

import (
	"fmt"

	"diceserver/models"
)

const (
	MinDieValue = 1
	MaxDieValue = 6
)

// Winners returns the highest result among moves and the users who reached it,
// in move order. It returns 0 and nil for an empty slice.
func Winners(moves []models.GameMove) (int, []uint) {
	if len(moves) == 0 {
		return 0, nil
	}
	max := moves[0].Result
	for _, m := range moves[1:] {
		if m.Result > max {
			max = m.Result
		}
	}
	winners := make([]uint, 0, 1)
	for _, m := range moves {
		if m.Result == max {
			winners = append(winners, m.UserID)
		}
	}
	return max, winners
}

// finishIfComplete marks game finished once no move is pending. The returned
// payload is nil when the game is still running, or when it ended with no
// moves left, which is announced to nobody.
func finishIfComplete(tx Tx, game *models.Game) (*GameFinished, error) {
	for _, m := range game.GameMoves {
		if m.Pending() {
			return nil, nil
		}
	}
	if err := tx.MarkGameFinished(game.ID); err != nil {
		return nil, fmt.Errorf("mark game %d finished: %w", game.ID, err)
	}
	game.Finished = true
	if len(game.GameMoves) == 0 {
		return nil, nil
	}
	max, winners := Winners(game.GameMoves)
	return &GameFinished{MaxScore: max, WinnerIDs: winners}, nil
}

// removeFromRoom clears the user's membership of roomID, drops the user's move
// from the running game and re-evaluates the finish condition.
func removeFromRoom(tx Tx, userID, roomID uint) (*GameFinished, error) {
	game, err := tx.FindActiveGameWithMoves(roomID)
	if err != nil {
		return nil, fmt.Errorf("find active game: %w", err)
	}
	if err := moveUser(tx, userID, &roomID, nil); err != nil {
		return nil, err
	}
	if game == nil {
		return nil, nil
	}
	if game.RemoveMove(userID) {
		if err := tx.DeleteMove(game.ID, userID); err != nil {
			return nil, fmt.Errorf("delete move: %w", err)
		}
	}
	return finishIfComplete(tx, game)
}

// moveUser applies a conditional membership change and fails with
// errMembershipChanged when the stored room was not from.
func moveUser(tx Tx, userID uint, from, to *uint) error {
	ok, err := tx.SetUserActiveRoom(userID, from, to)
	if err != nil {
		return fmt.Errorf("set active room: %w", err)
	}
	if !ok {
		return errMembershipChanged
	}
	return nil
}

// checkMembership fails with errMembershipChanged unless the user is still in
// roomID, which may be nil for "no room".
func checkMembership(tx Tx, userID uint, roomID *uint) error {
	u, err := tx.FindUser(userID)
	if err != nil {
		return err
	}
	if !sameRoom(u.ActiveRoomID, roomID) {
		return errMembershipChanged
	}
	return nil
}

func sameRoom(a, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
