package game

import "errors"

// DomainError is a game rule violation. Its message is shown to the client
// that made the request and it is never retried.
type DomainError struct {
	Msg string
}

func (e *DomainError) Error() string { return e.Msg }

// ValidationError rejects malformed input before any lock or store access.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

var (
	ErrNotInRoom      = &DomainError{Msg: "User is not in a room"}
	ErrRoomNotFound   = &DomainError{Msg: "Room does not exist"}
	ErrUserNotFound   = &DomainError{Msg: "User does not exist"}
	ErrGameInProgress = &DomainError{Msg: "Game is already in progress"}
	ErrNoActiveGame   = &DomainError{Msg: "There is no active game in the room"}
	ErrNotParticipant = &DomainError{Msg: "User cannot participate in this game"}
	ErrAlreadyRolled  = &DomainError{Msg: "User has already rolled the die"}

	ErrInvalidRoomID = &ValidationError{Msg: "Room id must be a positive integer"}
	ErrInvalidEvent  = &ValidationError{Msg: "Malformed event"}
)

// ErrGameAlreadyFinished is reported by the store when a finish is attempted
// twice. Under the room lock it only happens after a lease expired.
var ErrGameAlreadyFinished = errors.New("game already finished")

// errMembershipChanged means the user's active room moved between the read
// that chose the lock and the transaction itself.
var errMembershipChanged = errors.New("active room changed concurrently")

func IsDomainError(err error) bool {
	var d *DomainError
	return errors.As(err, &d)
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ClientMessage returns the text sent to the client for err. Infrastructure
// failures are not described to clients.
func ClientMessage(err error) string {
	var d *DomainError
	if errors.As(err, &d) {
		return d.Msg
	}
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Msg
	}
	return "Internal server error"
}
