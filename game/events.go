package game

// イベント名
const (
	EventRoomListRequested  = "RoomListRequested"
	EventRoomListGenerated  = "RoomListGenerated"
	EventRoomJoinRequested  = "RoomJoinRequested"
	EventJoinedRoom         = "JoinedRoom"
	EventRoomJoinFailed     = "RoomJoinFailed"
	EventGameStartRequested = "GameStartRequested"
	EventGameStarted        = "GameStarted"
	EventDieRollRequested   = "DieRollRequested"
	EventDieRolled          = "DieRolled"
	EventDieRollFailed      = "DieRollFailed"
	EventGameFinished       = "GameFinished"
)

type RoomSummary struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

type JoinRoomRequest struct {
	RoomID uint `json:"room_id"`
}

type JoinedRoom struct {
	RoomID uint `json:"room_id"`
}

type GameStarted struct {
	GameID      uint `json:"game_id"`
	PlayerCount int  `json:"player_count"`
}

type DieRolled struct {
	Result int  `json:"result"`
	UserID uint `json:"user_id"`
}

type GameFinished struct {
	MaxScore  int    `json:"max_score"`
	WinnerIDs []uint `json:"winner_ids"`
}

type Failure struct {
	Error string `json:"error"`
}
