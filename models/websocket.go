package models

import (
	"encoding/json"
	"fmt"
)

// Message はWebSocketでやり取りするイベントの共通フォーマット
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UserChannel は同一ユーザーの全接続（複数端末）に届くチャンネル名
func UserChannel(userID uint) string {
	return fmt.Sprintf("user:%d", userID)
}

// RoomChannel はルーム内の全ユーザーに届くチャンネル名
func RoomChannel(roomID uint) string {
	return fmt.Sprintf("room:%d", roomID)
}
