package types

import (
	"time"
)

// Message is the JSON form of a logged chat message, used by the history
// endpoint.
type Message struct {
	RoomId    string    `json:"room,omitempty"`
	Username  string    `json:"user"`
	Content   string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageList struct {
	Messages []Message `json:"messages"`
}

type RoomList struct {
	Rooms  []string `json:"rooms"`
	Active []string `json:"active"`
}

type Health struct {
	Status string `json:"status"`
}
