package database

import "time"

// GlobalRoom is the room id under which messages without a room are stored.
const GlobalRoom = ""

type User struct {
	Username  string    `bson:"username"`
	CreatedAt time.Time `bson:"created_at"`
	LastSeen  time.Time `bson:"last_seen"`
}

type Room struct {
	RoomId    string    `bson:"room_id"`
	CreatedBy string    `bson:"created_by"`
	CreatedAt time.Time `bson:"created_at"`
}

// Message is an entry of the append-only message log. An empty RoomId
// marks a message sent to the global chat.
type Message struct {
	RoomId    string    `bson:"room,omitempty"`
	Username  string    `bson:"user"`
	Content   string    `bson:"text"`
	CreatedAt time.Time `bson:"timestamp"`
}
