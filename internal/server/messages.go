package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/roomchat/internal/database"
)

// Kind is the closed set of envelope types a client may send.
type Kind int

const (
	KindUnknown Kind = iota
	KindJoin
	KindJoinRoom
	KindLeaveRoom
	KindMessage
	KindGetRooms
)

var kindsByType = map[string]Kind{
	"join":       KindJoin,
	"join_room":  KindJoinRoom,
	"leave_room": KindLeaveRoom,
	"message":    KindMessage,
	"get_rooms":  KindGetRooms,
}

func (k Kind) String() string {
	for name, kind := range kindsByType {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

func parseKind(t string) Kind {
	if k, ok := kindsByType[t]; ok {
		return k
	}
	return KindUnknown
}

const (
	TypeSystem   = "system"
	TypeMessage  = "message"
	TypeRoomList = "room_list"
	TypeError    = "error"
)

var (
	ErrUnknownType       = errors.New("unknown message type")
	ErrMissingField      = errors.New("missing field")
	ErrNotRegistered     = errors.New("connection not registered")
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrIdentityMismatch  = errors.New("user does not match connection identity")
	ErrNotObject         = errors.New("message is not a JSON object")
)

type ClientMessage struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Room string `json:"room,omitempty"`
	Text string `json:"text,omitempty"`
	Kind Kind   `json:"-"`
}

func decodeClientMessage(raw []byte) (*ClientMessage, error) {
	// null unmarshals into a struct without error
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, ErrNotObject
	}

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}

	msg.Kind = parseKind(msg.Type)
	return &msg, nil
}

type ServerMessage struct {
	Type      string `json:"type"`
	Room      string `json:"room,omitempty"`
	User      string `json:"user,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// RoomListMessage is kept apart from ServerMessage so an empty list is
// still sent as "rooms": [].
type RoomListMessage struct {
	Type  string   `json:"type"`
	Rooms []string `json:"rooms"`
}

func SystemNotice(roomId, text string) *ServerMessage {
	return &ServerMessage{
		Type: TypeSystem,
		Room: roomId,
		Text: text,
	}
}

func ChatMessage(roomId, username, text string) *ServerMessage {
	return &ServerMessage{
		Type: TypeMessage,
		Room: roomId,
		User: username,
		Text: text,
	}
}

// HistoryMessage is a replayed message; unlike a live message it carries
// the time it was logged.
func HistoryMessage(m database.Message) *ServerMessage {
	return &ServerMessage{
		Type:      TypeMessage,
		Room:      m.RoomId,
		User:      m.Username,
		Text:      m.Content,
		Timestamp: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func RoomList(rooms []string) *RoomListMessage {
	if rooms == nil {
		rooms = []string{}
	}
	return &RoomListMessage{
		Type:  TypeRoomList,
		Rooms: rooms,
	}
}

func ErrMalformed() *ServerMessage {
	return &ServerMessage{
		Type: TypeError,
		Text: "malformed",
	}
}

func joinedChatText(username string) string {
	return fmt.Sprintf("'%s' joined the chat.", username)
}

func leftChatText(username string) string {
	return fmt.Sprintf("'%s' left the chat.", username)
}

func joinedRoomText(username, roomId string) string {
	return fmt.Sprintf("'%s' joined room '%s'.", username, roomId)
}

func leftRoomText(username, roomId string) string {
	return fmt.Sprintf("'%s' left room '%s'.", username, roomId)
}

func serializeMessage(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
