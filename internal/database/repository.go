package database

import "context"

const DefaultHistoryLimit = 50

type ChatRepository interface {
	Ping(ctx context.Context) error
	EnsureIndexes(ctx context.Context) error
	UpsertUser(ctx context.Context, username string) (User, error)
	EnsureRoom(ctx context.Context, roomId, createdBy string) error
	ListRoomIds(ctx context.Context) ([]string, error)
	CreateMessage(ctx context.Context, msg Message) error
	// GetMessages returns at most limit of the most recent messages for
	// roomId, oldest first. GlobalRoom selects messages sent without a room.
	GetMessages(ctx context.Context, roomId string, limit int) ([]Message, error)
	Close() error
}

// chronological reverses msgs, which were read newest first, in place.
func chronological(msgs []Message) []Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}
