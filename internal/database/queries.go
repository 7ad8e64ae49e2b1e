package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	upsertUserQuery = "INSERT INTO users (username, created_at, last_seen) VALUES ($1, $2, $2) " +
		"ON CONFLICT (username) DO UPDATE SET last_seen = EXCLUDED.last_seen " +
		"RETURNING username, created_at, last_seen"
	ensureRoomQuery = "INSERT INTO rooms (room_id, created_by, created_at) VALUES ($1, $2, $3) " +
		"ON CONFLICT (room_id) DO NOTHING"
)

func (db *PgChatRepository) UpsertUser(ctx context.Context, username string) (User, error) {
	row := db.conn.QueryRowContext(ctx, upsertUserQuery, username, time.Now().UTC())

	var u User
	err := row.Scan(
		&u.Username,
		&u.CreatedAt,
		&u.LastSeen,
	)

	return u, err
}

// EnsureRoom records roomId in the room directory unless it is already
// there. Concurrent callers race on the primary key and the loser's insert
// is dropped, so the first writer's created_by is kept.
func (db *PgChatRepository) EnsureRoom(ctx context.Context, roomId, createdBy string) error {
	_, err := db.conn.ExecContext(ctx, ensureRoomQuery, roomId, createdBy, time.Now().UTC())
	return err
}

func (db *PgChatRepository) ListRoomIds(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT room_id FROM rooms ORDER BY created_at, room_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roomIds = make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		roomIds = append(roomIds, id)
	}

	return roomIds, rows.Err()
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, msg Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (room, username, content, created_at) VALUES ($1, $2, $3, $4)",
		nullableRoom(msg.RoomId),
		msg.Username,
		msg.Content,
		createdAt,
	)

	return err
}

func (db *PgChatRepository) GetMessages(ctx context.Context, roomId string, limit int) ([]Message, error) {
	limit = normalizeLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	if roomId == GlobalRoom {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT room, username, content, created_at FROM messages "+
				"WHERE room IS NULL ORDER BY created_at DESC, id DESC LIMIT $1",
			limit,
		)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT room, username, content, created_at FROM messages "+
				"WHERE room = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
			roomId,
			limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var (
			msg  Message
			room sql.NullString
		)
		if err := rows.Scan(&room, &msg.Username, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		msg.RoomId = room.String
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return chronological(messages), nil
}

func nullableRoom(roomId string) sql.NullString {
	return sql.NullString{String: roomId, Valid: roomId != GlobalRoom}
}
