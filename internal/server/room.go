package server

import (
	"context"

	"github.com/npezzotti/roomchat/internal/stats"
)

// Room is the in-memory membership of one room. It is only touched with
// ChatServer.mu held.
type Room struct {
	id      string
	members map[*Client]string
}

func newRoom(id string) *Room {
	return &Room{
		id:      id,
		members: make(map[*Client]string),
	}
}

func (r *Room) addClient(c *Client, username string) {
	r.members[c] = username
}

func (r *Room) removeClient(c *Client) bool {
	if _, ok := r.members[c]; !ok {
		return false
	}
	delete(r.members, c)
	return true
}

func (r *Room) hasClient(c *Client) bool {
	_, ok := r.members[c]
	return ok
}

func (r *Room) len() int {
	return len(r.members)
}

func (r *Room) clients() []*Client {
	out := make([]*Client, 0, len(r.members))
	for c := range r.members {
		out = append(out, c)
	}
	return out
}

// JoinRoom adds c to roomId, creating the room on first join, announces
// the join to every member including c, and then replays the room history
// to c alone. Joining a room c is already in repeats the announcement and
// the replay.
func (cs *ChatServer) JoinRoom(ctx context.Context, c *Client, username, roomId string) error {
	if roomId == "" {
		roomId = DefaultRoom
	}

	cs.mu.Lock()
	if _, ok := cs.clients[c]; !ok {
		cs.mu.Unlock()
		return ErrNotRegistered
	}
	room, exists := cs.rooms[roomId]
	if !exists {
		room = newRoom(roomId)
		cs.rooms[roomId] = room
	}
	room.addClient(c, username)
	numMembers := room.len()
	cs.mu.Unlock()

	if !exists {
		cs.stats.Incr(stats.NumActiveRooms)
		cs.ensureRoom(ctx, roomId, username)
	}
	cs.log.Info().Str("user", username).Str("room", roomId).Int("members", numMembers).Msg("joined room")

	cs.BroadcastToRoom(ctx, SystemNotice(roomId, joinedRoomText(username, roomId)), roomId)
	cs.sendHistory(ctx, c, roomId)
	return nil
}

// LeaveRoom removes c from roomId and tells the remaining members. The
// room is dropped from memory when its last member leaves; its directory
// record stays. It reports whether c was a member.
func (cs *ChatServer) LeaveRoom(ctx context.Context, c *Client, username, roomId string) bool {
	cs.mu.Lock()
	room, ok := cs.rooms[roomId]
	if !ok || !room.hasClient(c) {
		cs.mu.Unlock()
		return false
	}
	room.removeClient(c)
	emptied := room.len() == 0
	if emptied {
		delete(cs.rooms, roomId)
	}
	cs.mu.Unlock()

	cs.log.Info().Str("user", username).Str("room", roomId).Bool("removed", emptied).Msg("left room")
	if emptied {
		cs.stats.Decr(stats.NumActiveRooms)
		return true
	}

	cs.BroadcastToRoom(ctx, SystemNotice(roomId, leftRoomText(username, roomId)), roomId)
	return true
}

// ListRooms returns the ids in the room directory, which includes rooms
// nobody is in right now. Store failures yield an empty list.
func (cs *ChatServer) ListRooms(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, cs.opts.StoreTimeout)
	defer cancel()

	ids, err := cs.db.ListRoomIds(ctx)
	if err != nil {
		cs.log.Error().Err(err).Msg("list rooms")
		return []string{}
	}

	return ids
}

// ActiveRooms returns the ids of rooms with at least one member.
func (cs *ChatServer) ActiveRooms() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	ids := make([]string, 0, len(cs.rooms))
	for id := range cs.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (cs *ChatServer) ensureRoom(ctx context.Context, roomId, createdBy string) {
	ctx, cancel := context.WithTimeout(ctx, cs.opts.StoreTimeout)
	defer cancel()

	if err := cs.db.EnsureRoom(ctx, roomId, createdBy); err != nil {
		cs.log.Error().Err(err).Str("room", roomId).Msg("ensure room")
	}
}
