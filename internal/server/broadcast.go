package server

import (
	"context"
	"fmt"

	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/stats"
	"github.com/sourcegraph/conc/pool"
)

// BroadcastGlobal sends msg to every registered connection. Chat messages
// are also appended to the global log.
func (cs *ChatServer) BroadcastGlobal(ctx context.Context, msg *ServerMessage) error {
	cs.mu.RLock()
	targets := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		targets = append(targets, c)
	}
	cs.mu.RUnlock()

	return cs.fanOut(ctx, msg, targets, database.GlobalRoom)
}

// BroadcastToRoom sends msg to the members roomId has right now. It does
// nothing if the room has no members.
func (cs *ChatServer) BroadcastToRoom(ctx context.Context, msg *ServerMessage, roomId string) error {
	cs.mu.RLock()
	var targets []*Client
	if room, ok := cs.rooms[roomId]; ok {
		targets = room.clients()
	}
	cs.mu.RUnlock()

	return cs.fanOut(ctx, msg, targets, roomId)
}

// fanOut delivers msg to every target concurrently and waits for all of
// them. A failed or slow recipient only costs its own send timeout, and
// every failure is collected. Chat messages are persisted alongside the
// deliveries whether or not they succeed.
func (cs *ChatServer) fanOut(ctx context.Context, msg *ServerMessage, targets []*Client, roomId string) error {
	if len(targets) == 0 {
		return nil
	}

	data, err := serializeMessage(msg)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	p := pool.New().WithErrors()
	for _, c := range targets {
		p.Go(func() error {
			if err := c.deliver(data, cs.opts.SendTimeout); err != nil {
				cs.stats.Incr(stats.NumDeliveryFailures)
				return fmt.Errorf("deliver to %s: %w", c.id, err)
			}
			return nil
		})
	}

	if msg.Type == TypeMessage {
		p.Go(func() error {
			return cs.persist(ctx, msg, roomId)
		})
	}

	if err := p.Wait(); err != nil {
		cs.log.Warn().Err(err).Str("room", roomId).Str("type", msg.Type).
			Int("targets", len(targets)).Msg("broadcast incomplete")
		return err
	}

	cs.log.Debug().Str("room", roomId).Str("type", msg.Type).Int("targets", len(targets)).Msg("broadcast")
	return nil
}

func (cs *ChatServer) persist(ctx context.Context, msg *ServerMessage, roomId string) error {
	ctx, cancel := context.WithTimeout(ctx, cs.opts.StoreTimeout)
	defer cancel()

	if err := cs.db.CreateMessage(ctx, database.Message{
		RoomId:    roomId,
		Username:  msg.User,
		Content:   msg.Text,
		CreatedAt: Now(),
	}); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	cs.stats.Incr(stats.NumMessagesPublished)
	return nil
}
