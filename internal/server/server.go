package server

import (
	"context"
	"sync"
	"time"

	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/stats"
	"github.com/rs/zerolog"
)

const (
	DefaultRoom = "general"
	// UnknownIdentity is returned when unregistering a connection that
	// never registered.
	UnknownIdentity = "an unknown user"
)

type Options struct {
	HistoryLimit   int
	SendTimeout    time.Duration
	StoreTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = database.DefaultHistoryLimit
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 20 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	return o
}

// ChatServer owns the connection registry and the in-memory rooms. mu
// guards clients, rooms and sessions; every broadcast computes its targets
// under mu and sends after releasing it.
type ChatServer struct {
	log   zerolog.Logger
	db    database.ChatRepository
	stats stats.StatsProvider
	opts  Options

	mu       sync.RWMutex
	clients  map[*Client]string
	rooms    map[string]*Room
	sessions map[*Client]struct{}
	closed   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewChatServer(logger zerolog.Logger, db database.ChatRepository, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cs := &ChatServer{
		log:      logger.With().Str("module", "server").Logger(),
		db:       db,
		stats:    su,
		opts:     opts.withDefaults(),
		clients:  make(map[*Client]string),
		rooms:    make(map[string]*Room),
		sessions: make(map[*Client]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, name := range []string{
		stats.NumActiveClients,
		stats.NumActiveRooms,
		stats.NumMessagesPublished,
		stats.NumDeliveryFailures,
	} {
		su.RegisterMetric(name)
	}

	return cs, nil
}

// Serve runs the session loop for c until its connection closes.
func (cs *ChatServer) Serve(c *Client) {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		c.close()
		return
	}
	cs.sessions[c] = struct{}{}
	cs.wg.Add(1)
	cs.mu.Unlock()

	c.log.Info().Msg("session started")
	go c.Write()
	go func() {
		defer cs.wg.Done()
		defer cs.endSession(c)
		c.Read(cs.ctx)
	}()
}

func (cs *ChatServer) endSession(c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.sessions, c)
}

// Register adds c to the registry under username. It reports false, and
// does nothing else, if c is already registered.
func (cs *ChatServer) Register(ctx context.Context, c *Client, username string) bool {
	cs.mu.Lock()
	if _, ok := cs.clients[c]; ok {
		cs.mu.Unlock()
		return false
	}
	cs.clients[c] = username
	numClients := len(cs.clients)
	cs.mu.Unlock()

	cs.stats.Incr(stats.NumActiveClients)
	cs.log.Info().Str("user", username).Str("conn_id", c.id).Int("clients", numClients).Msg("client registered")

	cs.upsertUser(ctx, username)
	cs.BroadcastGlobal(ctx, SystemNotice("", joinedChatText(username)))
	cs.sendHistory(ctx, c, database.GlobalRoom)

	return true
}

// Unregister removes c from the registry and from every room it belongs to
// in one step, then notifies the rooms it left and the global chat. It
// returns the identity c was registered under, or UnknownIdentity.
func (cs *ChatServer) Unregister(ctx context.Context, c *Client) string {
	cs.mu.Lock()
	username, ok := cs.clients[c]
	if !ok {
		cs.mu.Unlock()
		return UnknownIdentity
	}
	delete(cs.clients, c)

	var left, emptied []string
	for id, room := range cs.rooms {
		if !room.removeClient(c) {
			continue
		}
		if room.len() == 0 {
			delete(cs.rooms, id)
			emptied = append(emptied, id)
			continue
		}
		left = append(left, id)
	}
	numClients := len(cs.clients)
	cs.mu.Unlock()

	cs.stats.Decr(stats.NumActiveClients)
	for range emptied {
		cs.stats.Decr(stats.NumActiveRooms)
	}
	cs.log.Info().Str("user", username).Str("conn_id", c.id).Int("clients", numClients).
		Strs("removed_rooms", emptied).Msg("client unregistered")

	for _, id := range left {
		cs.BroadcastToRoom(ctx, SystemNotice(id, leftRoomText(username, id)), id)
	}
	cs.BroadcastGlobal(ctx, SystemNotice("", leftChatText(username)))

	return username
}

func (cs *ChatServer) IsRegistered(c *Client) bool {
	_, ok := cs.IdentityOf(c)
	return ok
}

func (cs *ChatServer) IdentityOf(c *Client) (string, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	username, ok := cs.clients[c]
	return username, ok
}

func (cs *ChatServer) NumClients() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.clients)
}

// History returns up to limit logged messages for roomId, oldest first.
// Store failures are logged and yield an empty history.
func (cs *ChatServer) History(ctx context.Context, roomId string, limit int) []database.Message {
	if limit <= 0 || limit > cs.opts.HistoryLimit {
		limit = cs.opts.HistoryLimit
	}

	ctx, cancel := context.WithTimeout(ctx, cs.opts.StoreTimeout)
	defer cancel()

	msgs, err := cs.db.GetMessages(ctx, roomId, limit)
	if err != nil {
		cs.log.Error().Err(err).Str("room", roomId).Msg("fetch history")
		return nil
	}

	return msgs
}

func (cs *ChatServer) sendHistory(ctx context.Context, c *Client, roomId string) {
	for _, m := range cs.History(ctx, roomId, cs.opts.HistoryLimit) {
		if !c.queueMessage(HistoryMessage(m)) {
			return
		}
	}
}

func (cs *ChatServer) upsertUser(ctx context.Context, username string) {
	ctx, cancel := context.WithTimeout(ctx, cs.opts.StoreTimeout)
	defer cancel()

	if _, err := cs.db.UpsertUser(ctx, username); err != nil {
		cs.log.Error().Err(err).Str("user", username).Msg("upsert user")
	}
}

// Shutdown stops accepting sessions, closes every live connection and
// waits for the session loops to finish or ctx to expire. Messages still
// queued for a connection are dropped.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.mu.Lock()
	cs.closed = true
	sessions := make([]*Client, 0, len(cs.sessions))
	for c := range cs.sessions {
		sessions = append(sessions, c)
	}
	cs.mu.Unlock()

	cs.log.Info().Int("sessions", len(sessions)).Msg("shutting down chat server")
	for _, c := range sessions {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	defer cs.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
