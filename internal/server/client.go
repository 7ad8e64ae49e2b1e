package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	writeWait    = 10 * time.Second
	sendBufSize  = 256
	closeTimeout = time.Second
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrSendTimeout  = errors.New("send timed out")
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

// Client is one live connection. Outbound frames go through send and are
// written by the Write loop, so each connection sees frames in the order
// they were queued.
type Client struct {
	id          string
	conn        Conn
	chatServer  *ChatServer
	log         zerolog.Logger
	send        chan []byte
	sendTimeout time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

func NewClient(conn Conn, cs *ChatServer, l zerolog.Logger) *Client {
	id, err := shortid.Generate()
	if err != nil {
		id = fmt.Sprintf("%p", conn)
	}

	logCtx := l.With().Str("conn_id", id)
	if conn != nil && conn.RemoteAddr() != nil {
		logCtx = logCtx.Str("remote_addr", conn.RemoteAddr().String())
	}

	return &Client{
		id:          id,
		conn:        conn,
		chatServer:  cs,
		log:         logCtx.Logger(),
		send:        make(chan []byte, sendBufSize),
		sendTimeout: cs.opts.SendTimeout,
		stop:        make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(c.chatServer.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.stopClient()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case data := <-c.send:
			if !c.sendMessage(websocket.TextMessage, data) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read is the session loop. It handles one envelope at a time until the
// connection closes, then unregisters the connection.
func (c *Client) Read(ctx context.Context) {
	defer func() {
		c.conn.Close()
		c.cleanup(ctx)
		c.log.Info().Msg("session closed")
	}()

	pongWait := c.chatServer.opts.PingInterval + c.chatServer.opts.PongTimeout
	c.conn.SetReadLimit(c.chatServer.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("connection closed with error")
			} else {
				c.log.Debug().Err(err).Msg("connection closed")
			}
			return
		}

		c.handleMessage(ctx, raw)
	}
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("recovered while handling message")
		}
	}()

	c.log.Debug().Bytes("raw", raw).Msg("received message")
	msg, err := decodeClientMessage(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed message")
		c.queueMessage(ErrMalformed())
		return
	}

	if err := c.dispatch(ctx, msg); err != nil {
		c.log.Warn().Err(err).Str("type", msg.Type).Str("user", msg.User).Msg("message ignored")
	}
}

func (c *Client) dispatch(ctx context.Context, msg *ClientMessage) error {
	switch msg.Kind {
	case KindJoin:
		return c.join(ctx, msg)
	case KindJoinRoom:
		return c.joinRoom(ctx, msg)
	case KindLeaveRoom:
		return c.leaveRoom(ctx, msg)
	case KindMessage:
		return c.publish(ctx, msg)
	case KindGetRooms:
		return c.getRooms(ctx, msg)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

func (c *Client) join(ctx context.Context, msg *ClientMessage) error {
	if msg.User == "" {
		return fmt.Errorf("%w: user", ErrMissingField)
	}
	if !c.chatServer.Register(ctx, c, msg.User) {
		return ErrAlreadyRegistered
	}

	return c.chatServer.JoinRoom(ctx, c, msg.User, DefaultRoom)
}

func (c *Client) joinRoom(ctx context.Context, msg *ClientMessage) error {
	if msg.User == "" || msg.Room == "" {
		return fmt.Errorf("%w: user and room", ErrMissingField)
	}
	if err := c.authorize(msg.User); err != nil {
		return err
	}

	return c.chatServer.JoinRoom(ctx, c, msg.User, msg.Room)
}

func (c *Client) leaveRoom(ctx context.Context, msg *ClientMessage) error {
	if msg.User == "" || msg.Room == "" {
		return fmt.Errorf("%w: user and room", ErrMissingField)
	}
	if err := c.authorize(msg.User); err != nil {
		return err
	}

	if !c.chatServer.LeaveRoom(ctx, c, msg.User, msg.Room) {
		c.log.Debug().Str("room", msg.Room).Msg("leave for a room the client is not in")
	}
	return nil
}

func (c *Client) publish(ctx context.Context, msg *ClientMessage) error {
	if err := c.authorize(msg.User); err != nil {
		return err
	}
	if msg.Text == "" {
		return fmt.Errorf("%w: text", ErrMissingField)
	}

	out := ChatMessage(msg.Room, msg.User, msg.Text)
	if msg.Room != "" {
		c.chatServer.BroadcastToRoom(ctx, out, msg.Room)
	} else {
		c.chatServer.BroadcastGlobal(ctx, out)
	}
	return nil
}

func (c *Client) getRooms(ctx context.Context, msg *ClientMessage) error {
	if err := c.authorize(msg.User); err != nil {
		return err
	}

	c.queueMessage(RoomList(c.chatServer.ListRooms(ctx)))
	return nil
}

// authorize checks that c is registered as user.
func (c *Client) authorize(user string) error {
	identity, ok := c.chatServer.IdentityOf(c)
	if !ok {
		return ErrNotRegistered
	}
	if identity != user {
		return fmt.Errorf("%w: got %q", ErrIdentityMismatch, user)
	}
	return nil
}

// queueMessage serializes msg and queues it for this client only.
func (c *Client) queueMessage(msg any) bool {
	data, err := serializeMessage(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to serialize message")
		return false
	}

	if err := c.deliver(data, c.sendTimeout); err != nil {
		c.log.Warn().Err(err).Msg("failed to send message to client")
		return false
	}

	return true
}

// deliver queues data for the Write loop, waiting at most timeout for
// room in the buffer. A zero timeout never waits.
func (c *Client) deliver(data []byte, timeout time.Duration) error {
	select {
	case <-c.stop:
		return ErrClientClosed
	default:
	}

	if timeout <= 0 {
		select {
		case c.send <- data:
			return nil
		default:
			return ErrSendTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.send <- data:
		return nil
	case <-c.stop:
		return ErrClientClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// close sends a going-away frame and closes the connection, which ends
// both the Read and Write loops.
func (c *Client) close() {
	c.stopClient()
	if c.conn == nil {
		return
	}

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(closeTimeout))
	c.conn.Close()
}

func (c *Client) cleanup(ctx context.Context) {
	if c.chatServer.IsRegistered(c) {
		c.chatServer.Unregister(ctx, c)
	}
	c.stopClient()
}
