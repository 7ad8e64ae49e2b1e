package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomchat/internal/config"
	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/server"
	"github.com/npezzotti/roomchat/internal/stats"
	"github.com/npezzotti/roomchat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, db database.ChatRepository) (*ChatApp, *server.ChatServer) {
	t.Helper()
	logger := testutil.TestLogger(t)
	cs, err := server.NewChatServer(logger, db, stats.NewMockStatsUpdater(), server.Options{
		SendTimeout:  100 * time.Millisecond,
		StoreTimeout: time.Second,
	})
	require.NoError(t, err)

	app := NewChatApp(http.NewServeMux(), logger, cs, db, &config.Config{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{"http://allowed.example"},
		HistoryLimit:   database.DefaultHistoryLimit,
	})
	return app, cs
}

func TestNewChatApp(t *testing.T) {
	db := &database.MockChatRepository{}
	app, cs := newTestApp(t, db)

	assert.NotNil(t, app.srv)
	assert.Equal(t, "localhost:0", app.srv.Addr)
	assert.Equal(t, cs, app.cs)
	assert.Equal(t, db, app.db)
	assert.Equal(t, []string{"http://allowed.example"}, app.allowedOrigins)
	assert.Equal(t, database.DefaultHistoryLimit, app.historyLimit)
}

type wsFrame struct {
	Type  string   `json:"type"`
	Room  string   `json:"room"`
	User  string   `json:"user"`
	Text  string   `json:"text"`
	Rooms []string `json:"rooms"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestChatSession(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("UpsertUser", mock.Anything, mock.Anything).Return(database.User{}, nil)
	db.On("EnsureRoom", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	db.On("GetMessages", mock.Anything, mock.Anything, mock.Anything).Return([]database.Message{}, nil)
	db.On("CreateMessage", mock.Anything, mock.Anything).Return(nil)
	db.On("ListRoomIds", mock.Anything).Return([]string{"general", "lobby"}, nil)

	app, cs := newTestApp(t, db)
	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	alice := dial(t, ts)
	require.NoError(t, alice.WriteJSON(map[string]string{"type": "join", "user": "alice"}))
	assert.Equal(t, "'alice' joined the chat.", readFrame(t, alice).Text)
	assert.Equal(t, "'alice' joined room 'general'.", readFrame(t, alice).Text)

	bob := dial(t, ts)
	require.NoError(t, bob.WriteJSON(map[string]string{"type": "join", "user": "bob"}))
	assert.Equal(t, "'bob' joined the chat.", readFrame(t, bob).Text)
	assert.Equal(t, "'bob' joined room 'general'.", readFrame(t, bob).Text)
	assert.Equal(t, "'bob' joined the chat.", readFrame(t, alice).Text)
	assert.Equal(t, "'bob' joined room 'general'.", readFrame(t, alice).Text)

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "message", "user": "alice", "room": "general", "text": "hi"}))
	want := wsFrame{Type: "message", Room: "general", User: "alice", Text: "hi"}
	assert.Equal(t, want, readFrame(t, alice))
	assert.Equal(t, want, readFrame(t, bob))

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, wsFrame{Type: "error", Text: "malformed"}, readFrame(t, bob))

	require.NoError(t, bob.WriteJSON(map[string]string{"type": "get_rooms", "user": "bob"}))
	assert.Equal(t, wsFrame{Type: "room_list", Rooms: []string{"general", "lobby"}}, readFrame(t, bob))

	require.NoError(t, alice.Close())
	assert.Equal(t, "'alice' left room 'general'.", readFrame(t, bob).Text)
	assert.Equal(t, "'alice' left the chat.", readFrame(t, bob).Text)
	assert.Eventually(t, func() bool { return cs.NumClients() == 1 }, 2*time.Second, 10*time.Millisecond)

	db.AssertCalled(t, "CreateMessage", mock.Anything, mock.MatchedBy(func(m database.Message) bool {
		return m.RoomId == "general" && m.Username == "alice" && m.Content == "hi"
	}))
}

func TestServeWsRejectsOrigin(t *testing.T) {
	app, _ := newTestApp(t, &database.MockChatRepository{})
	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
