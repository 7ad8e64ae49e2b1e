package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomchat/internal/server"
	"github.com/npezzotti/roomchat/internal/types"
)

const healthCheckTimeout = 2 * time.Second

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *ChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	// with no allow list, only same-origin browsers are accepted
	if len(s.allowedOrigins) == 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		s.log.Warn().Str("origin", r.Header.Get("Origin")).Msg("rejected websocket origin")
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("upgrade connection")
		return
	}

	s.cs.Serve(server.NewClient(conn, s.cs, s.log))
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("health check")
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.Health{Status: "ok"})
}

func (s *ChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	active := s.cs.ActiveRooms()
	slices.Sort(active)

	s.writeJson(w, http.StatusOK, types.RoomList{
		Rooms:  s.cs.ListRooms(r.Context()),
		Active: active,
	})
}

func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	limit := s.historyLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	msgs := s.cs.History(r.Context(), r.URL.Query().Get("room"), limit)
	resp := types.MessageList{Messages: make([]types.Message, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, types.Message{
			RoomId:    m.RoomId,
			Username:  m.Username,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, resp)
}
