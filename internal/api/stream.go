package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/agentdesk/internal/api/middleware"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

func newStreamUpgrader(origins *middleware.OriginPolicy) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 8192,
		CheckOrigin:     origins.CheckOrigin,
	}
}

// handleStateStream upgrades to a websocket and pushes snapshots until the
// client goes away. A subscription starts primed with the current snapshot.
// Clients only receive; anything they send is discarded.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("state stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.agent.Subscribe()
	defer unsubscribe()

	s.logger.Debug("state stream opened", "remote_addr", r.RemoteAddr)
	defer s.logger.Debug("state stream closed", "remote_addr", r.RemoteAddr)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(streamPongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait)) //nolint:errcheck
		return conn.WriteJSON(v) == nil
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case snap := <-updates:
			if !write(snap) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
