package webapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// joinFrame is the only inbound frame type: it binds the connection
// to a chat, replacing any previous binding.
type joinFrame struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
}

// handleWS upgrades the connection, registers it with the hub and
// pumps inbound join frames until the peer goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("component", "webapi").Msg("websocket upgrade failed")
		return
	}
	conn := s.hub.Register(ws)
	wsLog := log.With().
		Str("component", "webapi").
		Str("remote", ws.RemoteAddr().String()).
		Str("conn_id", conn.ID()).
		Logger()
	wsLog.Debug().Msg("ws connected")

	go func() {
		defer s.hub.Unregister(conn)
		defer wsLog.Debug().Msg("ws disconnected")
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var frame joinFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				wsLog.Debug().Err(err).Msg("ignoring unparseable frame")
				continue
			}
			if frame.Type != "join" {
				wsLog.Debug().Str("type", frame.Type).Msg("ignoring unknown frame type")
				continue
			}
			if err := s.hub.Join(conn, frame.ChatID); err != nil {
				wsLog.Warn().Err(err).Int64("chat_id", frame.ChatID).Msg("join failed")
			}
		}
	}()
}
