package relay

import (
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/botchat/pkg/chat"
)

// Outbound event types, mirrored verbatim on the websocket wire.
const (
	EventMessageUpdate   = "message-update"
	EventMessageComplete = "message-complete"
	EventMessageEdited   = "message-edited"
	EventMessageError    = "message-error"
)

// Frame is the JSON payload published per event. Update frames carry
// the accumulated content so far; complete and edited frames embed the
// persisted message; error frames carry a human-readable reason.
type Frame struct {
	Type      string        `json:"type"`
	MessageID int64         `json:"messageId"`
	Content   string        `json:"content,omitempty"`
	Message   *chat.Message `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// TopicForChat computes the bus topic all events of a chat are
// published on.
func TopicForChat(chatID int64) string {
	return "chat:" + strconv.FormatInt(chatID, 10)
}

// publish is fire-and-forget: a failing bus delivery is logged, never
// escalated to the exchange.
func (e *Engine) publish(chatID int64, f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		log.Warn().Err(err).Str("component", "relay").Int64("chat_id", chatID).Msg("failed to marshal event frame")
		return
	}
	msg := message.NewMessage(uuid.NewString(), b)
	if err := e.pub.Publish(TopicForChat(chatID), msg); err != nil {
		log.Warn().Err(err).Str("component", "relay").Int64("chat_id", chatID).Str("type", f.Type).Msg("failed to publish event")
	}
}
