package chat

import (
	"time"
)

// Role tags a message with its author kind. A message's role never
// changes after creation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Bot is a configurable assistant persona. Bots are referenced by
// chats and resolved again on every exchange, so edits take effect on
// the next message.
type Bot struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar"`
	Color       string `json:"color"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model"`
}

// Chat is one conversation owned by a bot. Its messages are ordered by
// creation time, ties broken by id.
type Chat struct {
	ID        int64     `json:"id"`
	BotID     int64     `json:"botId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// FileAttachment is immutable once attached to a message. Content is
// carried as base64 in JSON.
type FileAttachment struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content []byte `json:"content"`
}

// Message content is mutable in place: the relay engine overwrites it
// with each streamed snapshot, and explicit edits overwrite it too.
// Both writers are last-write-wins on the single content field.
type Message struct {
	ID        int64            `json:"id"`
	ChatID    int64            `json:"chatId"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Files     []FileAttachment `json:"files,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Settings is the process-wide provider configuration. It is read per
// exchange, never cached across requests. ExtraHeaders holds a JSON
// object of additional HTTP headers as entered by the user; it is
// parsed by the completion client and may be rejected as malformed.
type Settings struct {
	APIKey       string  `json:"apiKey"`
	BaseURL      string  `json:"baseUrl"`
	MaxTokens    int     `json:"maxTokens"`
	Temperature  float32 `json:"temperature"`
	TopP         float32 `json:"topP"`
	Stream       bool    `json:"stream"`
	ExtraHeaders string  `json:"headers"`
}
