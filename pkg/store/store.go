package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/botchat/pkg/chat"
)

// ErrNotFound is returned when the requested entity id does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable record store behind the chat server. Writes to
// the same entity id are serialized by the implementation; callers may
// issue concurrent reads and writes to disjoint ids freely.
type Store interface {
	CreateBot(ctx context.Context, b chat.Bot) (chat.Bot, error)
	GetBot(ctx context.Context, id int64) (chat.Bot, error)
	ListBots(ctx context.Context) ([]chat.Bot, error)
	UpdateBot(ctx context.Context, b chat.Bot) (chat.Bot, error)
	DeleteBot(ctx context.Context, id int64) error

	CreateChat(ctx context.Context, c chat.Chat) (chat.Chat, error)
	GetChat(ctx context.Context, id int64) (chat.Chat, error)
	ListChats(ctx context.Context, botID int64) ([]chat.Chat, error)
	DeleteChat(ctx context.Context, id int64) error

	CreateMessage(ctx context.Context, m chat.Message) (chat.Message, error)
	GetMessage(ctx context.Context, id int64) (chat.Message, error)
	// ListMessages returns the chat's messages ordered by creation
	// time, ties broken by id.
	ListMessages(ctx context.Context, chatID int64) ([]chat.Message, error)
	// UpdateMessageContent overwrites the content field in place.
	UpdateMessageContent(ctx context.Context, id int64, content string) (chat.Message, error)
	DeleteMessage(ctx context.Context, id int64) error

	GetSettings(ctx context.Context) (chat.Settings, error)
	UpdateSettings(ctx context.Context, s chat.Settings) (chat.Settings, error)

	Close() error
}
