package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/botchat/pkg/chat"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBotCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.CreateBot(ctx, chat.Bot{Name: "Helper", Avatar: "🤖", Color: "#336699", Description: "general helper", Model: "gpt-4o"})
	require.NoError(t, err)
	require.NotZero(t, b.ID)

	got, err := s.GetBot(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, b, got)

	b.Name = "Helper v2"
	b.Model = "gpt-4o-mini"
	updated, err := s.UpdateBot(ctx, b)
	require.NoError(t, err)
	require.Equal(t, b, updated)

	bots, err := s.ListBots(ctx)
	require.NoError(t, err)
	require.Len(t, bots, 1)
	require.Equal(t, "Helper v2", bots[0].Name)

	require.NoError(t, s.DeleteBot(ctx, b.ID))
	_, err = s.GetBot(ctx, b.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.UpdateBot(ctx, chat.Bot{ID: 999, Name: "ghost"})
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.DeleteBot(ctx, 999), ErrNotFound)
}

func TestChatLifecycleAndCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bot, err := s.CreateBot(ctx, chat.Bot{Name: "Helper"})
	require.NoError(t, err)

	c1, err := s.CreateChat(ctx, chat.Chat{BotID: bot.ID, Title: "first"})
	require.NoError(t, err)
	c2, err := s.CreateChat(ctx, chat.Chat{BotID: bot.ID, Title: "second"})
	require.NoError(t, err)

	got, err := s.GetChat(ctx, c1.ID)
	require.NoError(t, err)
	require.Equal(t, "first", got.Title)
	require.False(t, got.CreatedAt.IsZero())

	chats, err := s.ListChats(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, chats, 2)

	m, err := s.CreateMessage(ctx, chat.Message{ChatID: c1.ID, Role: chat.RoleUser, Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteChat(ctx, c1.ID))
	_, err = s.GetChat(ctx, c1.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetMessage(ctx, m.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// Sibling chats are untouched.
	_, err = s.GetChat(ctx, c2.ID)
	require.NoError(t, err)

	require.ErrorIs(t, s.DeleteChat(ctx, c1.ID), ErrNotFound)
}

func TestDeleteChatFailureLeavesEverythingInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateChat(ctx, chat.Chat{BotID: 1, Title: "keep"})
	require.NoError(t, err)
	m, err := s.CreateMessage(ctx, chat.Message{ChatID: c.ID, Role: chat.RoleUser, Content: "hi"})
	require.NoError(t, err)

	// A failing delete must not take effect partially: both the chat
	// and its messages survive.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, s.DeleteChat(cancelled, c.ID))

	_, err = s.GetChat(ctx, c.ID)
	require.NoError(t, err)
	_, err = s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
}

func TestMessageOrderingBreaksTiesByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateChat(ctx, chat.Chat{BotID: 1})
	require.NoError(t, err)

	// Same creation timestamp for all three; insertion order must win.
	at := time.UnixMilli(1_700_000_000_000)
	for _, content := range []string{"one", "two", "three"} {
		_, err := s.CreateMessage(ctx, chat.Message{ChatID: c.ID, Role: chat.RoleUser, Content: content, CreatedAt: at})
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "one", msgs[0].Content)
	require.Equal(t, "two", msgs[1].Content)
	require.Equal(t, "three", msgs[2].Content)
}

func TestMessageFilesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMessage(ctx, chat.Message{
		ChatID:  1,
		Role:    chat.RoleUser,
		Content: "see attached",
		Files: []chat.FileAttachment{
			{Name: "notes.txt", Type: "text/plain", Content: []byte("line one\nline two")},
		},
	})
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, got.Files, 1)
	require.Equal(t, "notes.txt", got.Files[0].Name)
	require.Equal(t, []byte("line one\nline two"), got.Files[0].Content)
}

func TestUpdateMessageContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMessage(ctx, chat.Message{ChatID: 1, Role: chat.RoleAssistant, Content: ""})
	require.NoError(t, err)

	updated, err := s.UpdateMessageContent(ctx, m.ID, "partial sn")
	require.NoError(t, err)
	require.Equal(t, "partial sn", updated.Content)
	require.Equal(t, m.ID, updated.ID)

	_, err = s.UpdateMessageContent(ctx, 999, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteMessage(ctx, m.ID))
	require.ErrorIs(t, s.DeleteMessage(ctx, m.ID), ErrNotFound)
}

func TestSettingsSingleton(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.GetSettings(ctx)
	require.NoError(t, err)
	require.Empty(t, st.APIKey)
	require.True(t, st.Stream)

	want := chat.Settings{
		APIKey:       "sk-test",
		BaseURL:      "https://api.example.com/v1",
		MaxTokens:    512,
		Temperature:  0.7,
		TopP:         0.9,
		Stream:       false,
		ExtraHeaders: `{"X-Org":"acme"}`,
	}
	saved, err := s.UpdateSettings(ctx, want)
	require.NoError(t, err)
	require.Equal(t, want, saved)

	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
