package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/botchat/pkg/chat"
	"github.com/go-go-golems/botchat/pkg/completion"
	"github.com/go-go-golems/botchat/pkg/store"
)

// fakeCompleter plays back scripted deltas, optionally failing after
// some of them.
type fakeCompleter struct {
	deltas    []string
	failAfter int // -1 = never fail
	checkErr  error

	gotPrompts []completion.Prompt
	gotModel   string
}

func (f *fakeCompleter) CheckConfig(_ chat.Settings) error { return f.checkErr }

func (f *fakeCompleter) Complete(_ context.Context, _ chat.Settings, model string, prompts []completion.Prompt, onDelta func(string) error) error {
	f.gotModel = model
	f.gotPrompts = prompts
	for i, d := range f.deltas {
		if f.failAfter >= 0 && i == f.failAfter {
			return errors.New("upstream exploded")
		}
		if err := onDelta(d); err != nil {
			return err
		}
	}
	if f.failAfter >= 0 && f.failAfter >= len(f.deltas) {
		return errors.New("upstream exploded")
	}
	return nil
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	chat   chat.Chat
	bot    chat.Bot
	frames <-chan *message.Message
}

func newFixture(t *testing.T, completer Completer) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	bot, err := st.CreateBot(ctx, chat.Bot{Name: "Helper", Model: "gpt-4o", Description: "A helpful bot."})
	require.NoError(t, err)
	cht, err := st.CreateChat(ctx, chat.Chat{BotID: bot.ID, Title: "test"})
	require.NoError(t, err)

	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	frames, err := bus.Subscribe(ctx, TopicForChat(cht.ID))
	require.NoError(t, err)

	engine, err := NewEngine(EngineConfig{
		BaseCtx:   ctx,
		Store:     st,
		Completer: completer,
		Publisher: bus,
	})
	require.NoError(t, err)

	return &fixture{engine: engine, store: st, chat: cht, bot: bot, frames: frames}
}

func (f *fixture) collectFrames(t *testing.T, n int) []Frame {
	t.Helper()
	out := make([]Frame, 0, n)
	for len(out) < n {
		select {
		case msg := <-f.frames:
			var fr Frame
			require.NoError(t, json.Unmarshal(msg.Payload, &fr))
			msg.Ack()
			out = append(out, fr)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d of %d (got %v)", len(out)+1, n, out)
		}
	}
	return out
}

func TestSendMessageReturnsPlaceholderImmediately(t *testing.T) {
	f := newFixture(t, &fakeCompleter{deltas: []string{"Hi"}, failAfter: -1})

	res, err := f.engine.SendMessage(context.Background(), f.chat.ID, "hello", nil)
	require.NoError(t, err)
	require.Equal(t, chat.RoleUser, res.UserMessage.Role)
	require.Equal(t, "hello", res.UserMessage.Content)
	require.Equal(t, chat.RoleAssistant, res.BotMessage.Role)
	require.Empty(t, res.BotMessage.Content)
	require.NotZero(t, res.BotMessage.ID)

	// Drain so the goroutine finishes cleanly.
	f.collectFrames(t, 2)
}

func TestStreamingPersistsSnapshotsAndCompletes(t *testing.T) {
	completer := &fakeCompleter{deltas: []string{"Hel", "lo!"}, failAfter: -1}
	f := newFixture(t, completer)

	res, err := f.engine.SendMessage(context.Background(), f.chat.ID, "hi", nil)
	require.NoError(t, err)

	frames := f.collectFrames(t, 3)
	require.Equal(t, EventMessageUpdate, frames[0].Type)
	require.Equal(t, res.BotMessage.ID, frames[0].MessageID)
	require.Equal(t, "Hel", frames[0].Content)
	require.Equal(t, EventMessageUpdate, frames[1].Type)
	require.Equal(t, "Hello!", frames[1].Content)
	require.Equal(t, EventMessageComplete, frames[2].Type)
	require.NotNil(t, frames[2].Message)
	require.Equal(t, "Hello!", frames[2].Message.Content)

	persisted, err := f.store.GetMessage(context.Background(), res.BotMessage.ID)
	require.NoError(t, err)
	require.Equal(t, "Hello!", persisted.Content)
	require.Equal(t, chat.RoleAssistant, persisted.Role)

	require.Equal(t, "gpt-4o", completer.gotModel)
	require.NotEmpty(t, completer.gotPrompts)
	require.Equal(t, chat.RoleSystem, completer.gotPrompts[0].Role)
	require.Contains(t, completer.gotPrompts[0].Content, "Helper")
	// The placeholder itself is excluded from the upstream history.
	last := completer.gotPrompts[len(completer.gotPrompts)-1]
	require.Equal(t, chat.RoleUser, last.Role)
	require.Equal(t, "hi", last.Content)
}

func TestUpstreamFailurePersistsFallback(t *testing.T) {
	f := newFixture(t, &fakeCompleter{deltas: []string{"par", "tial"}, failAfter: 1})

	res, err := f.engine.SendMessage(context.Background(), f.chat.ID, "hi", nil)
	require.NoError(t, err)

	frames := f.collectFrames(t, 2)
	require.Equal(t, EventMessageUpdate, frames[0].Type)
	require.Equal(t, EventMessageError, frames[1].Type)
	require.Contains(t, frames[1].Error, "upstream exploded")

	persisted, err := f.store.GetMessage(context.Background(), res.BotMessage.ID)
	require.NoError(t, err)
	require.Equal(t, FallbackContent, persisted.Content)

	// No message-complete follows the error.
	select {
	case msg := <-f.frames:
		var fr Frame
		require.NoError(t, json.Unmarshal(msg.Payload, &fr))
		t.Fatalf("unexpected extra frame %q", fr.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestImmediateFailurePersistsFallback(t *testing.T) {
	f := newFixture(t, &fakeCompleter{failAfter: 0})

	res, err := f.engine.SendMessage(context.Background(), f.chat.ID, "hi", nil)
	require.NoError(t, err)

	frames := f.collectFrames(t, 1)
	require.Equal(t, EventMessageError, frames[0].Type)

	persisted, err := f.store.GetMessage(context.Background(), res.BotMessage.ID)
	require.NoError(t, err)
	require.Equal(t, FallbackContent, persisted.Content)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t, &fakeCompleter{failAfter: -1})

	_, err := f.engine.SendMessage(context.Background(), 9999, "hi", nil)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.engine.SendMessage(context.Background(), f.chat.ID, "   ", nil)
	require.ErrorIs(t, err, ErrEmptyMessage)

	// Files alone are enough.
	res, err := f.engine.SendMessage(context.Background(), f.chat.ID, "", []chat.FileAttachment{
		{Name: "notes.txt", Type: "text/plain", Content: []byte("remember the milk")},
	})
	require.NoError(t, err)
	require.NotZero(t, res.UserMessage.ID)
	f.collectFrames(t, 1)
}

func TestUnresolvableKeyFailsBeforePlaceholder(t *testing.T) {
	f := newFixture(t, &fakeCompleter{checkErr: completion.ErrNoAPIKey})

	_, err := f.engine.SendMessage(context.Background(), f.chat.ID, "hi", nil)
	require.ErrorIs(t, err, completion.ErrNoAPIKey)

	// The user message survives, no placeholder was created.
	msgs, err := f.store.ListMessages(context.Background(), f.chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, chat.RoleUser, msgs[0].Role)
}

func TestAttachmentsLandInSystemPrompt(t *testing.T) {
	completer := &fakeCompleter{deltas: []string{"ok"}, failAfter: -1}
	f := newFixture(t, completer)

	_, err := f.engine.SendMessage(context.Background(), f.chat.ID, "summarize", []chat.FileAttachment{
		{Name: "todo.md", Type: "text/markdown", Content: []byte("- buy milk")},
	})
	require.NoError(t, err)
	f.collectFrames(t, 2)

	require.Contains(t, completer.gotPrompts[0].Content, `"todo.md"`)
	require.Contains(t, completer.gotPrompts[0].Content, "- buy milk")
}

func TestEditMessageOverwritesAndBroadcasts(t *testing.T) {
	f := newFixture(t, &fakeCompleter{deltas: []string{"draft"}, failAfter: -1})

	res, err := f.engine.SendMessage(context.Background(), f.chat.ID, "hi", nil)
	require.NoError(t, err)
	f.collectFrames(t, 2)

	// Assistant messages are editable too.
	edited, err := f.engine.EditMessage(context.Background(), res.BotMessage.ID, "rewritten")
	require.NoError(t, err)
	require.Equal(t, "rewritten", edited.Content)

	frames := f.collectFrames(t, 1)
	require.Equal(t, EventMessageEdited, frames[0].Type)
	require.NotNil(t, frames[0].Message)
	require.Equal(t, "rewritten", frames[0].Message.Content)

	_, err = f.engine.EditMessage(context.Background(), 9999, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// deadlineStore refuses writes once the caller's context is done,
// like the sqlite store does through ExecContext.
type deadlineStore struct {
	*store.MemoryStore
}

func (s *deadlineStore) UpdateMessageContent(ctx context.Context, id int64, content string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	return s.MemoryStore.UpdateMessageContent(ctx, id, content)
}

// blockingCompleter emits one delta, then holds the exchange open
// until its context expires.
type blockingCompleter struct{}

func (blockingCompleter) CheckConfig(chat.Settings) error { return nil }

func (blockingCompleter) Complete(ctx context.Context, _ chat.Settings, _ string, _ []completion.Prompt, onDelta func(string) error) error {
	if err := onDelta("par"); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestExchangeTimeoutStillPersistsFallback(t *testing.T) {
	ctx := context.Background()
	st := &deadlineStore{MemoryStore: store.NewMemoryStore()}
	bot, err := st.CreateBot(ctx, chat.Bot{Name: "Helper", Model: "gpt-4o"})
	require.NoError(t, err)
	cht, err := st.CreateChat(ctx, chat.Chat{BotID: bot.ID})
	require.NoError(t, err)

	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	frames, err := bus.Subscribe(ctx, TopicForChat(cht.ID))
	require.NoError(t, err)

	engine, err := NewEngine(EngineConfig{
		BaseCtx:         ctx,
		Store:           st,
		Completer:       blockingCompleter{},
		Publisher:       bus,
		ExchangeTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	res, err := engine.SendMessage(ctx, cht.ID, "hi", nil)
	require.NoError(t, err)

	f := &fixture{frames: frames}
	got := f.collectFrames(t, 2)
	require.Equal(t, EventMessageUpdate, got[0].Type)
	require.Equal(t, EventMessageError, got[1].Type)

	// The fallback write must not die with the exchange context.
	persisted, err := st.GetMessage(ctx, res.BotMessage.ID)
	require.NoError(t, err)
	require.Equal(t, FallbackContent, persisted.Content)
}

func TestTargetGoneMidStreamDoesNotCrash(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	bot, err := st.CreateBot(ctx, chat.Bot{Name: "Helper", Model: "gpt-4o"})
	require.NoError(t, err)
	cht, err := st.CreateChat(ctx, chat.Chat{BotID: bot.ID})
	require.NoError(t, err)

	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	frames, err := bus.Subscribe(ctx, TopicForChat(cht.ID))
	require.NoError(t, err)

	var engine *Engine
	deleting := &fakeCompleter{deltas: []string{"a", "b"}, failAfter: -1}
	engine, err = NewEngine(EngineConfig{BaseCtx: ctx, Store: st, Completer: deleting, Publisher: bus})
	require.NoError(t, err)

	res, err := engine.SendMessage(ctx, cht.ID, "hi", nil)
	require.NoError(t, err)

	// Delete the chat (and its messages) while the stream runs. The
	// exchange must still reach a terminal event without panicking.
	require.NoError(t, st.DeleteChat(ctx, cht.ID))
	_ = res

	var sawTerminal bool
	deadline := time.After(2 * time.Second)
	for !sawTerminal {
		select {
		case msg := <-frames:
			var fr Frame
			require.NoError(t, json.Unmarshal(msg.Payload, &fr))
			msg.Ack()
			if fr.Type == EventMessageComplete || fr.Type == EventMessageError {
				sawTerminal = true
			}
		case <-deadline:
			t.Fatal("exchange never reached a terminal event")
		}
	}
}
