package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/botchat/pkg/chat"
	"github.com/go-go-golems/botchat/pkg/completion"
	"github.com/go-go-golems/botchat/pkg/metrics"
	"github.com/go-go-golems/botchat/pkg/store"
)

// FallbackContent is persisted into the assistant message whenever an
// exchange fails after the placeholder was created. The submitting
// client already got its 201; this text plus the message-error event
// are the only failure signals.
const FallbackContent = "Sorry, I had trouble generating a response. Please try again."

// ErrEmptyMessage rejects submissions with neither content nor files.
var ErrEmptyMessage = errors.New("message content and files are both empty")

// Completer drives one upstream completion. Implemented by
// completion.Client; tests substitute fakes.
type Completer interface {
	CheckConfig(cfg chat.Settings) error
	Complete(ctx context.Context, cfg chat.Settings, model string, prompts []completion.Prompt, onDelta func(delta string) error) error
}

// Engine orchestrates one message exchange: it records the user
// message, creates the assistant placeholder, drives the completion
// client in the background and publishes events as content arrives.
type Engine struct {
	store     store.Store
	completer Completer
	pub       message.Publisher

	// baseCtx scopes background streaming, which outlives the
	// submitting request.
	baseCtx         context.Context
	exchangeTimeout time.Duration
}

type EngineConfig struct {
	BaseCtx         context.Context
	Store           store.Store
	Completer       Completer
	Publisher       message.Publisher
	ExchangeTimeout time.Duration
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("relay engine base context is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("relay engine store is nil")
	}
	if cfg.Completer == nil {
		return nil, errors.New("relay engine completer is nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("relay engine publisher is nil")
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = 5 * time.Minute
	}
	return &Engine{
		store:           cfg.Store,
		completer:       cfg.Completer,
		pub:             cfg.Publisher,
		baseCtx:         cfg.BaseCtx,
		exchangeTimeout: cfg.ExchangeTimeout,
	}, nil
}

// SendResult is returned to the caller as soon as both messages exist;
// the bot message content is still empty at that point.
type SendResult struct {
	UserMessage chat.Message `json:"userMessage"`
	BotMessage  chat.Message `json:"botMessage"`
}

// SendMessage validates and records the user message, creates the
// assistant placeholder and starts streaming in the background. It
// returns before any generation happens.
func (e *Engine) SendMessage(ctx context.Context, chatID int64, content string, files []chat.FileAttachment) (SendResult, error) {
	cht, err := e.store.GetChat(ctx, chatID)
	if err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(content) == "" && len(files) == 0 {
		return SendResult{}, ErrEmptyMessage
	}

	userMsg, err := e.store.CreateMessage(ctx, chat.Message{
		ChatID:  chatID,
		Role:    chat.RoleUser,
		Content: content,
		Files:   files,
	})
	if err != nil {
		return SendResult{}, errors.Wrap(err, "persist user message")
	}

	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return SendResult{}, errors.Wrap(err, "load settings")
	}
	if err := e.completer.CheckConfig(settings); err != nil {
		return SendResult{}, err
	}
	bot, err := e.store.GetBot(ctx, cht.BotID)
	if err != nil {
		return SendResult{}, errors.Wrap(err, "resolve bot")
	}

	botMsg, err := e.store.CreateMessage(ctx, chat.Message{
		ChatID: chatID,
		Role:   chat.RoleAssistant,
	})
	if err != nil {
		return SendResult{}, errors.Wrap(err, "create placeholder message")
	}

	go e.runExchange(bot, settings, userMsg, botMsg.ID)

	return SendResult{UserMessage: userMsg, BotMessage: botMsg}, nil
}

// runExchange drives the completion and always reaches a terminal
// state: either message-complete or message-error, never both.
func (e *Engine) runExchange(bot chat.Bot, settings chat.Settings, userMsg chat.Message, botMsgID int64) {
	ctx, cancel := context.WithTimeout(e.baseCtx, e.exchangeTimeout)
	defer cancel()

	exLog := log.With().
		Str("component", "relay").
		Int64("chat_id", userMsg.ChatID).
		Int64("message_id", botMsgID).
		Logger()

	prompts, err := e.buildHistory(ctx, bot, userMsg, botMsgID)
	if err == nil {
		var acc strings.Builder
		err = e.completer.Complete(ctx, settings, bot.Model, prompts, func(delta string) error {
			acc.WriteString(delta)
			metrics.DeltasTotal.Inc()
			if _, perr := e.store.UpdateMessageContent(ctx, botMsgID, acc.String()); perr != nil {
				// Target may be gone (chat or message deleted
				// mid-stream); keep the exchange alive.
				exLog.Warn().Err(perr).Msg("failed to persist streaming snapshot")
			}
			e.publish(userMsg.ChatID, Frame{Type: EventMessageUpdate, MessageID: botMsgID, Content: acc.String()})
			return nil
		})
		if err == nil {
			final, perr := e.store.UpdateMessageContent(ctx, botMsgID, acc.String())
			if perr != nil {
				exLog.Warn().Err(perr).Msg("failed to persist final content")
				final = chat.Message{ID: botMsgID, ChatID: userMsg.ChatID, Role: chat.RoleAssistant, Content: acc.String()}
			}
			e.publish(userMsg.ChatID, Frame{Type: EventMessageComplete, MessageID: botMsgID, Message: &final})
			metrics.ExchangesTotal.WithLabelValues("completed").Inc()
			exLog.Debug().Int("content_len", acc.Len()).Msg("exchange completed")
			return
		}
	}

	exLog.Warn().Err(err).Msg("exchange failed, persisting fallback content")
	// The exchange context may be the reason for the failure (timeout,
	// shutdown); the fallback write must not inherit its expiry.
	persistCtx, persistCancel := context.WithTimeout(context.WithoutCancel(e.baseCtx), 10*time.Second)
	defer persistCancel()
	if _, perr := e.store.UpdateMessageContent(persistCtx, botMsgID, FallbackContent); perr != nil {
		exLog.Warn().Err(perr).Msg("failed to persist fallback content")
	}
	e.publish(userMsg.ChatID, Frame{Type: EventMessageError, MessageID: botMsgID, Error: err.Error()})
	metrics.ExchangesTotal.WithLabelValues("failed").Inc()
}

// EditMessage overwrites a message's content in place and broadcasts
// the result. Both user and assistant messages are editable; a
// concurrent edit against an in-flight streaming update on the same id
// is last-write-wins.
func (e *Engine) EditMessage(ctx context.Context, id int64, content string) (chat.Message, error) {
	if _, err := e.store.GetMessage(ctx, id); err != nil {
		return chat.Message{}, err
	}
	msg, err := e.store.UpdateMessageContent(ctx, id, content)
	if err != nil {
		return chat.Message{}, err
	}
	e.publish(msg.ChatID, Frame{Type: EventMessageEdited, MessageID: msg.ID, Message: &msg})
	return msg, nil
}

// buildHistory assembles the upstream request: a synthesized leading
// system prompt followed by every prior chat message except the
// placeholder itself.
func (e *Engine) buildHistory(ctx context.Context, bot chat.Bot, userMsg chat.Message, placeholderID int64) ([]completion.Prompt, error) {
	msgs, err := e.store.ListMessages(ctx, userMsg.ChatID)
	if err != nil {
		return nil, errors.Wrap(err, "load chat history")
	}
	prompts := make([]completion.Prompt, 0, len(msgs)+1)
	prompts = append(prompts, completion.Prompt{
		Role:    chat.RoleSystem,
		Content: buildSystemPrompt(bot, userMsg.Files),
	})
	for _, m := range msgs {
		if m.ID == placeholderID {
			continue
		}
		prompts = append(prompts, completion.Prompt{Role: m.Role, Content: m.Content})
	}
	return prompts, nil
}

func buildSystemPrompt(bot chat.Bot, files []chat.FileAttachment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", bot.Name)
	if strings.TrimSpace(bot.Description) != "" {
		fmt.Fprintf(&b, " %s", bot.Description)
	}
	for _, f := range files {
		fmt.Fprintf(&b, "\n\nThe user attached a file named %q (%s):\n%s", f.Name, f.Type, string(f.Content))
	}
	return b.String()
}
