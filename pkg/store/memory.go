package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/botchat/pkg/chat"
)

// MemoryStore is an in-memory Store used in tests and for ephemeral
// runs. A single mutex serializes all writes, which satisfies the
// per-id write ordering the relay engine relies on.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	bots     map[int64]chat.Bot
	chats    map[int64]chat.Chat
	messages map[int64]chat.Message
	settings chat.Settings
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:     map[int64]chat.Bot{},
		chats:    map[int64]chat.Chat{},
		messages: map[int64]chat.Message{},
		settings: chat.Settings{Stream: true},
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) nextIDLocked() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) CreateBot(_ context.Context, b chat.Bot) (chat.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = s.nextIDLocked()
	s.bots[b.ID] = b
	return b, nil
}

func (s *MemoryStore) GetBot(_ context.Context, id int64) (chat.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[id]
	if !ok {
		return chat.Bot{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) ListBots(_ context.Context) ([]chat.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Bot, 0, len(s.bots))
	for _, b := range s.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateBot(_ context.Context, b chat.Bot) (chat.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[b.ID]; !ok {
		return chat.Bot{}, ErrNotFound
	}
	s.bots[b.ID] = b
	return b, nil
}

func (s *MemoryStore) DeleteBot(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[id]; !ok {
		return ErrNotFound
	}
	delete(s.bots, id)
	return nil
}

func (s *MemoryStore) CreateChat(_ context.Context, c chat.Chat) (chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextIDLocked()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.chats[c.ID] = c
	return c, nil
}

func (s *MemoryStore) GetChat(_ context.Context, id int64) (chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return chat.Chat{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListChats(_ context.Context, botID int64) ([]chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []chat.Chat{}
	for _, c := range s.chats {
		if c.BotID == botID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteChat(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; !ok {
		return ErrNotFound
	}
	delete(s.chats, id)
	for mid, m := range s.messages {
		if m.ChatID == id {
			delete(s.messages, mid)
		}
	}
	return nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m chat.Message) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextIDLocked()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[m.ID] = m
	return m, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID int64) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []chat.Message{}
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateMessageContent(_ context.Context, id int64, content string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	m.Content = content
	s.messages[id] = m
	return m, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) GetSettings(_ context.Context) (chat.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *MemoryStore) UpdateSettings(_ context.Context, st chat.Settings) (chat.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
	return st, nil
}
