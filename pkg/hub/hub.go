// Package hub maintains the mapping from chat id to live viewer
// connections and fans chat events out to them. Events arrive on the
// event bus, one topic per chat; a reader goroutine per chat forwards
// every payload to the chat's connection pool.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/botchat/pkg/metrics"
	"github.com/go-go-golems/botchat/pkg/relay"
)

type Config struct {
	BaseCtx    context.Context
	Subscriber message.Subscriber

	// SendBuffer is the per-connection outbound queue size.
	SendBuffer   int
	WriteTimeout time.Duration
	// IdleTimeout stops a chat's reader after its last viewer left.
	IdleTimeout time.Duration
}

// Hub owns all Connection state; nothing else touches it. A connection
// is bound to at most one chat at a time and join rebinds it.
type Hub struct {
	baseCtx      context.Context
	sub          message.Subscriber
	sendBuffer   int
	writeTimeout time.Duration
	idleTimeout  time.Duration

	mu     sync.Mutex
	conns  map[*Conn]int64 // bound chat id, 0 = unbound
	groups map[int64]*group
}

type group struct {
	pool   *connPool
	cancel context.CancelFunc
}

func New(cfg Config) (*Hub, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("hub base context is nil")
	}
	if cfg.Subscriber == nil {
		return nil, errors.New("hub subscriber is nil")
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		baseCtx:      cfg.BaseCtx,
		sub:          cfg.Subscriber,
		sendBuffer:   cfg.SendBuffer,
		writeTimeout: cfg.WriteTimeout,
		idleTimeout:  cfg.IdleTimeout,
		conns:        map[*Conn]int64{},
		groups:       map[int64]*group{},
	}, nil
}

// Register adds a fresh, unbound connection and starts its writer.
func (h *Hub) Register(ws wsConn) *Conn {
	c := newConn(ws, h.sendBuffer, h.writeTimeout, h.Unregister)
	h.mu.Lock()
	h.conns[c] = 0
	h.mu.Unlock()
	metrics.WSConnections.Inc()
	log.Debug().Str("component", "hub").Str("conn_id", c.ID()).Msg("connection registered")
	return c
}

// Join binds the connection to a chat, replacing any previous binding.
func (h *Hub) Join(c *Conn, chatID int64) error {
	if c == nil {
		return errors.New("join: connection is nil")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.conns[c]
	if !ok {
		return errors.New("join: connection is not registered")
	}
	if prev == chatID {
		return nil
	}
	// Secure the new group before leaving the old pool so a subscribe
	// failure leaves the previous binding intact.
	g, err := h.ensureGroupLocked(chatID)
	if err != nil {
		return err
	}
	if pg := h.groups[prev]; pg != nil {
		pg.pool.remove(c)
	}
	g.pool.add(c)
	h.conns[c] = chatID
	log.Debug().Str("component", "hub").Str("conn_id", c.ID()).Int64("chat_id", chatID).Msg("connection joined chat")
	return nil
}

// Unregister removes the connection and closes it. Idempotent; also
// used as the dead-connection callback from writer and pool.
func (h *Hub) Unregister(c *Conn) {
	if c == nil {
		return
	}
	h.mu.Lock()
	chatID, ok := h.conns[c]
	if ok {
		delete(h.conns, c)
		if g := h.groups[chatID]; g != nil {
			g.pool.remove(c)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	metrics.WSConnections.Dec()
	log.Debug().Str("component", "hub").Str("conn_id", c.ID()).Msg("connection unregistered")
}

// Publish delivers an event payload to every connection bound to the
// chat. Fire-and-forget: connections without capacity are dropped.
func (h *Hub) Publish(chatID int64, payload []byte) {
	h.mu.Lock()
	g := h.groups[chatID]
	h.mu.Unlock()
	if g == nil {
		return
	}
	g.pool.broadcast(payload)
}

// ConnCount reports all registered connections, bound or not.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ChatConnCount reports connections currently bound to one chat.
func (h *Hub) ChatConnCount(chatID int64) int {
	h.mu.Lock()
	g := h.groups[chatID]
	h.mu.Unlock()
	if g == nil {
		return 0
	}
	return g.pool.count()
}

// Close tears down all readers and connections.
func (h *Hub) Close() {
	h.mu.Lock()
	groups := h.groups
	conns := h.conns
	h.groups = map[int64]*group{}
	h.conns = map[*Conn]int64{}
	h.mu.Unlock()
	for _, g := range groups {
		g.cancel()
		g.pool.closeAll()
	}
	for c := range conns {
		c.close()
		metrics.WSConnections.Dec()
	}
}

// ensureGroupLocked returns the chat's group, subscribing to its topic
// on first use. Caller holds h.mu.
func (h *Hub) ensureGroupLocked(chatID int64) (*group, error) {
	if g, ok := h.groups[chatID]; ok {
		return g, nil
	}
	readCtx, cancel := context.WithCancel(h.baseCtx)
	topic := relay.TopicForChat(chatID)
	ch, err := h.sub.Subscribe(readCtx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	g := &group{cancel: cancel}
	g.pool = newConnPool(chatID, h.idleTimeout, func() { h.retireGroup(chatID) }, h.Unregister)
	h.groups[chatID] = g
	log.Info().Str("component", "hub").Int64("chat_id", chatID).Str("topic", topic).Msg("starting chat reader")
	go func() {
		for msg := range ch {
			h.Publish(chatID, msg.Payload)
			msg.Ack()
		}
		log.Info().Str("component", "hub").Int64("chat_id", chatID).Msg("chat reader stopped")
	}()
	return g, nil
}

// retireGroup stops the reader once the chat has been idle for the
// configured timeout and nobody rejoined meanwhile.
func (h *Hub) retireGroup(chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g := h.groups[chatID]
	if g == nil || g.pool.count() != 0 {
		return
	}
	g.cancel()
	delete(h.groups, chatID)
	log.Debug().Str("component", "hub").Int64("chat_id", chatID).Msg("idle timeout reached, retiring chat reader")
}
