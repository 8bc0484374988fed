package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// connPool holds the connections currently joined to one chat. It
// centralizes broadcasting and idle detection so the hub proper stays
// small.
type connPool struct {
	chatID      int64
	mu          sync.Mutex
	conns       map[*Conn]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
	onDead      func(*Conn)
}

func newConnPool(chatID int64, idleTimeout time.Duration, onIdle func(), onDead func(*Conn)) *connPool {
	return &connPool{
		chatID:      chatID,
		conns:       map[*Conn]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
		onDead:      onDead,
	}
}

func (p *connPool) add(c *Conn) {
	if p == nil || c == nil {
		return
	}
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.stopIdleTimerLocked()
	p.mu.Unlock()
}

func (p *connPool) remove(c *Conn) {
	if p == nil || c == nil {
		return
	}
	p.mu.Lock()
	delete(p.conns, c)
	p.scheduleIdleTimerLocked()
	p.mu.Unlock()
}

// broadcast delivers to every member. Delivery is per-connection FIFO
// through the send queues; a member whose queue is full is dropped and
// the rest are unaffected.
func (p *connPool) broadcast(data []byte) {
	if p == nil || len(data) == 0 {
		return
	}
	var dead []*Conn
	p.mu.Lock()
	for c := range p.conns {
		if !c.trySend(data) {
			log.Warn().Str("component", "hub").Int64("chat_id", p.chatID).Str("conn_id", c.ID()).Msg("send queue full, dropping connection")
			delete(p.conns, c)
			dead = append(dead, c)
		}
	}
	p.scheduleIdleTimerLocked()
	p.mu.Unlock()
	for _, c := range dead {
		c.close()
		if p.onDead != nil {
			p.onDead(c)
		}
	}
}

func (p *connPool) count() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *connPool) closeAll() {
	if p == nil {
		return
	}
	p.mu.Lock()
	for c := range p.conns {
		c.close()
		delete(p.conns, c)
	}
	p.stopIdleTimerLocked()
	p.mu.Unlock()
}

func (p *connPool) stopIdleTimerLocked() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

func (p *connPool) scheduleIdleTimerLocked() {
	if len(p.conns) != 0 || p.idleTimeout <= 0 || p.onIdle == nil {
		p.stopIdleTimerLocked()
		return
	}
	p.stopIdleTimerLocked()
	p.idleTimer = time.AfterFunc(p.idleTimeout, p.triggerIdle)
}

func (p *connPool) triggerIdle() {
	if p == nil {
		return
	}
	var callback func()
	p.mu.Lock()
	if len(p.conns) == 0 {
		callback = p.onIdle
	}
	p.idleTimer = nil
	p.mu.Unlock()
	if callback != nil {
		callback()
	}
}
