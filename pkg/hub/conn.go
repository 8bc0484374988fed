package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsConn is the slice of *websocket.Conn the hub needs; tests plug in
// stubs.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Conn is one registered viewer. Outbound frames go through a buffered
// queue drained by a dedicated writer goroutine so a slow socket never
// blocks fan-out; a full queue or a write error kills the connection.
type Conn struct {
	id           string
	ws           wsConn
	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	onDead       func(*Conn)
}

func newConn(ws wsConn, buffer int, writeTimeout time.Duration, onDead func(*Conn)) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	c := &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		out:          make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		onDead:       onDead,
	}
	go c.writeLoop()
	return c
}

// ID identifies the connection in logs.
func (c *Conn) ID() string {
	if c == nil {
		return ""
	}
	return c.id
}

// trySend enqueues without blocking; false means the queue is full.
func (c *Conn) trySend(data []byte) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if c.writeTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("component", "hub").Str("conn_id", c.id).Msg("ws write failed, dropping connection")
				c.close()
				if c.onDead != nil {
					c.onDead(c)
				}
				return
			}
		}
	}
}

func (c *Conn) close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
