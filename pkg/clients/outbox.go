package clients

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 5 * time.Second
)

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Outbox owns all writes to one client connection. Messages are queued and
// written by a single goroutine; a full queue means the client is too slow.
type Outbox struct {
	id           string
	conn         wsConn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func NewOutbox(id string, conn wsConn, buffer int, writeTimeout time.Duration) *Outbox {
	if buffer <= 0 {
		buffer = 1
	}
	o := &Outbox{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go o.writeLoop()
	return o
}

// Enqueue queues data without blocking. It returns false if the outbox is
// closed or its buffer is full.
func (o *Outbox) Enqueue(data []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.send <- data:
		return true
	default:
		return false
	}
}

func (o *Outbox) Closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

func (o *Outbox) Close() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.done)
		err = o.conn.Close()
	})
	return err
}

func (o *Outbox) writeLoop() {
	for {
		select {
		case <-o.done:
			return
		case data := <-o.send:
			if o.writeTimeout > 0 {
				_ = o.conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
			}
			if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if !o.Closed() {
					log.Warn().Err(err).Str("component", "clients").Str("client_id", o.id).Msg("ws write failed, closing connection")
				}
				_ = o.Close()
				return
			}
		}
	}
}
