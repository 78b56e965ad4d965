package ws

import (
	"log/slog"
	"sync"
	"time"

	"emberchat/domain/event"
	"emberchat/errors"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Channel is the outbound side of one WebSocket connection: a buffered
// queue drained by a single writer pump, so broadcasts never block on a
// slow peer.
type Channel struct {
	conn *websocket.Conn
	out  chan event.Event
	log  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newChannel(conn *websocket.Conn, bufferSize int, log *slog.Logger) *Channel {
	return &Channel{
		conn: conn,
		out:  make(chan event.Event, bufferSize),
		log:  log,
		done: make(chan struct{}),
	}
}

// Send enqueues without blocking. A closed connection or a full buffer
// reports the channel unwritable; the caller skips it and moves on.
func (c *Channel) Send(e event.Event) error {
	select {
	case <-c.done:
		return errors.ErrUnwritable
	default:
	}
	select {
	case c.out <- e:
		return nil
	default:
		return errors.ErrUnwritable
	}
}

// writePump is the connection's only writer.
func (c *Channel) writePump() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case e := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(e); err != nil {
				c.log.Debug("write failed, closing channel", "error", err)
				return
			}
		}
	}
}

func (c *Channel) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
