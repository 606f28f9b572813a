package bridge

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	viewerSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 30 * time.Second
	pingPeriod       = (pongWait * 9) / 10
)

// viewer is one attached browser socket. Writes go through a buffered
// channel drained by a dedicated write-pump goroutine so a slow browser
// can never stall the session's dispatch loop; a full buffer drops the
// oldest queued frame rather than blocking.
type viewer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func newViewer(id string, conn *websocket.Conn) *viewer {
	v := &viewer{
		id:   id,
		conn: conn,
		send: make(chan []byte, viewerSendBuffer),
		done: make(chan struct{}),
	}
	return v
}

// enqueue attempts a non-blocking send; if the buffer is full, the oldest
// queued frame is dropped to make room (write failure marks the viewer for
// removal, per spec.md §9's fan-out note).
func (v *viewer) enqueue(data []byte) {
	select {
	case v.send <- data:
		return
	default:
	}
	select {
	case <-v.send:
	default:
	}
	select {
	case v.send <- data:
	default:
	}
}

// writePump drains send and pings the connection, exiting when done is
// closed or the socket errors.
func (v *viewer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer v.conn.Close()

	for {
		select {
		case data, ok := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("bridge: viewer write failed", "viewerId", v.id, "error", err)
				return
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-v.done:
			return
		}
	}
}

func (v *viewer) close() {
	select {
	case <-v.done:
	default:
		close(v.done)
	}
}
