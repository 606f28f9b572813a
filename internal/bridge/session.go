package bridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/workspace/bridge-server/internal/sessionstore"
)

// subprocessConn serializes writes to the one subprocess socket attached to
// a session; gorilla/websocket connections require a single writer.
type subprocessConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *subprocessConn) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// session is the in-memory bridge record for one session: the subprocess
// socket, the set of attached browser sockets, current state, pending
// permission requests, history, and the pre-attach message queue. All
// mutation goes through methods that hold mu, which is the unit of
// serialization spec.md §5 requires — distinct sessions never contend.
type session struct {
	id          string
	sessionName string

	mu                  sync.Mutex
	sub                 *subprocessConn
	browsers            map[string]*viewer
	state               *sessionstore.State
	pendingPermissions  map[string]*PermissionRequest
	history             []sessionstore.HistoryEntry
	messageQueue        [][]byte
	firstMessageReceived bool
	archived            bool
	externalHandler     ExternalHandler
}

func newSession(id string) *session {
	return &session{
		id:                 id,
		browsers:           make(map[string]*viewer),
		state:              sessionstore.DefaultState(id),
		pendingPermissions: make(map[string]*PermissionRequest),
	}
}

// broadcast serializes msg once and writes it to every attached browser,
// preserving the order in which broadcasts are issued for each live viewer.
// Caller must hold mu.
func (s *session) broadcast(msg any) {
	data := marshal(msg)
	for _, v := range s.browsers {
		v.enqueue(data)
	}
}

// sendToSubprocess transmits a frame if attached, else enqueues it so P2
// (queue flush order) holds once the subprocess attaches. Caller must hold
// mu.
func (s *session) sendToSubprocess(msg any) {
	data := marshal(msg)
	if s.sub == nil {
		s.messageQueue = append(s.messageQueue, data)
		return
	}
	if err := s.sub.send(data); err != nil {
		s.messageQueue = append(s.messageQueue, data)
	}
}
