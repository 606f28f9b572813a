package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return isOriginAllowed(origin, s.config.AllowedOrigins)
		},
	}
}

// handleSubprocessWS accepts the subprocess's socket connection for a
// session, attaches it to the bridge, and pumps inbound NDJSON frames until
// the socket closes.
func (s *Server) handleSubprocessWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("server: subprocess ws upgrade failed", "sessionId", id, "error", err)
		return
	}

	s.bridge.AttachSubprocess(id, conn)
	defer func() {
		s.bridge.DetachSubprocess(id)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.bridge.HandleSubprocessLine(id, data)
	}
}

// handleBrowserWS accepts a browser viewer's socket connection, attaches it
// to the bridge (which sends the initial snapshot), and pumps inbound
// frames until the socket closes.
func (s *Server) handleBrowserWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("server: browser ws upgrade failed", "sessionId", id, "error", err)
		return
	}

	handle := s.bridge.AttachBrowser(id, conn)
	defer handle.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		handle.HandleBrowserLine(data)
	}
}
