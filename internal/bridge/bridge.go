package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/workspace/bridge-server/internal/sessionstore"
)

// ResultNotifier is the webhook side effect fired at each result message
// (spec.md §6 webhook contract). A nil notifier is a no-op.
type ResultNotifier interface {
	NotifyResult(sessionID, sessionName string, state *sessionstore.State)
}

// NamingHook is invoked asynchronously on a session's first user_message.
type NamingHook interface {
	Suggest(sessionID, firstMessage string)
}

// LaunchNotifier is the callback into the subprocess launcher for the
// starting->connected->running->connected lifecycle transitions the bridge
// observes (spec.md §3), plus the activity-timestamp bump fired on every
// message exchanged in either direction.
type LaunchNotifier interface {
	MarkConnected(id string)
	MarkRunning(id string)
	MarkIdle(id string)
	MarkActivity(id string)
}

// Bridge owns every session's in-memory bridge record and translates
// between the subprocess NDJSON protocol and the browser WebSocket
// protocol, per spec.md §4.3.
type Bridge struct {
	store    sessionstore.Store
	launcher LaunchNotifier
	webhook  ResultNotifier
	naming   NamingHook

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Bridge. webhook and naming may be nil.
func New(store sessionstore.Store, launcher LaunchNotifier, webhook ResultNotifier, naming NamingHook) *Bridge {
	return &Bridge{
		store:    store,
		launcher: launcher,
		webhook:  webhook,
		naming:   naming,
		sessions: make(map[string]*session),
	}
}

func (b *Bridge) getOrCreate(id string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		s = newSession(id)
		b.sessions[id] = s
	}
	return s
}

func (b *Bridge) get(id string) (*session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	return s, ok
}

// AttachSubprocess binds ws to id's session: broadcasts cli_connected,
// flushes the queued messages in order, and notifies the launcher.
func (b *Bridge) AttachSubprocess(id string, ws *websocket.Conn) {
	s := b.getOrCreate(id)
	s.mu.Lock()
	s.sub = &subprocessConn{conn: ws}
	s.broadcast(map[string]any{"type": OutCliConnected})
	queue := s.messageQueue
	s.messageQueue = nil
	sub := s.sub
	s.mu.Unlock()

	for _, frame := range queue {
		if err := sub.send(frame); err != nil {
			slog.Warn("bridge: flush queued frame failed", "sessionId", id, "error", err)
			break
		}
	}

	if b.launcher != nil {
		b.launcher.MarkConnected(id)
	}
}

// DetachSubprocess clears the subprocess socket, broadcasts
// cli_disconnected, and cancels every pending permission.
func (b *Bridge) DetachSubprocess(id string) {
	s, ok := b.get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sub = nil
	s.broadcast(map[string]any{"type": OutCliDisconnected})
	for requestID := range s.pendingPermissions {
		s.broadcast(map[string]any{"type": OutPermissionCancelled, "requestId": requestID})
	}
	s.pendingPermissions = make(map[string]*PermissionRequest)
}

// HandleSubprocessLine dispatches one NDJSON line from the subprocess,
// implementing the subprocess-inbound table of spec.md §4.3.
func (b *Bridge) HandleSubprocessLine(id string, line []byte) {
	s := b.getOrCreate(id)
	typ, subtype := parseType(line)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch SubprocessMessageType(typ) {
	case SubSystem:
		b.handleSystem(s, subtype, line)
	case SubAssistant:
		var payload struct {
			Message         json.RawMessage `json:"message"`
			ParentToolUseID json.RawMessage `json:"parentToolUseId"`
		}
		json.Unmarshal(line, &payload)
		s.history = append(s.history, sessionstore.HistoryEntry{
			Type:            sessionstore.HistoryAssistant,
			Timestamp:       time.Now().UTC(),
			Message:         payload.Message,
			ParentToolUseID: payload.ParentToolUseID,
		})
		s.broadcast(map[string]any{"type": OutAssistant, "message": payload.Message, "parentToolUseId": payload.ParentToolUseID})
		b.persistHistory(s)
		if b.launcher != nil {
			b.launcher.MarkRunning(id)
			b.launcher.MarkActivity(id)
		}

	case SubResult:
		var payload map[string]json.RawMessage
		json.Unmarshal(line, &payload)
		b.applyResult(s, payload)
		s.history = append(s.history, sessionstore.HistoryEntry{
			Type:      sessionstore.HistoryResult,
			Timestamp: time.Now().UTC(),
			Data:      json.RawMessage(line),
		})
		s.broadcast(map[string]any{"type": OutResult, "data": json.RawMessage(line)})
		b.persistState(s)
		b.persistHistory(s)
		if b.launcher != nil {
			b.launcher.MarkIdle(id)
		}
		if b.webhook != nil {
			b.webhook.NotifyResult(s.id, s.sessionName, s.state)
		}

	case SubStreamEvent:
		var payload struct {
			Event           json.RawMessage `json:"event"`
			ParentToolUseID json.RawMessage `json:"parentToolUseId"`
		}
		json.Unmarshal(line, &payload)
		s.broadcast(map[string]any{"type": OutStreamEvent, "event": payload.Event, "parentToolUseId": payload.ParentToolUseID})

	case SubControlRequest:
		// The subtype lives nested under "request", not at the envelope's
		// top level (spec.md §8 scenario 3's wire example), so it can't come
		// from the probe's flattened subtype field.
		var envelope struct {
			RequestID string `json:"request_id"`
			Request   struct {
				Subtype     string          `json:"subtype"`
				ToolName    string          `json:"tool_name"`
				Input       json.RawMessage `json:"input"`
				Suggestions json.RawMessage `json:"suggestions"`
				Description string          `json:"description"`
				ToolUseID   string          `json:"tool_use_id"`
				AgentID     string          `json:"agent_id"`
			} `json:"request"`
		}
		json.Unmarshal(line, &envelope)
		if envelope.Request.Subtype == "can_use_tool" {
			pending := &PermissionRequest{
				RequestID:   envelope.RequestID,
				ToolName:    envelope.Request.ToolName,
				Input:       envelope.Request.Input,
				Suggestions: envelope.Request.Suggestions,
				Description: envelope.Request.Description,
				ToolUseID:   envelope.Request.ToolUseID,
				AgentID:     envelope.Request.AgentID,
				Timestamp:   time.Now().UTC().UnixMilli(),
			}
			s.pendingPermissions[envelope.RequestID] = pending
			s.broadcast(map[string]any{"type": OutPermissionRequest, "request": pending})
		}

	case SubToolProgress:
		var payload struct {
			ToolUseID      string  `json:"toolUseId"`
			ToolName       string  `json:"toolName"`
			ElapsedSeconds float64 `json:"elapsedSeconds"`
		}
		json.Unmarshal(line, &payload)
		s.broadcast(map[string]any{"type": OutToolProgress, "toolUseId": payload.ToolUseID, "toolName": payload.ToolName, "elapsedSeconds": payload.ElapsedSeconds})

	case SubToolUseSummary:
		var payload struct {
			Summary    string   `json:"summary"`
			ToolUseIDs []string `json:"toolUseIds"`
		}
		json.Unmarshal(line, &payload)
		s.broadcast(map[string]any{"type": OutToolUseSummary, "summary": payload.Summary, "toolUseIds": payload.ToolUseIDs})

	case SubAuthStatus:
		var payload struct {
			IsAuthenticating bool   `json:"isAuthenticating"`
			Output           string `json:"output"`
			Error            string `json:"error"`
		}
		json.Unmarshal(line, &payload)
		s.broadcast(map[string]any{"type": OutAuthStatus, "isAuthenticating": payload.IsAuthenticating, "output": payload.Output, "error": payload.Error})

	case SubKeepAlive:
		// Silently consumed.

	default:
		slog.Warn("bridge: dropping unknown subprocess message type", "sessionId", id, "type", typ)
	}
}

func (b *Bridge) handleSystem(s *session, subtype string, line []byte) {
	switch subtype {
	case "init":
		var payload struct {
			Model              string   `json:"model"`
			Cwd                string   `json:"cwd"`
			Tools              []string `json:"tools"`
			PermissionMode     string   `json:"permissionMode"`
			Version            string   `json:"version"`
			McpServers         any      `json:"mcpServers"`
			Agents             any      `json:"agents"`
			SlashCommands      any      `json:"slashCommands"`
			Skills             any      `json:"skills"`
			ContextUsedPercent *int     `json:"contextUsedPercent"`
			IsCompacting       *bool    `json:"isCompacting"`
		}
		json.Unmarshal(line, &payload)

		// The launcher-assigned id is canonical; any subprocess-reported id
		// is ignored (spec.md §9).
		id := s.id
		s.state.ID = id
		s.state.Model = payload.Model
		s.state.Cwd = payload.Cwd
		s.state.Tools = payload.Tools
		s.state.PermissionMode = payload.PermissionMode
		s.state.Version = payload.Version
		s.state.McpServers = payload.McpServers
		s.state.Agents = payload.Agents
		s.state.SlashCommands = payload.SlashCommands
		s.state.Skills = payload.Skills
		if payload.ContextUsedPercent != nil {
			s.state.ContextUsedPercent = *payload.ContextUsedPercent
		}
		if payload.IsCompacting != nil {
			s.state.IsCompacting = *payload.IsCompacting
		}
		s.broadcast(map[string]any{"type": OutSessionInit, "session": s.state})
		b.persistState(s)

	case "status":
		var payload struct {
			Status         string `json:"status"`
			PermissionMode string `json:"permissionMode"`
		}
		json.Unmarshal(line, &payload)
		s.state.IsCompacting = payload.Status == "compacting"
		if payload.PermissionMode != "" {
			s.state.PermissionMode = payload.PermissionMode
		}
		s.broadcast(map[string]any{"type": OutStatusChange, "status": payload.Status})
		b.persistState(s)
	}
}

func (b *Bridge) applyResult(s *session, payload map[string]json.RawMessage) {
	if raw, ok := payload["totalCostUsd"]; ok {
		var v float64
		json.Unmarshal(raw, &v)
		s.state.TotalCostUsd = v
	}
	if raw, ok := payload["numTurns"]; ok {
		var v int
		json.Unmarshal(raw, &v)
		s.state.NumTurns = v
	}

	if raw, ok := payload["contextUsedPercent"]; ok {
		var v int
		if json.Unmarshal(raw, &v) == nil {
			s.state.ContextUsedPercent = v
			return
		}
	}

	if raw, ok := payload["modelUsage"]; ok {
		var usage map[string]struct {
			ContextWindow int `json:"contextWindow"`
			InputTokens   int `json:"inputTokens"`
			OutputTokens  int `json:"outputTokens"`
		}
		if json.Unmarshal(raw, &usage) == nil {
			for _, u := range usage {
				if u.ContextWindow > 0 {
					s.state.ContextUsedPercent = int(float64(u.InputTokens+u.OutputTokens) / float64(u.ContextWindow) * 100)
					break
				}
			}
		}
	}
}

// AttachBrowser adds conn to id's browser set, sends the snapshot in the
// order spec.md §5 requires, and returns the viewer so the caller can run
// its write pump and read loop.
func (b *Bridge) AttachBrowser(id string, conn *websocket.Conn) *viewerHandle {
	s := b.getOrCreate(id)
	viewerID := uuid.NewString()
	v := newViewer(viewerID, conn)

	s.mu.Lock()
	s.browsers[viewerID] = v
	v.enqueue(marshal(map[string]any{"type": OutSessionInit, "session": s.state}))
	if len(s.history) > 0 {
		v.enqueue(marshal(map[string]any{"type": OutMessageHistory, "messages": s.history}))
	}
	for _, p := range s.pendingPermissions {
		v.enqueue(marshal(map[string]any{"type": OutPermissionRequest, "request": p}))
	}
	if s.sub == nil && s.externalHandler == nil {
		v.enqueue(marshal(map[string]any{"type": OutCliDisconnected}))
	}
	s.mu.Unlock()

	go v.writePump()
	return &viewerHandle{bridge: b, sessionID: id, viewerID: viewerID, v: v}
}

// DetachBrowser removes a viewer from its session's browser set.
func (b *Bridge) DetachBrowser(id, viewerID string) {
	s, ok := b.get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	if v, exists := s.browsers[viewerID]; exists {
		v.close()
		delete(s.browsers, viewerID)
	}
	s.mu.Unlock()
}

// viewerHandle is returned to the transport layer so it can drive the
// viewer's read loop (forwarding browser-inbound frames) independent of the
// bridge's internals.
type viewerHandle struct {
	bridge    *Bridge
	sessionID string
	viewerID  string
	v         *viewer
}

func (h *viewerHandle) Conn() *websocket.Conn { return h.v.conn }

// HandleBrowserLine dispatches one browser-inbound frame, implementing the
// browser-inbound table of spec.md §4.3.
func (h *viewerHandle) HandleBrowserLine(line []byte) {
	h.bridge.HandleBrowserMessage(h.sessionID, line)
}

// Close detaches the viewer.
func (h *viewerHandle) Close() {
	h.bridge.DetachBrowser(h.sessionID, h.viewerID)
}

// HandleBrowserMessage dispatches one browser-inbound frame for id.
func (b *Bridge) HandleBrowserMessage(id string, line []byte) {
	s := b.getOrCreate(id)
	typ, _ := parseType(line)

	s.mu.Lock()
	handler := s.externalHandler
	s.mu.Unlock()

	if handler != nil {
		handler.HandleBrowserMessage(id, line)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch BrowserMessageType(typ) {
	case BrowserUserMessage:
		if s.archived {
			s.broadcast(map[string]any{"type": OutError, "message": "session is archived"})
			return
		}
		var payload struct {
			Content string          `json:"content"`
			Images  json.RawMessage `json:"images"`
		}
		json.Unmarshal(line, &payload)

		s.history = append(s.history, sessionstore.HistoryEntry{
			Type:      sessionstore.HistoryUserMessage,
			Timestamp: time.Now().UTC(),
			Content:   payload.Content,
		})
		if b.launcher != nil {
			b.launcher.MarkActivity(id)
		}

		wasFirst := !s.firstMessageReceived
		s.firstMessageReceived = true

		var content any = payload.Content
		if len(payload.Images) > 0 {
			var blocks []json.RawMessage
			json.Unmarshal(payload.Images, &blocks)
			textBlock, _ := json.Marshal(map[string]string{"type": "text", "text": payload.Content})
			blocks = append(blocks, textBlock)
			content = blocks
		}

		s.sendToSubprocess(map[string]any{
			"type": "user",
			"message": map[string]any{
				"role":    "user",
				"content": content,
			},
			"parentToolUseId": nil,
			"sessionId":       "",
		})
		b.persistHistory(s)

		if wasFirst && b.naming != nil {
			go b.naming.Suggest(id, payload.Content)
		}

	case BrowserPermissionResponse:
		var payload struct {
			RequestID string `json:"requestId"`
			Behavior  string `json:"behavior"`
			Message   string `json:"message"`
		}
		json.Unmarshal(line, &payload)
		delete(s.pendingPermissions, payload.RequestID)

		response := map[string]any{"behavior": payload.Behavior}
		if payload.Behavior == "deny" {
			response["message"] = payload.Message
		}
		s.sendToSubprocess(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":   "success",
				"requestId": payload.RequestID,
				"response":  response,
			},
		})

	case BrowserInterrupt:
		s.sendToSubprocess(map[string]any{
			"type":      "control_request",
			"requestId": uuid.NewString(),
			"request":   map[string]any{"subtype": "interrupt"},
		})

	case BrowserSetModel:
		var payload struct {
			Model string `json:"model"`
		}
		json.Unmarshal(line, &payload)
		s.sendToSubprocess(map[string]any{
			"type":      "control_request",
			"requestId": uuid.NewString(),
			"request":   map[string]any{"subtype": "set_model", "model": payload.Model},
		})

	case BrowserSetPermissionMode:
		var payload struct {
			Mode string `json:"mode"`
		}
		json.Unmarshal(line, &payload)
		s.sendToSubprocess(map[string]any{
			"type":      "control_request",
			"requestId": uuid.NewString(),
			"request":   map[string]any{"subtype": "set_permission_mode", "mode": payload.Mode},
		})

	default:
		slog.Warn("bridge: dropping unknown browser message type", "sessionId", id, "type", typ)
	}
}

// RenameSession records a session's display name on its bridge record so
// the webhook's NotifyResult call carries the real sessionName (spec.md §6)
// instead of an empty string.
func (b *Bridge) RenameSession(id, name string) {
	s := b.getOrCreate(id)
	s.mu.Lock()
	s.sessionName = name
	s.mu.Unlock()
}

// RestoreSession rebuilds a session record from a persisted snapshot
// without sockets, used by startup recovery.
func (b *Bridge) RestoreSession(snap *sessionstore.Snapshot, archived bool) {
	b.mu.Lock()
	s := newSession(snap.Meta.ID)
	b.sessions[snap.Meta.ID] = s
	b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.State != nil {
		s.state = snap.State
	}
	s.history = snap.History
	s.archived = archived
	s.state.Archived = archived
	s.sessionName = snap.Meta.SessionName
	for _, h := range s.history {
		if h.Type == sessionstore.HistoryUserMessage {
			s.firstMessageReceived = true
			break
		}
	}
}

// CloseSession closes every socket attached to id and removes the
// in-memory record, but leaves persisted data untouched.
func (b *Bridge) CloseSession(id string) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		s.sub.conn.Close()
	}
	for _, v := range s.browsers {
		v.close()
	}
}

// RemoveSession closes the session and asks the store to delete its
// persisted data.
func (b *Bridge) RemoveSession(id string) {
	b.CloseSession(id)
	if b.store != nil {
		if err := b.store.Remove(id); err != nil {
			slog.Error("bridge: remove session from store", "sessionId", id, "error", err)
		}
	}
}

func (b *Bridge) persistState(s *session) {
	if b.store == nil {
		return
	}
	stCopy := *s.state
	b.store.SaveState(s.id, &stCopy)
}

func (b *Bridge) persistHistory(s *session) {
	if b.store == nil {
		return
	}
	b.store.SaveHistory(s.id, s.history)
}
