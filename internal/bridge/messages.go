// Package bridge couples one subprocess's NDJSON socket to an N-browser
// WebSocket fan-out for a session, translating between the two protocols
// with ordered, durable, replayable semantics.
package bridge

import "encoding/json"

// SubprocessMessageType is the closed set of tags a subprocess-inbound
// NDJSON frame's "type" field carries.
type SubprocessMessageType string

const (
	SubSystem         SubprocessMessageType = "system"
	SubAssistant      SubprocessMessageType = "assistant"
	SubResult         SubprocessMessageType = "result"
	SubStreamEvent    SubprocessMessageType = "stream_event"
	SubControlRequest SubprocessMessageType = "control_request"
	SubToolProgress   SubprocessMessageType = "tool_progress"
	SubToolUseSummary SubprocessMessageType = "tool_use_summary"
	SubAuthStatus     SubprocessMessageType = "auth_status"
	SubKeepAlive      SubprocessMessageType = "keep_alive"
)

// BrowserMessageType is the closed set of tags a browser-inbound frame's
// "type" field carries.
type BrowserMessageType string

const (
	BrowserUserMessage        BrowserMessageType = "user_message"
	BrowserPermissionResponse BrowserMessageType = "permission_response"
	BrowserInterrupt          BrowserMessageType = "interrupt"
	BrowserSetModel           BrowserMessageType = "set_model"
	BrowserSetPermissionMode  BrowserMessageType = "set_permission_mode"
)

// OutboundType is the closed set of tags this bridge sends to browsers.
type OutboundType string

const (
	OutCliConnected        OutboundType = "cli_connected"
	OutCliDisconnected     OutboundType = "cli_disconnected"
	OutSessionInit         OutboundType = "session_init"
	OutStatusChange        OutboundType = "status_change"
	OutMessageHistory      OutboundType = "message_history"
	OutPermissionRequest   OutboundType = "permission_request"
	OutPermissionCancelled OutboundType = "permission_cancelled"
	OutToolProgress        OutboundType = "tool_progress"
	OutToolUseSummary      OutboundType = "tool_use_summary"
	OutAuthStatus          OutboundType = "auth_status"
	OutStreamEvent         OutboundType = "stream_event"
	OutAssistant           OutboundType = "assistant"
	OutResult              OutboundType = "result"
	OutError               OutboundType = "error"
)

// probe extracts just the discriminating fields from a raw frame without
// committing to a full payload schema, mirroring the teacher's tag-probe
// pattern (internal/acp/transport.go's ParseWebSocketMessage).
type probe struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

func parseType(data []byte) (string, string) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return "", ""
	}
	return p.Type, p.Subtype
}

// rawFrame is a generic envelope used when a handler needs the full payload
// but the bridge itself doesn't interpret every field.
type rawFrame map[string]json.RawMessage

// PermissionRequest is the in-memory-only pending-permission record keyed
// by requestId within a session.
type PermissionRequest struct {
	RequestID   string          `json:"requestId"`
	ToolName    string          `json:"toolName"`
	Input       json.RawMessage `json:"input"`
	Suggestions json.RawMessage `json:"suggestions,omitempty"`
	Description string          `json:"description,omitempty"`
	ToolUseID   string          `json:"toolUseId,omitempty"`
	AgentID     string          `json:"agentId,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","message":"internal marshal failure"}`)
	}
	return data
}
