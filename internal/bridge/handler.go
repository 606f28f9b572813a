package bridge

import (
	"time"

	"github.com/workspace/bridge-server/internal/sessionstore"
)

// ExternalHandler lets a non-default provider substitute for the
// subprocess half of the bridge (spec.md §4.5). When registered for a
// session, the bridge prefers it over the NDJSON subprocess path; the two
// are mutually exclusive per session.
type ExternalHandler interface {
	HandleBrowserMessage(sessionID string, raw []byte)
}

// RegisterExternalHandler installs h for id. While registered, the
// cli_disconnected placeholder is suppressed and browser-inbound messages
// are routed to h instead of a subprocess socket.
func (b *Bridge) RegisterExternalHandler(id string, h ExternalHandler) {
	s := b.getOrCreate(id)
	s.mu.Lock()
	s.externalHandler = h
	s.mu.Unlock()
}

// UnregisterExternalHandler removes any handler registered for id.
func (b *Bridge) UnregisterExternalHandler(id string) {
	s := b.getOrCreate(id)
	s.mu.Lock()
	s.externalHandler = nil
	s.mu.Unlock()
}

// InjectToBrowsers lets the external handler feed browser-facing events
// without a subprocess socket: msg is appended to history when it is a
// user-facing content event, and broadcast to every attached browser.
func (b *Bridge) InjectToBrowsers(id string, msg any) {
	s := b.getOrCreate(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := historyEntryFor(msg); ok {
		s.history = append(s.history, entry)
		b.persistHistory(s)
	}
	s.broadcast(msg)
}

// historyEntryFor mirrors HandleSubprocessLine's history bookkeeping for the
// message shapes an external handler is expected to inject: assistant text
// and final results are durable, everything else (status changes, stream
// events) is not, per the same rule HandleSubprocessLine applies to a real
// subprocess's stream.
func historyEntryFor(msg any) (sessionstore.HistoryEntry, bool) {
	m, ok := msg.(map[string]any)
	if !ok {
		return sessionstore.HistoryEntry{}, false
	}
	typ, _ := m["type"].(string)
	switch OutboundType(typ) {
	case OutAssistant:
		return sessionstore.HistoryEntry{
			Type:      sessionstore.HistoryAssistant,
			Timestamp: time.Now().UTC(),
			Message:   m["message"],
		}, true
	case OutResult:
		return sessionstore.HistoryEntry{
			Type:      sessionstore.HistoryResult,
			Timestamp: time.Now().UTC(),
			Data:      m["data"],
		}, true
	default:
		return sessionstore.HistoryEntry{}, false
	}
}
