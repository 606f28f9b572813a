package sessionstore

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store persists session meta/state/history durably. saveX calls buffer the
// update in memory and schedule a debounced flush; load blends the pending
// buffer over the on-disk snapshot so readers always see the latest value.
type Store interface {
	SaveMeta(id string, meta *Meta)
	SaveState(id string, state *State)
	SaveHistory(id string, history []HistoryEntry)
	Load(id string) (*Snapshot, bool)
	LoadAll() []*Snapshot
	Remove(id string) error
	Flush()
}

type pendingEntry struct {
	meta    *Meta
	state   *State
	history []HistoryEntry
}

// FileStore is the on-disk implementation: one directory per session id
// under baseDir, containing meta.json, state.json, history.json.
type FileStore struct {
	baseDir string
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEntry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewFileStore creates a store rooted at baseDir and starts its background
// flush loop, ticking every debounce interval (~500ms per spec).
func NewFileStore(baseDir string, debounce time.Duration) *FileStore {
	s := &FileStore{
		baseDir:  baseDir,
		debounce: debounce,
		pending:  make(map[string]*pendingEntry),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

func (s *FileStore) sessionDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *FileStore) entry(id string) *pendingEntry {
	e, ok := s.pending[id]
	if !ok {
		e = &pendingEntry{}
		s.pending[id] = e
	}
	return e
}

// SaveMeta buffers a meta update for the next debounced flush.
func (s *FileStore) SaveMeta(id string, meta *Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := *meta
	s.entry(id).meta = &m
}

// SaveState buffers a state update for the next debounced flush.
func (s *FileStore) SaveState(id string, state *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *state
	s.entry(id).state = &st
}

// SaveHistory buffers a full history replacement for the next debounced flush.
func (s *FileStore) SaveHistory(id string, history []HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]HistoryEntry, len(history))
	copy(cp, history)
	s.entry(id).history = cp
}

// Load returns the most recent logical value for id, blending any unflushed
// buffer over the on-disk snapshot. Returns (nil, false) iff no meta has
// ever been saved for id.
func (s *FileStore) Load(id string) (*Snapshot, bool) {
	s.mu.Lock()
	pending, hasPending := s.pending[id]
	var pendingCopy *pendingEntry
	if hasPending {
		cp := *pending
		pendingCopy = &cp
	}
	s.mu.Unlock()

	dir := s.sessionDir(id)

	var meta Meta
	metaOnDisk, err := readJSON(filepath.Join(dir, "meta.json"), &meta)
	if err != nil {
		slog.Error("sessionstore: load meta", "id", id, "error", err)
	}

	haveMeta := metaOnDisk
	result := &Snapshot{}
	if haveMeta {
		m := meta
		result.Meta = &m
	}
	if pendingCopy != nil && pendingCopy.meta != nil {
		result.Meta = pendingCopy.meta
		haveMeta = true
	}
	if !haveMeta {
		return nil, false
	}

	var state State
	stateOnDisk, err := readJSON(filepath.Join(dir, "state.json"), &state)
	if err != nil {
		slog.Error("sessionstore: load state", "id", id, "error", err)
	}
	if stateOnDisk {
		st := state
		result.State = &st
	} else {
		result.State = DefaultState(result.Meta.ID)
	}
	if pendingCopy != nil && pendingCopy.state != nil {
		result.State = pendingCopy.state
	}

	var history []HistoryEntry
	_, err = readJSON(filepath.Join(dir, "history.json"), &history)
	if err != nil {
		slog.Error("sessionstore: load history", "id", id, "error", err)
	}
	result.History = history
	if pendingCopy != nil && pendingCopy.history != nil {
		result.History = pendingCopy.history
	}

	return result, true
}

// LoadAll enumerates session directories and returns each successful load.
func (s *FileStore) LoadAll() []*Snapshot {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("sessionstore: list sessions dir", "error", err)
		}
		return nil
	}

	var out []*Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if snap, ok := s.Load(e.Name()); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Remove cancels any pending writes for id and deletes its directory.
func (s *FileStore) Remove(id string) error {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	return os.RemoveAll(s.sessionDir(id))
}

// Flush forces all buffered writes to disk before returning.
func (s *FileStore) Flush() {
	s.flushOnce()
}

// Stop drains the flush loop and performs a final synchronous flush.
func (s *FileStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *FileStore) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.flushOnce()
			return
		case <-ticker.C:
			s.flushOnce()
		}
	}
}

func (s *FileStore) flushOnce() {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]*pendingEntry)
	s.mu.Unlock()

	for id, e := range batch {
		dir := s.sessionDir(id)
		if e.meta != nil {
			if err := writeJSONAtomic(filepath.Join(dir, "meta.json"), e.meta); err != nil {
				slog.Error("sessionstore: write meta", "id", id, "error", err)
				s.retain(id, &pendingEntry{meta: e.meta})
			}
		}
		if e.state != nil {
			if err := writeJSONAtomic(filepath.Join(dir, "state.json"), e.state); err != nil {
				slog.Error("sessionstore: write state", "id", id, "error", err)
				s.retain(id, &pendingEntry{state: e.state})
			}
		}
		if e.history != nil {
			if err := writeJSONAtomic(filepath.Join(dir, "history.json"), e.history); err != nil {
				slog.Error("sessionstore: write history", "id", id, "error", err)
				s.retain(id, &pendingEntry{history: e.history})
			}
		}
	}
}

// retain re-buffers a write that failed so the next tick retries it
// (best-effort retry per spec's persistence failure semantics).
func (s *FileStore) retain(id string, partial *pendingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(id)
	if partial.meta != nil && e.meta == nil {
		e.meta = partial.meta
	}
	if partial.state != nil && e.state == nil {
		e.state = partial.state
	}
	if partial.history != nil && e.history == nil {
		e.history = partial.history
	}
}
