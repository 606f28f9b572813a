package launcher

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/workspace/bridge-server/internal/sessionstore"
)

// State is the closed set of states a launcher record passes through.
type State string

const (
	StateStarting  State = "starting"
	StateConnected State = "connected"
	StateRunning   State = "running"
	StateExited    State = "exited"
)

// Record is the in-memory bookkeeping entry for one session's subprocess.
type Record struct {
	ID             string    `json:"id"`
	Pid            int       `json:"pid,omitempty"`
	State          State     `json:"state"`
	ExitCode       *int      `json:"exitCode,omitempty"`
	Model          string    `json:"model,omitempty"`
	PermissionMode string    `json:"permissionMode,omitempty"`
	Provider       string    `json:"provider"`
	Cwd            string    `json:"cwd"`
	CreatedAt      time.Time `json:"createdAt"`
	SessionName    string    `json:"sessionName,omitempty"`
	Archived       bool      `json:"archived,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// ExternalHandlerResolver reports whether a provider name maps to a
// registered external handler (spec.md §4.5); the launcher delegates
// entirely to it when so, never spawning a subprocess.
type ExternalHandlerResolver func(provider string) bool

// OutputLine is forwarded from a subprocess's stdout, one NDJSON frame per
// call.
type OutputLine func(sessionID string, line []byte)

// Launcher tracks every session's launcher record and owns the subprocess
// binary lifecycle.
type Launcher struct {
	store        sessionstore.Store
	killGrace    time.Duration
	hasExternal  ExternalHandlerResolver
	onOutput     OutputLine
	onExit       func(sessionID string, exitCode int)
	binaryName   string
	binaryOverride string

	mu       sync.Mutex
	records  map[string]*Record
	children map[string]*Process
}

// New creates a Launcher backed by store for meta persistence.
func New(store sessionstore.Store, killGrace time.Duration, binaryName, binaryOverride string, hasExternal ExternalHandlerResolver, onOutput OutputLine, onExit func(string, int)) *Launcher {
	return &Launcher{
		store:          store,
		killGrace:      killGrace,
		hasExternal:    hasExternal,
		onOutput:       onOutput,
		onExit:         onExit,
		binaryName:     binaryName,
		binaryOverride: binaryOverride,
		records:        make(map[string]*Record),
		children:       make(map[string]*Process),
	}
}

// Launch spawns a fresh session per the spawn contract in spec.md §4.2.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Record, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	rec := &Record{
		ID:             id,
		State:          StateStarting,
		Model:          spec.Model,
		PermissionMode: spec.PermissionMode,
		Provider:       spec.Provider,
		Cwd:            spec.Cwd,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	l.mu.Lock()
	l.records[id] = rec
	l.mu.Unlock()
	l.persistMeta(rec)

	if l.hasExternal != nil && l.hasExternal(spec.Provider) {
		// External handler owns readiness; it calls MarkConnected itself.
		return rec, nil
	}

	binaryPath := ResolveBinary(firstNonEmpty(spec.BinaryOverride, l.binaryOverride), l.binaryName)
	proc, err := Start(ctx, id, binaryPath, spec)
	if err != nil {
		return rec, fmt.Errorf("launcher: launch %s: %w", id, err)
	}

	l.mu.Lock()
	rec.Pid = proc.Pid()
	l.children[id] = proc
	l.mu.Unlock()
	l.persistMeta(rec)

	go l.pumpOutput(id, proc)
	go l.watchExit(id, proc)

	return rec, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (l *Launcher) pumpOutput(id string, proc *Process) {
	scanner := bufio.NewScanner(proc.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		if l.onOutput != nil {
			l.onOutput(id, scanner.Bytes())
		}
	}

	scanner = bufio.NewScanner(proc.Stderr)
	for scanner.Scan() {
		slog.Info("subprocess stderr", "sessionId", id, "line", scanner.Text())
	}
}

func (l *Launcher) watchExit(id string, proc *Process) {
	err := proc.Wait()
	exitCode := 0
	if err != nil {
		exitCode = 1
	}

	l.mu.Lock()
	rec, ok := l.records[id]
	if ok {
		rec.State = StateExited
		rec.ExitCode = &exitCode
		rec.Archived = true
	}
	delete(l.children, id)
	l.mu.Unlock()

	if ok {
		l.persistMeta(rec)
	}
	if l.onExit != nil {
		l.onExit(id, exitCode)
	}
}

// MarkConnected transitions a record starting -> connected, called by the
// bridge when the subprocess socket attaches, or by an external handler
// reporting readiness.
func (l *Launcher) MarkConnected(id string) {
	l.mu.Lock()
	rec, ok := l.records[id]
	if ok && rec.State == StateStarting {
		rec.State = StateConnected
	}
	l.mu.Unlock()
	if ok {
		l.persistMeta(rec)
	}
}

// MarkRunning transitions a record to running while the subprocess streams.
func (l *Launcher) MarkRunning(id string) {
	l.setState(id, StateRunning)
}

// MarkIdle returns a running record to connected on each result boundary.
func (l *Launcher) MarkIdle(id string) {
	l.setState(id, StateConnected)
}

// MarkActivity bumps a record's LastActivityAt without changing its state,
// fired by the bridge on every message exchanged in either direction.
func (l *Launcher) MarkActivity(id string) {
	l.mu.Lock()
	rec, ok := l.records[id]
	if ok {
		rec.LastActivityAt = time.Now().UTC()
	}
	l.mu.Unlock()
	if ok {
		l.persistMeta(rec)
	}
}

func (l *Launcher) setState(id string, state State) {
	l.mu.Lock()
	rec, ok := l.records[id]
	if ok {
		rec.State = state
		rec.LastActivityAt = time.Now().UTC()
	}
	l.mu.Unlock()
	if ok {
		l.persistMeta(rec)
	}
}

// Kill sends SIGTERM to the session's subprocess, force-killing after the
// configured grace period. Returns false if the session is unknown or has
// no locally-owned subprocess.
func (l *Launcher) Kill(id string) bool {
	l.mu.Lock()
	proc, ok := l.children[id]
	l.mu.Unlock()
	if !ok {
		return false
	}
	proc.Stop(l.killGrace)
	return true
}

// ListSessions returns a snapshot of every tracked launcher record.
func (l *Launcher) ListSessions() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	return out
}

// GetSession returns one record by id.
func (l *Launcher) GetSession(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// IsAlive reports whether the launcher currently believes a session's
// subprocess is live (not exited).
func (l *Launcher) IsAlive(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	return ok && r.State != StateExited
}

// HasProcess distinguishes launcher-owned children from restored records
// with no in-process child handle (e.g. after startup recovery).
func (l *Launcher) HasProcess(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.children[id]
	return ok
}

// RenameSession updates a session's display name.
func (l *Launcher) RenameSession(id, name string) {
	l.mu.Lock()
	rec, ok := l.records[id]
	if ok {
		rec.SessionName = name
	}
	l.mu.Unlock()
	if ok {
		l.persistMeta(rec)
	}
}

// RestoreSession inserts a record without spawning, used by startup
// recovery.
func (l *Launcher) RestoreSession(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := rec
	l.records[rec.ID] = &r
}

// RemoveSession removes a record from the launcher's map (the caller is
// responsible for killing any live process first).
func (l *Launcher) RemoveSession(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, id)
	delete(l.children, id)
}

// PruneExited removes all records in the exited state.
func (l *Launcher) PruneExited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, r := range l.records {
		if r.State == StateExited {
			delete(l.records, id)
		}
	}
}

// KillAll stops every locally-owned subprocess one after another, each with
// SIGTERM followed by SIGKILL once the kill grace expires, used on server
// shutdown.
func (l *Launcher) KillAll() {
	l.mu.Lock()
	procs := make([]*Process, 0, len(l.children))
	for _, p := range l.children {
		procs = append(procs, p)
	}
	l.mu.Unlock()

	for _, p := range procs {
		p.Stop(l.killGrace)
	}
}

func (l *Launcher) persistMeta(rec *Record) {
	if l.store == nil {
		return
	}
	var pid *int
	if rec.Pid != 0 {
		p := rec.Pid
		pid = &p
	}
	meta := &sessionstore.Meta{
		ID:             rec.ID,
		Pid:            pid,
		Model:          rec.Model,
		PermissionMode: rec.PermissionMode,
		Provider:       sessionstore.Provider(rec.Provider),
		Cwd:            rec.Cwd,
		CreatedAt:      rec.CreatedAt,
		SessionName:    rec.SessionName,
		LastActivityAt: &rec.LastActivityAt,
	}
	l.store.SaveMeta(rec.ID, meta)
}
