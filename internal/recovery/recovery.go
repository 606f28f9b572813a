// Package recovery restores persisted sessions into the launcher and
// bridge at boot, and keeps them honest afterward with periodic liveness
// and TTL sweeps, grounded on the teacher's ticker+select idiom in
// internal/idle/detector.go.
package recovery

import (
	"log/slog"
	"syscall"
	"time"

	"github.com/workspace/bridge-server/internal/bridge"
	"github.com/workspace/bridge-server/internal/launcher"
	"github.com/workspace/bridge-server/internal/sessionstore"
)

// Recovery owns the boot-time restore pass and the two background tickers
// that keep launcher records honest afterward.
type Recovery struct {
	store    sessionstore.Store
	launcher *launcher.Launcher
	bridge   *bridge.Bridge

	probeInterval time.Duration
	cleanInterval time.Duration
	ttl           time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Recovery. probeInterval and cleanInterval should be 30s and
// 1h respectively per the deployed defaults, but are configurable.
func New(store sessionstore.Store, l *launcher.Launcher, b *bridge.Bridge, probeInterval, cleanInterval, ttl time.Duration) *Recovery {
	return &Recovery{
		store:         store,
		launcher:      l,
		bridge:        b,
		probeInterval: probeInterval,
		cleanInterval: cleanInterval,
		ttl:           ttl,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// isAlive reports whether pid is live by sending it signal 0, which performs
// no action but fails if the process does not exist or is unowned.
func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// Run performs the boot-time restore pass, then starts the two background
// tickers. It returns after the initial pass completes; the tickers run in
// a background goroutine until Stop is called.
func (r *Recovery) Run() {
	snapshots := r.store.LoadAll()
	for _, snap := range snapshots {
		r.restoreOne(snap)
	}
	go r.loop()
}

func (r *Recovery) restoreOne(snap *sessionstore.Snapshot) {
	if snap.Meta == nil {
		return
	}
	meta := snap.Meta

	pid := 0
	if meta.Pid != nil {
		pid = *meta.Pid
	}
	alive := isAlive(pid)

	rec := launcher.Record{
		ID:             meta.ID,
		Pid:            pid,
		Model:          meta.Model,
		PermissionMode: meta.PermissionMode,
		Provider:       string(meta.Provider),
		Cwd:            meta.Cwd,
		CreatedAt:      meta.CreatedAt,
		SessionName:    meta.SessionName,
	}
	if meta.LastActivityAt != nil {
		rec.LastActivityAt = *meta.LastActivityAt
	} else {
		rec.LastActivityAt = meta.CreatedAt
	}

	if alive {
		rec.State = launcher.StateConnected
		rec.Archived = false
	} else {
		rec.State = launcher.StateExited
		exitCode := -1
		rec.ExitCode = &exitCode
		rec.Archived = true
	}

	r.launcher.RestoreSession(rec)
	r.bridge.RestoreSession(snap, rec.Archived)

	slog.Info("recovery: restored session", "sessionId", meta.ID, "alive", alive)
}

func (r *Recovery) loop() {
	defer close(r.doneCh)

	probeTicker := time.NewTicker(r.probeInterval)
	defer probeTicker.Stop()
	cleanTicker := time.NewTicker(r.cleanInterval)
	defer cleanTicker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-probeTicker.C:
			r.probeOnce()
		case <-cleanTicker.C:
			r.cleanOnce()
		}
	}
}

// probeOnce re-checks liveness for every record the launcher tracks but
// does not itself own a child process for (i.e. restored, not spawned this
// run), demoting to exited on the first failed probe.
func (r *Recovery) probeOnce() {
	for _, rec := range r.launcher.ListSessions() {
		if rec.State == launcher.StateExited {
			continue
		}
		if r.launcher.HasProcess(rec.ID) {
			continue
		}
		if isAlive(rec.Pid) {
			continue
		}

		rec.State = launcher.StateExited
		exitCode := -1
		rec.ExitCode = &exitCode
		rec.Archived = true
		r.launcher.RestoreSession(rec)
		r.bridge.DetachSubprocess(rec.ID)
		slog.Info("recovery: demoted session to exited", "sessionId", rec.ID)
	}
}

// cleanOnce deletes archived/exited sessions past the configured TTL.
// ttl=0 means cleanup is disabled (spec.md §6's SESSION_TTL_DAYS=0).
func (r *Recovery) cleanOnce() {
	if r.ttl <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-r.ttl)
	for _, rec := range r.launcher.ListSessions() {
		if rec.State != launcher.StateExited || !rec.Archived {
			continue
		}
		last := rec.LastActivityAt
		if last.IsZero() {
			last = rec.CreatedAt
		}
		if last.After(cutoff) {
			continue
		}

		r.launcher.RemoveSession(rec.ID)
		r.bridge.RemoveSession(rec.ID)
		slog.Info("recovery: cleaned up expired session", "sessionId", rec.ID, "lastActivityAt", last)
	}
}

// Stop halts the background tickers.
func (r *Recovery) Stop() {
	close(r.stopCh)
	<-r.doneCh
}
