package recovery

import (
	"os"
	"testing"
	"time"

	"github.com/workspace/bridge-server/internal/bridge"
	"github.com/workspace/bridge-server/internal/launcher"
	"github.com/workspace/bridge-server/internal/sessionstore"
)

func newTestDeps() (*launcher.Launcher, *bridge.Bridge) {
	store := sessionstore.NullStore{}
	l := launcher.New(store, time.Second, "agent-subprocess", "", nil, nil, nil)
	b := bridge.New(store, l, nil, nil)
	return l, b
}

func TestIsAlive(t *testing.T) {
	if !isAlive(os.Getpid()) {
		t.Error("expected the current process to be alive")
	}
	if isAlive(0) {
		t.Error("expected pid 0 to be reported not alive")
	}
	// A pid unlikely to exist.
	if isAlive(1 << 30) {
		t.Error("expected an implausible pid to be reported not alive")
	}
}

func TestRestoreOne_AliveProcessRestoresAsConnected(t *testing.T) {
	l, b := newTestDeps()
	r := New(sessionstore.NullStore{}, l, b, time.Hour, time.Hour, 24*time.Hour)

	pid := os.Getpid()
	snap := &sessionstore.Snapshot{
		Meta:  &sessionstore.Meta{ID: "sess-1", Pid: &pid, CreatedAt: time.Now().UTC()},
		State: sessionstore.DefaultState("sess-1"),
	}

	r.restoreOne(snap)

	rec, ok := l.GetSession("sess-1")
	if !ok {
		t.Fatal("expected record to be restored")
	}
	if rec.State != launcher.StateConnected {
		t.Errorf("State = %q, want connected", rec.State)
	}
	if rec.Archived {
		t.Error("expected an alive process to restore unarchived")
	}
}

func TestRestoreOne_DeadProcessRestoresAsExitedArchived(t *testing.T) {
	l, b := newTestDeps()
	r := New(sessionstore.NullStore{}, l, b, time.Hour, time.Hour, 24*time.Hour)

	deadPid := 1 << 30
	snap := &sessionstore.Snapshot{
		Meta:  &sessionstore.Meta{ID: "sess-2", Pid: &deadPid, CreatedAt: time.Now().UTC()},
		State: sessionstore.DefaultState("sess-2"),
	}

	r.restoreOne(snap)

	rec, ok := l.GetSession("sess-2")
	if !ok {
		t.Fatal("expected record to be restored")
	}
	if rec.State != launcher.StateExited {
		t.Errorf("State = %q, want exited", rec.State)
	}
	if !rec.Archived {
		t.Error("expected a dead process to restore archived")
	}
	if rec.ExitCode == nil || *rec.ExitCode != -1 {
		t.Errorf("ExitCode = %v, want -1", rec.ExitCode)
	}
}

func TestRestoreOne_NilMetaIsSkipped(t *testing.T) {
	l, b := newTestDeps()
	r := New(sessionstore.NullStore{}, l, b, time.Hour, time.Hour, 24*time.Hour)

	r.restoreOne(&sessionstore.Snapshot{Meta: nil})

	if len(l.ListSessions()) != 0 {
		t.Error("expected no session to be restored from a nil-meta snapshot")
	}
}

func TestProbeOnce_DemotesDeadRestoredRecord(t *testing.T) {
	l, b := newTestDeps()
	r := New(sessionstore.NullStore{}, l, b, time.Hour, time.Hour, 24*time.Hour)

	deadPid := 1 << 30
	l.RestoreSession(launcher.Record{ID: "sess-3", Pid: deadPid, State: launcher.StateConnected, CreatedAt: time.Now().UTC()})

	r.probeOnce()

	rec, _ := l.GetSession("sess-3")
	if rec.State != launcher.StateExited {
		t.Errorf("State = %q, want exited after probe", rec.State)
	}
	if !rec.Archived {
		t.Error("expected probe to archive the demoted record")
	}
}

func TestProbeOnce_SkipsAlreadyExitedRecord(t *testing.T) {
	l, b := newTestDeps()
	r := New(sessionstore.NullStore{}, l, b, time.Hour, time.Hour, 24*time.Hour)

	l.RestoreSession(launcher.Record{ID: "sess-4", Pid: 1 << 30, State: launcher.StateExited, Archived: true, CreatedAt: time.Now().UTC()})

	r.probeOnce()

	rec, _ := l.GetSession("sess-4")
	if rec.State != launcher.StateExited {
		t.Errorf("State = %q, want unchanged exited", rec.State)
	}
}

func TestCleanOnce_RemovesExpiredArchivedSessions(t *testing.T) {
	l, b := newTestDeps()
	r := New(sessionstore.NullStore{}, l, b, time.Hour, time.Hour, time.Hour)

	old := time.Now().UTC().Add(-2 * time.Hour)
	l.RestoreSession(launcher.Record{ID: "sess-5", State: launcher.StateExited, Archived: true, CreatedAt: old, LastActivityAt: old})

	r.cleanOnce()

	if _, ok := l.GetSession("sess-5"); ok {
		t.Error("expected expired archived session to be removed")
	}
}

func TestCleanOnce_KeepsRecentArchivedSessions(t *testing.T) {
	l, b := newTestDeps()
	r := New(sessionstore.NullStore{}, l, b, time.Hour, time.Hour, 24*time.Hour)

	recent := time.Now().UTC()
	l.RestoreSession(launcher.Record{ID: "sess-6", State: launcher.StateExited, Archived: true, CreatedAt: recent, LastActivityAt: recent})

	r.cleanOnce()

	if _, ok := l.GetSession("sess-6"); !ok {
		t.Error("expected a recently-archived session to survive cleanup")
	}
}

func TestCleanOnce_TTLZeroDisablesCleanup(t *testing.T) {
	l, b := newTestDeps()
	r := New(sessionstore.NullStore{}, l, b, time.Hour, time.Hour, 0)

	old := time.Now().UTC().Add(-365 * 24 * time.Hour)
	l.RestoreSession(launcher.Record{ID: "sess-7", State: launcher.StateExited, Archived: true, CreatedAt: old, LastActivityAt: old})

	r.cleanOnce()

	if _, ok := l.GetSession("sess-7"); !ok {
		t.Error("expected ttl=0 to disable cleanup entirely, even for very old sessions")
	}
}

func TestStop_WaitsForLoopExit(t *testing.T) {
	l, b := newTestDeps()
	r := New(sessionstore.NullStore{}, l, b, time.Millisecond, time.Hour, time.Hour)
	go r.loop()
	r.Stop()
}
