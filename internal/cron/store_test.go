package cron

import (
	"testing"
	"time"
)

func TestStore_SaveLoadJobsRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	jobs := []Job{{ID: "j1", Name: "nightly", Enabled: true, CreatedAt: time.Now().UTC()}}
	if err := s.SaveJobs(jobs); err != nil {
		t.Fatalf("SaveJobs: %v", err)
	}

	got, err := s.LoadJobs()
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(got) != 1 || got[0].ID != "j1" {
		t.Fatalf("LoadJobs = %+v, want one job j1", got)
	}
}

func TestStore_LoadJobsEmptyWhenAbsent(t *testing.T) {
	s := NewStore(t.TempDir())
	jobs, err := s.LoadJobs()
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no jobs, got %+v", jobs)
	}
}

func TestStore_SeenRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	seen := map[string]struct{}{"k1": {}, "k2": {}}
	if err := s.SaveSeen("j1", seen); err != nil {
		t.Fatalf("SaveSeen: %v", err)
	}

	got, err := s.LoadSeen("j1")
	if err != nil {
		t.Fatalf("LoadSeen: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("LoadSeen = %+v, want 2 entries", got)
	}
	if _, ok := got["k1"]; !ok {
		t.Error("expected k1 to be present")
	}
}

func TestStore_RunsRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	runs := []Run{{ID: "r1", JobID: "j1", Status: RunCompleted, StartedAt: time.Now().UTC()}}
	if err := s.SaveRuns("j1", runs); err != nil {
		t.Fatalf("SaveRuns: %v", err)
	}

	got, err := s.LoadRuns("j1")
	if err != nil {
		t.Fatalf("LoadRuns: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("LoadRuns = %+v, want one run r1", got)
	}
}
