package cron

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound is returned by job lookups for an unknown id.
var ErrJobNotFound = fmt.Errorf("cron: job not found")

// Spawner is the capability the scheduler needs from the rest of the
// server: launch a new bridged session and feed it a first user message.
// Kept as a small interface so cron doesn't need to import the launcher or
// bridge packages directly.
type Spawner interface {
	LaunchSession(model, permissionMode, sessionName, cwd string) (sessionID string, err error)
	SendUserMessage(sessionID, content string) error
}

// job is the scheduler's live bookkeeping for one enabled Job.
type job struct {
	Job
	seen map[string]struct{}
	stop chan struct{}
}

// Scheduler runs one ticker per enabled job and converts checker triggers
// into new launched sessions, deduping by (jobID, dedupeKey) forever.
type Scheduler struct {
	store    *Store
	spawner  Spawner
	checkers map[string]Checker

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a scheduler backed by store for persistence and spawner for
// turning triggers into sessions.
func New(store *Store, spawner Spawner) *Scheduler {
	return &Scheduler{
		store:    store,
		spawner:  spawner,
		checkers: make(map[string]Checker),
		jobs:     make(map[string]*job),
	}
}

// RegisterChecker associates a job type with its checker implementation.
func (s *Scheduler) RegisterChecker(jobType string, c Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[jobType] = c
}

// Start loads persisted jobs and starts a ticker goroutine for each enabled
// one.
func (s *Scheduler) Start() error {
	jobs, err := s.store.LoadJobs()
	if err != nil {
		return fmt.Errorf("cron: load jobs: %w", err)
	}
	for _, j := range jobs {
		if !j.Enabled {
			continue
		}
		if err := s.startJob(j); err != nil {
			slog.Error("cron: start job", "jobId", j.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) startJob(j Job) error {
	seen, err := s.store.LoadSeen(j.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	rec := &job{Job: j, seen: seen, stop: make(chan struct{})}
	s.jobs[j.ID] = rec
	s.mu.Unlock()

	interval := time.Duration(j.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rec.stop:
				return
			case <-ticker.C:
				s.runOnce(rec)
			}
		}
	}()
	return nil
}

// AddJob persists a new job definition and, if enabled, starts its ticker.
func (s *Scheduler) AddJob(j Job) error {
	jobs, err := s.store.LoadJobs()
	if err != nil {
		return fmt.Errorf("cron: load jobs: %w", err)
	}
	jobs = append(jobs, j)
	if err := s.store.SaveJobs(jobs); err != nil {
		return fmt.Errorf("cron: save jobs: %w", err)
	}
	if j.Enabled {
		return s.startJob(j)
	}
	return nil
}

// ListJobs returns every persisted job definition.
func (s *Scheduler) ListJobs() ([]Job, error) {
	return s.store.LoadJobs()
}

// GetJob returns one persisted job definition by id.
func (s *Scheduler) GetJob(id string) (Job, error) {
	jobs, err := s.store.LoadJobs()
	if err != nil {
		return Job{}, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return Job{}, ErrJobNotFound
}

// ListRuns returns a job's persisted run history.
func (s *Scheduler) ListRuns(id string) ([]Run, error) {
	return s.store.LoadRuns(id)
}

// DeleteJob stops a running job's ticker (if any) and removes its
// persisted definition.
func (s *Scheduler) DeleteJob(id string) error {
	s.mu.Lock()
	if rec, ok := s.jobs[id]; ok {
		close(rec.stop)
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	jobs, err := s.store.LoadJobs()
	if err != nil {
		return fmt.Errorf("cron: load jobs: %w", err)
	}
	filtered := jobs[:0]
	for _, j := range jobs {
		if j.ID != id {
			filtered = append(filtered, j)
		}
	}
	return s.store.SaveJobs(filtered)
}

// Trigger performs one immediate invocation of a job's checker, identical in
// every respect to a ticker-driven run.
func (s *Scheduler) Trigger(jobID string) error {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: unknown job %s", jobID)
	}
	s.runOnce(rec)
	return nil
}

// Reset clears a job's seen-trigger set, allowing previously-dedupe triggers
// to fire again.
func (s *Scheduler) Reset(jobID string) error {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: unknown job %s", jobID)
	}
	s.mu.Lock()
	rec.seen = make(map[string]struct{})
	s.mu.Unlock()
	return s.store.SaveSeen(jobID, map[string]struct{}{})
}

// Stop stops every running job's ticker goroutine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.jobs {
		close(rec.stop)
	}
}

func (s *Scheduler) runOnce(rec *job) {
	run := Run{
		ID:        uuid.NewString(),
		JobID:     rec.ID,
		StartedAt: time.Now().UTC(),
		Status:    RunRunning,
	}

	s.mu.Lock()
	checker, ok := s.checkers[rec.Type]
	s.mu.Unlock()
	if !ok {
		s.finishRun(rec, &run, RunFailed, fmt.Sprintf("no checker registered for type %q", rec.Type), 0)
		return
	}

	result := checker(rec.Config)
	if result.Error != nil {
		s.finishRun(rec, &run, RunFailed, result.Error.Error(), 0)
		return
	}

	spawned := 0
	var lastSpawnedID string
	var summaries []string
	for _, t := range result.Triggers {
		if t.Summary != "" {
			summaries = append(summaries, t.Summary)
		}
		s.mu.Lock()
		_, already := rec.seen[t.DedupeKey]
		s.mu.Unlock()
		if already {
			continue
		}

		sessionID, err := s.spawner.LaunchSession(rec.Model, rec.PermissionMode, t.SessionName, t.Cwd)
		if err != nil {
			slog.Error("cron: launch session for trigger", "jobId", rec.ID, "dedupeKey", t.DedupeKey, "error", err)
			continue
		}
		if t.Prompt != "" {
			if err := s.spawner.SendUserMessage(sessionID, t.Prompt); err != nil {
				slog.Error("cron: send first prompt", "sessionId", sessionID, "error", err)
			}
		}

		s.mu.Lock()
		rec.seen[t.DedupeKey] = struct{}{}
		seenCopy := make(map[string]struct{}, len(rec.seen))
		for k := range rec.seen {
			seenCopy[k] = struct{}{}
		}
		s.mu.Unlock()

		if err := s.store.SaveSeen(rec.ID, seenCopy); err != nil {
			slog.Error("cron: persist seen set", "jobId", rec.ID, "error", err)
		}

		spawned++
		lastSpawnedID = sessionID
	}

	run.TriggerSummary = strings.Join(summaries, "; ")

	if spawned == 0 && len(result.Triggers) == 0 {
		s.finishRun(rec, &run, RunSkipped, "", 0)
		return
	}
	run.SpawnedSessionID = lastSpawnedID
	s.finishRun(rec, &run, RunCompleted, "", spawned)
}

func (s *Scheduler) finishRun(rec *job, run *Run, status RunStatus, errMsg string, count int) {
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Status = status
	run.Error = errMsg
	run.TriggerCount = count

	runs, err := s.store.LoadRuns(rec.ID)
	if err != nil {
		slog.Error("cron: load runs", "jobId", rec.ID, "error", err)
	}
	runs = append(runs, *run)
	const maxRunsPerJob = 100
	if len(runs) > maxRunsPerJob {
		runs = runs[len(runs)-maxRunsPerJob:]
	}
	if err := s.store.SaveRuns(rec.ID, runs); err != nil {
		slog.Error("cron: save runs", "jobId", rec.ID, "error", err)
	}

	s.updateJobLastRunAt(rec.ID, now)
}

// updateJobLastRunAt patches the persisted job's LastRunAt field. The
// scheduler's in-memory job isn't the authoritative copy (ListJobs/GetJob
// always re-read from the store), so the store itself has to be patched.
func (s *Scheduler) updateJobLastRunAt(jobID string, when time.Time) {
	jobs, err := s.store.LoadJobs()
	if err != nil {
		slog.Error("cron: load jobs", "jobId", jobID, "error", err)
		return
	}
	found := false
	for i := range jobs {
		if jobs[i].ID == jobID {
			t := when
			jobs[i].LastRunAt = &t
			found = true
			break
		}
	}
	if !found {
		return
	}
	if err := s.store.SaveJobs(jobs); err != nil {
		slog.Error("cron: save jobs", "jobId", jobID, "error", err)
	}
}
