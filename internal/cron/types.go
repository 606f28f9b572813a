// Package cron runs periodic external-trigger checkers and converts their
// triggers into new bridged sessions, deduping by trigger key across restarts.
package cron

import "time"

// RunStatus is the closed set of states a CronRun passes through.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// Job is a persisted cron job definition.
type Job struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Enabled        bool           `json:"enabled"`
	IntervalSeconds int           `json:"intervalSeconds"`
	Config         map[string]any `json:"config"`
	Model          string         `json:"model,omitempty"`
	PermissionMode string         `json:"permissionMode,omitempty"`
	LastRunAt      *time.Time     `json:"lastRunAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Run is a persisted record of one execution of a job's checker.
type Run struct {
	ID               string     `json:"id"`
	JobID            string     `json:"jobId"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	Status           RunStatus  `json:"status"`
	SpawnedSessionID string     `json:"spawnedSessionId,omitempty"`
	TriggerSummary   string     `json:"triggerSummary,omitempty"`
	Error            string     `json:"error,omitempty"`
	TriggerCount     int        `json:"triggerCount"`
}

// Trigger is one situation a checker found worth acting on.
type Trigger struct {
	DedupeKey   string
	SessionName string
	Prompt      string
	Cwd         string
	Summary     string
}

// CheckResult is what a checker returns: an ordered list of triggers, or an
// error if the check itself failed. A checker never panics; failure is
// always communicated through Error.
type CheckResult struct {
	Triggers []Trigger
	Error    error
}

// Checker inspects an external source and returns triggers. Pure: it takes
// only the job's config and returns a result, with no side effects of its
// own (spawning sessions is the scheduler's job, not the checker's).
type Checker func(cfg map[string]any) CheckResult
