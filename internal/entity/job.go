package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	StateQueued        JobState = "queued"
	StateDispatching   JobState = "dispatching"
	StateWaitingForRun JobState = "waiting_for_run"
	StateRunning       JobState = "running"
	StateCompleted     JobState = "completed"
	StateFailed        JobState = "failed"
)

// NonTerminalStates are the states the reconciler still acts on.
var NonTerminalStates = []JobState{
	StateQueued,
	StateDispatching,
	StateWaitingForRun,
	StateRunning,
}

func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// LogEntry is one line of the job's append-only diagnostic log.
type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Job is a single build request tracked from creation to a terminal state.
// RemoteRunID is assigned once, when the matcher links the job to a
// workflow run, and never reassigned after that.
type Job struct {
	ID               uuid.UUID         `json:"job_id"`
	Name             string            `json:"game_name"`
	Template         string            `json:"template,omitempty"`
	Parameters       map[string]string `json:"parameters,omitempty"`
	State            JobState          `json:"status"`
	RemoteRunID      *int64            `json:"workflow_run_id,omitempty"`
	RemoteStatus     string            `json:"run_status,omitempty"`
	RemoteConclusion string            `json:"run_conclusion,omitempty"`
	RunURL           string            `json:"run_url,omitempty"`
	OutputURL        *string           `json:"output_url,omitempty"`
	Error            *string           `json:"error,omitempty"`
	Log              []LogEntry        `json:"log,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	DispatchedAt     *time.Time        `json:"dispatched_at,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
}

// JobPatch is a partial update applied atomically to a single job row.
// Nil fields are left untouched.
type JobPatch struct {
	State            *JobState
	RemoteRunID      *int64
	RemoteStatus     *string
	RemoteConclusion *string
	RunURL           *string
	OutputURL        *string
	Error            *string
	DispatchedAt     *time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// WorkflowRun is the snapshot of one remote execution as the run-list and
// run-get APIs report it.
type WorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
}

// Completed reports whether the remote execution reached its terminal
// status. Conclusion is only meaningful once this returns true.
func (r *WorkflowRun) Completed() bool {
	return r.Status == "completed"
}
