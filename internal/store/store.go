// ABOUTME: Data types and errors for the coordination database
// ABOUTME: Registry log records, task board entries, and approval audit records

package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional state transition loses a race
	// or starts from the wrong state.
	ErrConflict = errors.New("state conflict")
)

// AgentStatus is the liveness state reported in a registration record.
type AgentStatus string

const (
	StatusOnline  AgentStatus = "online"
	StatusOffline AgentStatus = "offline"
	StatusIdle    AgentStatus = "idle"
	StatusBusy    AgentStatus = "busy"
)

// Reachable reports whether an agent in this status accepts work.
func (s AgentStatus) Reachable() bool {
	return s == StatusOnline || s == StatusIdle || s == StatusBusy
}

// RecordKind says why a registration record was appended.
type RecordKind string

const (
	KindRegister  RecordKind = "register"
	KindHeartbeat RecordKind = "heartbeat"
	KindOffline   RecordKind = "offline"
)

// Registration is one record in the append-only registry log. The current
// state of an agent is its record with the highest Seq.
type Registration struct {
	Seq           int64
	Order         int64 // Seq of the agent's first registration; stable across compaction
	AgentID       string
	Role          string
	Capabilities  []string
	URL           string
	PublicKey     string
	Status        AgentStatus
	Kind          RecordKind
	LastHeartbeat time.Time
	Registered    time.Time
}

// TaskStatus is a task's position on the board.
type TaskStatus string

const (
	TaskAvailable  TaskStatus = "available"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is a unit of delegated work.
type Task struct {
	ID          string
	Title       string
	Description string
	Priority    int
	Status      TaskStatus
	CreatedBy   string
	AssignedTo  string
	ClaimedBy   string
	Context     string
	Result      string
	Error       string
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Status     TaskStatus
	AssignedTo string
	CreatedBy  string
	Limit      int
}

// ApprovalRecord is one audited approval decision.
type ApprovalRecord struct {
	ID          string
	AgentID     string
	Tool        string
	Parameters  map[string]string
	Context     string
	Urgency     string
	Approved    bool
	DecidedBy   string
	Reason      string
	Channel     string // supervisor, human, headless
	RequestedAt time.Time
	DecidedAt   time.Time
}
