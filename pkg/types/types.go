package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityID is a typed durable identity of the form "kind:uuid7".
// Every event in the log is attributed to exactly one entity.
type EntityID string

// Entity kinds known to the core. Tools may introduce their own kinds;
// the store treats the kind as an opaque prefix.
const (
	KindTask      = "task"
	KindAgent     = "agent"
	KindWorkspace = "workspace"
	KindWorkflow  = "workflow"
)

// NewEntityID mints an entity id for the given kind using a time-ordered
// UUIDv7 so ids sort by creation time.
func NewEntityID(kind string) EntityID {
	return EntityID(kind + ":" + NewID())
}

// Kind returns the kind prefix of the entity id ("" if malformed).
func (e EntityID) Kind() string {
	if i := strings.IndexByte(string(e), ':'); i > 0 {
		return string(e)[:i]
	}
	return ""
}

func (e EntityID) String() string { return string(e) }

// NewID returns a time-ordered UUIDv7 string. UUIDv7 is lexicographically
// sortable, which the event index and the integrity chain rely on.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4
		// rather than panic in a hot path.
		return uuid.New().String()
	}
	return id.String()
}

// Priority classifies tasks into five strict dispatch classes.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityBatch    Priority = "batch"
)

// Priorities lists all classes from highest to lowest.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBatch}

// Rank returns the dispatch rank (0 = highest). Unknown priorities rank
// as normal.
func (p Priority) Rank() int {
	for i, q := range Priorities {
		if p == q {
			return i
		}
	}
	return 2
}

// Valid reports whether p is one of the five known classes.
func (p Priority) Valid() bool {
	for _, q := range Priorities {
		if p == q {
			return true
		}
	}
	return false
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusEnqueued   TaskStatus = "enqueued"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusResolved   TaskStatus = "resolved"
)

// Task is a single tool execution request owned by the coordinator.
// Tasks are ephemeral: they are never persisted in the event store,
// only their outcomes if a tool chooses to append.
type Task struct {
	ID         string          `json:"id"`
	Tool       string          `json:"tool"`
	Params     json.RawMessage `json:"params"`
	Priority   Priority        `json:"priority"`
	TimeoutMS  int64           `json:"timeout_ms"`
	Status     TaskStatus      `json:"status"`
	WorkerID   string          `json:"worker_id,omitempty"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"max_retries"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
}

// TaskResult is the terminal outcome of a task.
type TaskResult struct {
	TaskID          string          `json:"task_id"`
	Success         bool            `json:"success"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *TaskError      `json:"error,omitempty"`
	FromCache       bool            `json:"from_cache"`
	QueueTimeMS     int64           `json:"queue_time_ms"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
}

// ErrorCode identifies the failure class surfaced by the core.
type ErrorCode string

const (
	ErrQueueFull       ErrorCode = "QUEUE_FULL"
	ErrTimeout         ErrorCode = "TIMEOUT"
	ErrWorkerCrashed   ErrorCode = "WORKER_CRASHED"
	ErrMessageTooLarge ErrorCode = "WORKER_MESSAGE_TOO_LARGE"
	ErrExecution       ErrorCode = "EXECUTION_ERROR"
	ErrLimitExceeded   ErrorCode = "LIMIT_EXCEEDED"
	ErrStorage         ErrorCode = "STORAGE_ERROR"
	ErrIntegrityBroken ErrorCode = "INTEGRITY_CHAIN_BROKEN"
	ErrRuntime         ErrorCode = "RUNTIME_ERROR"
	ErrSyntax          ErrorCode = "SYNTAX_ERROR"
	ErrToolNotFound    ErrorCode = "TOOL_NOT_FOUND"
	ErrToolDenied      ErrorCode = "TOOL_DENIED"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
)

// TaskError is a structured failure carried in results and wire replies.
type TaskError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewTaskError builds a TaskError with a formatted message.
func NewTaskError(code ErrorCode, format string, args ...any) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WorkerStatus represents the state of a worker in the registry.
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusReady    WorkerStatus = "ready"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusCrashed  WorkerStatus = "crashed"
)

// WorkerCapabilities is what a worker advertises in its register message.
type WorkerCapabilities struct {
	Tools         []string `json:"tools"`
	Languages     []string `json:"languages,omitempty"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// HasTool reports whether the worker declared the given tool name.
// Matching is verbatim.
func (c WorkerCapabilities) HasTool(name string) bool {
	for _, t := range c.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// WorkerInfo is the registry view of a worker.
type WorkerInfo struct {
	ID           string             `json:"id"`
	Capabilities WorkerCapabilities `json:"capabilities"`
	Status       WorkerStatus       `json:"status"`
	ActiveTasks  int                `json:"active_tasks"`
	LastPing     time.Time          `json:"last_ping"`
	RegisteredAt time.Time          `json:"registered_at"`
}

// Load is active tasks over declared concurrency, in [0, 1].
func (w *WorkerInfo) Load() float64 {
	max := w.Capabilities.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	return float64(w.ActiveTasks) / float64(max)
}

// Event is an immutable record in the append-only log.
// (EntityID, Version) is unique and versions are dense per entity.
type Event struct {
	ID        string          `json:"id"`
	EntityID  EntityID        `json:"entity_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // millisecond epoch
	Version   uint64          `json:"version"`
}

// Snapshot is a materialized view of an entity's state at a version.
// At most one snapshot exists per entity; latest wins.
type Snapshot struct {
	EntityID  EntityID        `json:"entity_id"`
	State     json.RawMessage `json:"state"`
	Version   uint64          `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
}

// SagaStatus is the live status of a saga.
type SagaStatus string

const (
	SagaStatusRunning      SagaStatus = "running"
	SagaStatusCompensating SagaStatus = "compensating"
	SagaStatusCompleted    SagaStatus = "completed"
	SagaStatusFailed       SagaStatus = "failed"
)

// SagaState is the live record of an in-flight saga. Terminal sagas are
// deleted from the live table once the final event is appended; the
// event log remains authoritative.
type SagaState struct {
	SagaID         string                     `json:"saga_id"`
	Definition     string                     `json:"definition"`
	EntityID       EntityID                   `json:"entity_id"`
	Status         SagaStatus                 `json:"status"`
	CurrentStep    int                        `json:"current_step"`
	TotalSteps     int                        `json:"total_steps"`
	Input          json.RawMessage            `json:"input"`
	CompletedSteps []string                   `json:"completed_steps"`
	Results        map[string]json.RawMessage `json:"results"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// IntegrityBlock is a sealed batch of events with a Merkle root, linked
// by hash to the previous block.
type IntegrityBlock struct {
	ID                string    `json:"id"`
	PreviousBlockHash []byte    `json:"previous_block_hash,omitempty"` // nil for genesis
	MerkleRoot        []byte    `json:"merkle_root"`
	StartEventID      string    `json:"start_event_id"`
	EndEventID        string    `json:"end_event_id"`
	EventCount        int       `json:"event_count"`
	CreatedAt         time.Time `json:"created_at"`
}

// DLQEntry records an operation that exhausted its retries.
type DLQEntry struct {
	ID        string          `json:"id"`
	EntityID  EntityID        `json:"entity_id"`
	Operation string          `json:"operation"`
	Error     string          `json:"error"`
	Attempts  int             `json:"attempts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	AddedAt   time.Time       `json:"added_at"`
}
