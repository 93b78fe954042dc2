// Package types defines the core data model shared by all trak components.
package types

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// TimeFormat is the canonical timestamp format. All timestamps are UTC strings
// in this format; it sorts lexicographically in chronological order, which the
// merge resolver relies on.
const TimeFormat = "2006-01-02 15:04:05"

// IDPrefix is the prefix of every task id (trak-xxxxxx).
const IDPrefix = "trak-"

// Status is the workflow state of a task.
type Status string

const (
	StatusOpen     Status = "open"
	StatusWIP      Status = "wip"
	StatusBlocked  Status = "blocked"
	StatusReview   Status = "review"
	StatusDone     Status = "done"
	StatusArchived Status = "archived"
	StatusFailed   Status = "failed"
)

// ValidStatuses lists every status accepted by the engine.
var ValidStatuses = []Status{
	StatusOpen, StatusWIP, StatusBlocked, StatusReview,
	StatusDone, StatusArchived, StatusFailed,
}

// IsValidStatus reports whether s is a recognized workflow status.
func IsValidStatus(s Status) bool {
	for _, v := range ValidStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends the normal workflow. failed is terminal
// only once retries are exhausted; the engine handles that distinction.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusArchived
}

// Autonomy selects how much human mediation a task needs before dispatch.
type Autonomy string

const (
	AutonomyManual  Autonomy = "manual"
	AutonomyAuto    Autonomy = "auto"
	AutonomyReview  Autonomy = "review"
	AutonomyApprove Autonomy = "approve"
)

// IsValidAutonomy reports whether a is a recognized autonomy level.
func IsValidAutonomy(a Autonomy) bool {
	switch a {
	case AutonomyManual, AutonomyAuto, AutonomyReview, AutonomyApprove:
		return true
	}
	return false
}

// VerificationStatus is the outcome of the last verification pass.
type VerificationStatus string

const (
	VerifyUnset            VerificationStatus = ""
	VerifyPassed           VerificationStatus = "passed"
	VerifyFailed           VerificationStatus = "failed"
	VerifyChangesRequested VerificationStatus = "changes_requested"
)

// Task is the primary entity. Timestamps are canonical strings (TimeFormat);
// an empty string means unset.
type Task struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	Status             Status  `json:"status"`
	Priority           int     `json:"priority"` // 0 is highest, so no omitempty
	Project            string  `json:"project,omitempty"`
	Tags               string  `json:"tags,omitempty"` // comma-joined
	BlockedBy          string  `json:"blocked_by,omitempty"` // free-form note; real blocking lives in dependencies
	ParentID           string  `json:"parent_id,omitempty"`
	EpicID             string  `json:"epic_id,omitempty"`
	IsEpic             bool    `json:"is_epic,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
	AgentSession       string  `json:"agent_session,omitempty"`
	AssignedTo         string  `json:"assigned_to,omitempty"`
	VerifiedBy         string  `json:"verified_by,omitempty"`
	VerificationStatus string  `json:"verification_status,omitempty"`
	CreatedFrom        string  `json:"created_from,omitempty"`
	VerifyCommand      string  `json:"verify_command,omitempty"`
	WIPSnapshot        string  `json:"wip_snapshot,omitempty"`
	Autonomy           string  `json:"autonomy,omitempty"`
	BudgetUSD          float64 `json:"budget_usd,omitempty"`
	TokensIn           int64   `json:"tokens_in,omitempty"`
	TokensOut          int64   `json:"tokens_out,omitempty"`
	TokensUsed         int64   `json:"tokens_used,omitempty"`
	CostUSD            float64 `json:"cost_usd,omitempty"`
	ModelUsed          string  `json:"model_used,omitempty"`
	DurationSeconds    float64 `json:"duration_seconds,omitempty"`
	RetryCount         int     `json:"retry_count,omitempty"`
	MaxRetries         int     `json:"max_retries,omitempty"`
	LastFailureReason  string  `json:"last_failure_reason,omitempty"`
	RetryAfter         string  `json:"retry_after,omitempty"`
	TimeoutSeconds     int     `json:"timeout_seconds,omitempty"`

	// Embedded collections, populated for snapshot export and replay.
	Journal []JournalEntry `json:"journal,omitempty"`
	Deps    []string       `json:"deps,omitempty"` // parent ids this task depends on
	Claims  []Claim        `json:"claims,omitempty"`
}

// JournalEntry is an immutable annotation on a task.
type JournalEntry struct {
	Timestamp string `json:"timestamp"`
	Entry     string `json:"entry"`
	Author    string `json:"author,omitempty"`
}

// Claim is a soft, advisory reservation of a task by an agent. Orchestration
// decisions use status + workspace locks, never claims.
type Claim struct {
	Agent      string `json:"agent"`
	Model      string `json:"model,omitempty"`
	Status     string `json:"status"` // claimed | released
	ClaimedAt  string `json:"claimed_at"`
	ReleasedAt string `json:"released_at,omitempty"`
}

const (
	ClaimActive   = "claimed"
	ClaimReleased = "released"
)

// CostEvent records one priced operation against a task.
type CostEvent struct {
	TaskID          string  `json:"task_id"`
	Timestamp       string  `json:"timestamp"`
	Model           string  `json:"model,omitempty"`
	TokensIn        int64   `json:"tokens_in,omitempty"`
	TokensOut       int64   `json:"tokens_out,omitempty"`
	CostUSD         float64 `json:"cost_usd"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Agent           string  `json:"agent,omitempty"`
	Operation       string  `json:"operation,omitempty"`
	Metadata        string  `json:"metadata,omitempty"`
}

// Dependency is an edge: Task TaskID cannot become ready until DependsOnID is
// done or archived.
type Dependency struct {
	TaskID      string `json:"task_id"`
	DependsOnID string `json:"depends_on_id"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// EventOp enumerates event-log operations.
type EventOp string

const (
	EventCreate EventOp = "create"
	EventUpdate EventOp = "update"
	EventClose  EventOp = "close"
	EventDepAdd EventOp = "dep_add"
	EventDepRm  EventOp = "dep_rm"
	EventLog    EventOp = "log"
	EventClaim  EventOp = "claim"
)

// Event is one append-only event-log record. Data carries only changed fields.
type Event struct {
	Op   EventOp        `json:"op"`
	ID   string         `json:"id"`
	TS   string         `json:"ts"`
	Data map[string]any `json:"data,omitempty"`
}

// Now returns the current UTC time as a canonical timestamp string.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// FormatTime converts t to a canonical timestamp string.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a canonical timestamp string. Returns the zero time for "".
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(TimeFormat, s, time.UTC)
}

// NewID generates a fresh task id: the trak- prefix plus six lowercase hex
// characters from crypto/rand.
func NewID() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate task id: %w", err)
	}
	return IDPrefix + hex.EncodeToString(b[:]), nil
}
