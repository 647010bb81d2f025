// Package store provides the durable task-lifecycle store: typed repositories
// over a single SQLite database with WAL and foreign keys enabled, versioned
// via a schema_migrations table.
package store

import "time"

// MessageStatus is the lifecycle state of an inbound or outbound message.
type MessageStatus string

const (
	MessageNew        MessageStatus = "new"
	MessageProcessing MessageStatus = "processing"
	MessageHandled    MessageStatus = "handled"
	MessageFailed     MessageStatus = "failed"
)

// Direction distinguishes inbound from outbound messages.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is a communication artifact from a channel such as mail.
type Message struct {
	ID         string
	Channel    string
	Direction  Direction
	ExternalID string // channel-scoped, may be empty
	From       string
	To         []string
	Subject    string
	Body       string
	Metadata   map[string]any
	Status     MessageStatus
	TaskID     string // back-reference, may be empty
	ThreadID   string // conversation grouping, may be empty
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status ends the task lifecycle.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Priority orders tasks and drafts.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its queue sort key: urgent=0, high=1, normal=2, low=3.
// Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Task is a unit of work scheduled through the queue.
type Task struct {
	ID              string
	Type            string
	Status          TaskStatus
	Priority        Priority
	Payload         map[string]any
	SourceChannel   string
	SourceMessageID string
	AgentID         string
	ConductorID     string
	Result          *AgentOutput
	RetryCount      int
	MaxRetries      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// OutputStatus is the status reported by a worker in its Agent-Output frame.
type OutputStatus string

const (
	OutputCompleted OutputStatus = "completed"
	OutputFailed    OutputStatus = "failed"
	OutputPartial   OutputStatus = "partial"
	OutputEscalated OutputStatus = "escalated"
)

// OutputItem is one produced artifact inside an Agent-Output.
type OutputItem struct {
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AgentOutput is the structured result a worker reports between the output
// sentinels. Field names are the wire format and must not change.
type AgentOutput struct {
	Status      OutputStatus   `json:"status"`
	Priority    Priority       `json:"priority"`
	Summary     string         `json:"summary"`
	NeedsReview bool           `json:"needsReview"`
	Outputs     []OutputItem   `json:"outputs"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Valid reports whether the decoded frame has the required Agent-Output shape.
func (o *AgentOutput) Valid() bool {
	switch o.Status {
	case OutputCompleted, OutputFailed, OutputPartial, OutputEscalated:
	default:
		return false
	}
	for _, item := range o.Outputs {
		if item.Type == "" {
			return false
		}
	}
	return true
}

// DraftStatus is the lifecycle state of a draft.
type DraftStatus string

const (
	DraftPendingReview DraftStatus = "pending_review"
	DraftApproved      DraftStatus = "approved"
	DraftRejected      DraftStatus = "rejected"
	DraftSent          DraftStatus = "sent"
	DraftEditedAndSent DraftStatus = "edited_and_sent"
	DraftAutoApproved  DraftStatus = "auto_approved"
)

// Draft is a proposed outbound message awaiting human or auto approval.
type Draft struct {
	ID              string
	TaskID          string
	SourceMessageID string
	Channel         string
	To              []string
	CC              []string
	Subject         string
	Body            string
	OriginalBody    string // immutable copy of the creation-time body
	Status          DraftStatus
	Priority        Priority
	ConductorNotes  string
	QualityScore    *int // 0..100, nil until scored
	QualityNotes    string
	AutoApproveRule string // matched rule name, empty if none
	ReviewedBy      string
	ReviewedAt      *time.Time
	SentAt          *time.Time
	ExternalDraftID string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ChangeType classifies a human edit to a draft.
type ChangeType string

const (
	ChangeMinorEdit    ChangeType = "minor_edit"
	ChangeMajorRewrite ChangeType = "major_rewrite"
	ChangeToneChange   ChangeType = "tone_change"
	ChangeFactualFix   ChangeType = "factual_fix"
	ChangeRejection    ChangeType = "rejection"
)

// Correction records a human edit or rejection of a draft.
type Correction struct {
	ID            string
	DraftID       string
	TaskID        string
	OriginalBody  string
	EditedBody    string // empty for rejections
	EditedSubject string
	ChangeType    ChangeType
	Feedback      string
	CreatedAt     time.Time
}

// SessionStatus is the lifecycle state of a worker session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionStopped  SessionStatus = "stopped"
	SessionError    SessionStatus = "error"
)

// Session records one launched worker instance.
type Session struct {
	ID          string
	AgentID     string
	TaskID      string
	ContainerID string
	Status      SessionStatus
	StartedAt   time.Time
	StoppedAt   *time.Time
}

// PromptMetrics holds the rolling counters attached to a prompt version.
type PromptMetrics struct {
	UsageCount     int     `json:"usageCount"`
	PositiveRating int     `json:"positiveRating"`
	NegativeRating int     `json:"negativeRating"`
	AvgDurationMS  float64 `json:"avgDurationMs"`
	CorrectionRate int     `json:"correctionRate"`
}

// PromptVersion is a named, numbered prompt. At most one version per name is
// active at a time.
type PromptVersion struct {
	ID          string
	Name        string
	Content     string
	Version     int
	Active      bool
	ActivatedAt *time.Time
	CreatedAt   time.Time
	Metrics     *PromptMetrics
}

// ApprovalRule configures auto-approval of drafts.
type ApprovalRule struct {
	ID            string
	Name          string
	AgentType     string // empty matches any agent type
	MinQuality    int    // minimum quality score, 0..100
	MaxBodyLength int    // 0 means unlimited
	Enabled       bool
	CreatedAt     time.Time
}

// Feedback is an explicit human rating of an agent result.
type Feedback struct {
	ID        string
	TaskID    string
	AgentType string
	Rating    int // -1 negative, +1 positive
	Comment   string
	CreatedAt time.Time
}
