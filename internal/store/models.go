package store

import (
	"encoding/json"
	"time"
)

// Participant status values. WITHDRAWN and INVALIDATED are absorbing.
const (
	StatusCreated     = "CREATED"
	StatusStarted     = "STARTED"
	StatusCompleted   = "COMPLETED"
	StatusWithdrawn   = "WITHDRAWN"
	StatusInvalidated = "INVALIDATED"
)

// Study steps in flow order.
const (
	StepPreSurvey   = "PRE_SURVEY"
	StepTaskChat    = "TASK_CHAT"
	StepPostSurvey  = "POST_SURVEY"
	StepFinalSurvey = "FINAL_SURVEY"
	StepDone        = "DONE"
)

const (
	ThreadActive = "ACTIVE"
	ThreadClosed = "CLOSED"
)

// Close reasons. ABANDONED is only ever inferred by reconciliation.
const (
	CloseRestarted    = "RESTARTED"
	CloseTaskFinished = "TASK_FINISHED"
	CloseAbandoned    = "ABANDONED"
	CloseError        = "ERROR"
)

const (
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleTool      = "TOOL"
	RoleSystem    = "SYSTEM"
)

// Survey phases. Post-task surveys are stored per task as POST_TASK_<n>.
const (
	PhasePre      = "PRE"
	PhasePostTask = "POST_TASK"
	PhaseFinal    = "FINAL"
)

type Study struct {
	ID        string
	Name      string
	Status    string
	TaskCount int
	CreatedAt time.Time
}

type Researcher struct {
	ID            string
	Email         string
	DisplayName   string
	PasswordHash  string
	Role          string
	DeactivatedAt *time.Time
	CreatedAt     time.Time
}

type Participant struct {
	ID                string
	AccessCode        string
	StudyID           string
	Variant           string
	Status            string
	CurrentStep       string
	CurrentTaskNumber *int
	LastActiveAt      *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ReentryCount      int
	CreatedAt         time.Time
}

// ParticipantProgress is the routing state written by study-flow transitions.
// A non-empty FromStep makes the write conditional on the participant still
// being at FromStep/FromTaskNumber.
type ParticipantProgress struct {
	Status            string
	CurrentStep       string
	CurrentTaskNumber *int
	CompletedAt       *time.Time
	FromStep          string
	FromTaskNumber    *int
}

type TaskSession struct {
	ID                    string
	ParticipantID         string
	TaskNumber            int
	StartedAt             time.Time
	ChatStartedAt         *time.Time
	ChatEndedAt           *time.Time
	ReadyToAnswerAt       *time.Time
	PostSurveyStartedAt   *time.Time
	PostSurveySubmittedAt *time.Time
	HasChattedAtLeastOnce bool
	UserMessageCount      int
	AssistantMessageCount int
	ChatRestartCount      int
	SidePanelOpenCount    int
	SidePanelCloseCount   int
	SidePanelOpenMs       int64
}

type ChatThread struct {
	ID            string
	ExternalID    string
	TaskSessionID string
	ParticipantID string
	TaskNumber    int
	Status        string
	CloseReason   string
	RestartIndex  int
	CreatedAt     time.Time
	ClosedAt      *time.Time
}

type ChatMessage struct {
	ID                string
	ThreadID          string
	ThreadExternalID  string
	ParticipantID     string
	ExternalMessageID string
	Sequence          int
	Role              string
	Content           string
	ToolMetadata      json.RawMessage
	CreatedAt         time.Time
}

// NewThread is the input of a single ensure-thread attempt.
type NewThread struct {
	ExternalID    string
	ParticipantID string
	TaskNumber    int
	Now           time.Time
}

// NewMessage is the input of a single append attempt.
type NewMessage struct {
	ThreadID          string
	ExternalMessageID string
	Role              string
	Content           string
	ToolMetadata      json.RawMessage
	Now               time.Time
}

// SidePanelSpan is one open/close interval of the auxiliary panel.
// A nil ClosedAt means the panel was left open.
type SidePanelSpan struct {
	ID            string
	TaskSessionID string
	OpenedAt      time.Time
	ClosedAt      *time.Time
}

type SurveyInstance struct {
	ID            string
	ParticipantID string
	Phase         string
	StartedAt     time.Time
	SubmittedAt   *time.Time
}

type SurveyAnswer struct {
	QuestionKey string
	Value       string
}

// ReconcileResult reports what one abandonment reconciliation changed.
type ReconcileResult struct {
	ClosedThreads  int
	CappedSessions int
	SessionIDs     []string
}

// AbandonmentCandidate is a participant whose active threads outlived their
// last recorded activity.
type AbandonmentCandidate struct {
	ParticipantID string
	LastActiveAt  time.Time
}

type StatusCount struct {
	Status string
	Count  int
}
