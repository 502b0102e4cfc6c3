package model

import (
	"encoding/json"
	"time"
)

type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "DRAFT"
	WorkflowActive   WorkflowStatus = "ACTIVE"
	WorkflowPaused   WorkflowStatus = "PAUSED"
	WorkflowArchived WorkflowStatus = "ARCHIVED"
)

type StepType string

const (
	StepSend   StepType = "SEND"
	StepDelay  StepType = "DELAY"
	StepFilter StepType = "FILTER"
	StepDigest StepType = "DIGEST"
	StepBranch StepType = "BRANCH"
)

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether no further step may run.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

type Workflow struct {
	ID        string         `json:"id"`
	AppID     string         `json:"appId"`
	Name      string         `json:"name"`
	TriggerID string         `json:"triggerId"`
	Status    WorkflowStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// WorkflowStep config is decoded per step type by the engine.
type WorkflowStep struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Order      int             `json:"order"`
	Type       StepType        `json:"type"`
	Config     json.RawMessage `json:"config"`
}

type WorkflowExecution struct {
	ID               string          `json:"id"`
	WorkflowID       string          `json:"workflowId"`
	AppID            string          `json:"appId"`
	ContactID        string          `json:"contactId,omitempty"`
	Status           ExecutionStatus `json:"status"`
	CurrentStepOrder int             `json:"currentStepOrder"`
	Payload          map[string]any  `json:"payload"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	StartedAt        time.Time       `json:"startedAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Hook is an outcome webhook registration. An empty Events list subscribes
// to every event.
type Hook struct {
	ID        string    `json:"id"`
	AppID     string    `json:"appId"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// Subscribes reports whether the hook wants the given event.
func (h *Hook) Subscribes(event string) bool {
	if len(h.Events) == 0 {
		return true
	}
	for _, e := range h.Events {
		if e == event {
			return true
		}
	}
	return false
}
