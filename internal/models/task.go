package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle position of a translation task.
type TaskState string

const (
	TaskCreated    TaskState = "created"
	TaskReserved   TaskState = "reserved"
	TaskQueued     TaskState = "queued"
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskRefunded   TaskState = "refunded"
)

// Direction is a supported language pair.
type Direction string

const (
	EnToFr Direction = "en-fr"
	FrToEn Direction = "fr-en"
)

// Source returns the ISO 639-1 source language of the pair.
func (d Direction) Source() string {
	switch d {
	case EnToFr:
		return "en"
	case FrToEn:
		return "fr"
	}
	return ""
}

// Target returns the ISO 639-1 target language of the pair.
func (d Direction) Target() string {
	switch d {
	case EnToFr:
		return "fr"
	case FrToEn:
		return "en"
	}
	return ""
}

// Valid reports whether d is one of the supported pairs.
func (d Direction) Valid() bool {
	return d == EnToFr || d == FrToEn
}

// Submission modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

type Task struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	SourceText  string    `json:"source_text"`
	Direction   Direction `json:"direction"`
	State       TaskState `json:"state"`
	ResultText  *string   `json:"result_text,omitempty"`
	ErrorReason *string   `json:"error_reason,omitempty"`
	Price       int64     `json:"price"`
	ExternalID  *string   `json:"external_id,omitempty"`
	Mode        string    `json:"mode"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskTransition is one timestamped row of a task's state history.
type TaskTransition struct {
	TaskID    uuid.UUID `json:"task_id"`
	From      TaskState `json:"from"`
	To        TaskState `json:"to"`
	Event     string    `json:"event"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
