package models

import (
	"time"

	"github.com/google/uuid"
)

// Mode distinguishes the CAT core (handled by this module) from the fixed,
// non-adaptive quiz mode, which remains an external collaborator.
type Mode string

const (
	ModeCAT   Mode = "CAT"
	ModeFixed Mode = "FIXED"
)

// Status is the two-state Session lifecycle: ONGOING -> FINISHED, terminal.
type Status string

const (
	StatusOngoing  Status = "ONGOING"
	StatusFinished Status = "FINISHED"
)

// Session is one adaptive test instance for one learner in one subject,
// optionally locked to a single topic.
type Session struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	LearnerID     uuid.UUID  `json:"learner_id" db:"learner_id"`
	SubjectID     uuid.UUID  `json:"subject_id" db:"subject_id"`
	LockedTopicID *uuid.UUID `json:"locked_topic_id,omitempty" db:"locked_topic_id"`
	Mode          Mode       `json:"mode" db:"mode"`
	TargetItems   int        `json:"target_items" db:"target_items"`
	Status        Status     `json:"status" db:"status"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// ServedItem records that an Item occupied a given position in a Session.
// Positions are 1..k, contiguous, strictly increasing in ServedAt.
type ServedItem struct {
	SessionID uuid.UUID `json:"session_id" db:"session_id"`
	ItemID    uuid.UUID `json:"item_id" db:"item_id"`
	Position  int       `json:"position" db:"position"`
	ServedAt  time.Time `json:"served_at" db:"served_at"`
}

// Response records a learner's answer to one served item.
type Response struct {
	SessionID  uuid.UUID `json:"session_id" db:"session_id"`
	ItemID     uuid.UUID `json:"item_id" db:"item_id"`
	OptionID   uuid.UUID `json:"option_id" db:"option_id"`
	IsCorrect  bool      `json:"is_correct" db:"is_correct"`
	LatencyMs  *int      `json:"latency_ms,omitempty" db:"latency_ms"`
	AnsweredAt time.Time `json:"answered_at" db:"answered_at"`
}
