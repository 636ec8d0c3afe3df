package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Rule is persisted with opaque condition/action JSON; internal/rules
// decodes condition_json/action_json into the tagged-union ConditionKind
// and ActionKind declared there. This package only carries the storage
// shape, matching how the teacher's repositories keep the wire-format
// model free of business logic.
type Rule struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	ConditionJSON json.RawMessage `json:"condition_json" db:"condition_json"`
	ActionJSON    json.RawMessage `json:"action_json" db:"action_json"`
	Active        bool            `json:"active" db:"active"`
}
