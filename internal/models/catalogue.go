package models

import (
	"time"

	"github.com/google/uuid"
)

// Subject is the root of the content hierarchy.
type Subject struct {
	ID   uuid.UUID `json:"id" db:"id"`
	Name string    `json:"name" db:"name"`
}

// Topic belongs to exactly one Subject. (SubjectID, Name) is unique.
type Topic struct {
	ID        uuid.UUID `json:"id" db:"id"`
	SubjectID uuid.UUID `json:"subject_id" db:"subject_id"`
	Name      string    `json:"name" db:"name"`
}

// DifficultyTag is the optional human-assigned difficulty label on an Item.
type DifficultyTag string

const (
	DifficultyEasy   DifficultyTag = "easy"
	DifficultyMedium DifficultyTag = "medium"
	DifficultyHard   DifficultyTag = "hard"
)

// Option is one labelled answer choice on an Item.
type Option struct {
	ID        uuid.UUID `json:"id" db:"id"`
	ItemID    uuid.UUID `json:"item_id" db:"item_id"`
	Label     string    `json:"label" db:"label"` // "A", "B", "C", ...
	Text      string    `json:"text" db:"text"`
	IsCorrect bool      `json:"is_correct" db:"is_correct"`
}

// Item is a single-correct multiple-choice question.
type Item struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	SubjectID      uuid.UUID      `json:"subject_id" db:"subject_id"`
	Stem           string         `json:"stem" db:"stem"`
	Difficulty     *DifficultyTag `json:"difficulty,omitempty" db:"difficulty"`
	AvgTimeHintSec *int           `json:"avg_time_hint_sec,omitempty" db:"avg_time_hint_sec"`
	Options        []Option       `json:"options" db:"-"`
}

// ItemIRT holds the calibrated 3PL parameters for an item. Any of A, B, C may
// be absent; an item with a missing parameter is not eligible for
// information-based selection (spec §3, ItemIRT).
type ItemIRT struct {
	ItemID uuid.UUID `json:"item_id" db:"item_id"`
	A      *float64  `json:"a,omitempty" db:"a"`
	B      *float64  `json:"b,omitempty" db:"b"`
	C      *float64  `json:"c,omitempty" db:"c"`
}

// Complete reports whether all three IRT parameters are present.
func (irt ItemIRT) Complete() bool {
	return irt.A != nil && irt.B != nil && irt.C != nil
}

// Params returns the (a, b, c) triple; callers must check Complete() first.
func (irt ItemIRT) Params() (a, b, c float64) {
	return *irt.A, *irt.B, *irt.C
}

// ItemTag is the many-to-many relation between Item and Topic.
type ItemTag struct {
	ItemID  uuid.UUID `json:"item_id" db:"item_id"`
	TopicID uuid.UUID `json:"topic_id" db:"topic_id"`
}

// AbilityPoint is the posterior ability estimate for one (learner, topic).
type AbilityPoint struct {
	LearnerID uuid.UUID `json:"learner_id" db:"learner_id"`
	TopicID   uuid.UUID `json:"topic_id" db:"topic_id"`
	Theta     float64   `json:"theta" db:"theta"`
	SE        float64   `json:"se" db:"se"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultTheta and DefaultSE are the prior used when an AbilityPoint does not
// yet exist for a (learner, topic) pair.
const (
	DefaultTheta = 0.0
	DefaultSE    = 1.0
	ThetaMin     = -4.0
	ThetaMax     = 4.0
)

// ClampTheta enforces the spec's θ ∈ [-4, 4] invariant.
func ClampTheta(theta float64) float64 {
	if theta < ThetaMin {
		return ThetaMin
	}
	if theta > ThetaMax {
		return ThetaMax
	}
	return theta
}
