// Package rules is the Rule Evaluator: it folds a learner's recent response
// history into per-topic mastery, walks the active Rule set, and produces
// the SelectionContext the Item Selector scores candidates against.
// Condition and action JSON are decoded as a tagged union: a (condition
// type, action type) pair either matches one of the five known rule
// shapes or is treated as a no-op, logged once per unrecognized pair.
package rules

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"cat-engine/internal/apperr"
	"cat-engine/internal/cache"
	"cat-engine/internal/catalogue"
	"cat-engine/internal/logger"
	"cat-engine/internal/models"
	"cat-engine/internal/repository"
)

// activeRuleSetKey is the single cache entry holding every active rule.
// Rules are a small, whole-table read, so one key covers the full set
// rather than one entry per rule.
const activeRuleSetKey = "rules:active_set"

// ConditionKind enumerates the condition.type tag recognized in
// condition_json; any other value is NoOp.
type ConditionKind string

const (
	ConditionMasteryBelow     ConditionKind = "topic_mastery_below"
	ConditionThetaBelow       ConditionKind = "topic_theta_below"
	ConditionSessionStage     ConditionKind = "session_stage"
	ConditionExposureCooldown ConditionKind = "exposure_cooldown"
	ConditionBlockTopic       ConditionKind = "block_topic"
	ConditionNoOp             ConditionKind = ""
)

// ActionKind enumerates the action.type tag recognized in action_json.
type ActionKind string

const (
	ActionBoostTopicProbability ActionKind = "boost_topic_probability"
	ActionSetDifficultyRange    ActionKind = "set_difficulty_range"
	ActionBlockItems            ActionKind = "block_items"
	ActionNoOp                  ActionKind = ""
)

// rawCondition/rawAction hold every field any condition/action type might
// carry; only the fields relevant to the decoded Type are read.
type rawCondition struct {
	Type        string     `json:"type"`
	TopicID     *uuid.UUID `json:"topic_id"`
	Threshold   *float64   `json:"threshold"`
	LtePosition *int       `json:"lte_position"`
	Days        *int       `json:"days"`
}

type rawAction struct {
	Type   string   `json:"type"`
	Weight *float64 `json:"weight"`
	BMin   *float64 `json:"b_min"`
	BMax   *float64 `json:"b_max"`
}

// DifficultyRange narrows candidate items to b in [BMin, BMax] (either
// bound optional), gated by LtePosition: when set, the range only applies
// while the session's next position is <= LtePosition.
type DifficultyRange struct {
	BMin, BMax  *float64
	LtePosition *int
}

// SelectionContext is the output of Evaluate, consumed by internal/selector.
type SelectionContext struct {
	TopicBoost      map[uuid.UUID]float64
	DifficultyRange *DifficultyRange
	BlockItemIDs    map[uuid.UUID]bool
}

func newContext() SelectionContext {
	return SelectionContext{
		TopicBoost:   make(map[uuid.UUID]float64),
		BlockItemIDs: make(map[uuid.UUID]bool),
	}
}

// masteryLookback and masteryPerTopic bound the response history folded
// into topic mastery: the 200 most recent responses in the subject, capped
// at the 20 most recent per topic.
const (
	masteryLookback = 200
	masteryPerTopic = 20
)

// Evaluator computes SelectionContext from persisted rules and response
// history. The active rule set is read through cache (when set) with
// ttl, matching the teacher's cache-then-db pattern in
// internal/ability; a cache miss or nil cache falls through to Postgres.
type Evaluator struct {
	db        repository.Querier
	catalogue catalogue.View
	log       *logger.Logger
	cache     cache.Interface
	ttl       time.Duration

	warnOnce sync.Map // condition+action pair -> *sync.Once
}

func New(db repository.Querier, cat catalogue.View, log *logger.Logger) *Evaluator {
	return &Evaluator{db: db, catalogue: cat, log: log}
}

// NewCached is New plus an active-rule-set cache. c may be nil, in which
// case Evaluate always reads the rules table directly.
func NewCached(db repository.Querier, cat catalogue.View, log *logger.Logger, c cache.Interface, ttl time.Duration) *Evaluator {
	return &Evaluator{db: db, catalogue: cat, log: log, cache: c, ttl: ttl}
}

// Evaluate builds the SelectionContext for one (learner, subject) pair.
// abilityVector is the learner's current per-topic theta, used by
// topic_theta_below rules.
func (e *Evaluator) Evaluate(ctx context.Context, learnerID, subjectID uuid.UUID, abilityVector map[uuid.UUID]float64) (SelectionContext, error) {
	sc := newContext()

	mastery, err := e.topicMastery(ctx, learnerID, subjectID)
	if err != nil {
		return sc, err
	}

	active, err := e.activeRules(ctx)
	if err != nil {
		return sc, err
	}

	for _, r := range active {
		var cond rawCondition
		var act rawAction
		if err := json.Unmarshal(r.ConditionJSON, &cond); err != nil {
			e.log.WithContext(ctx).WithField("rule_id", r.ID).Warn("rule has malformed condition_json, skipping")
			continue
		}
		if err := json.Unmarshal(r.ActionJSON, &act); err != nil {
			e.log.WithContext(ctx).WithField("rule_id", r.ID).Warn("rule has malformed action_json, skipping")
			continue
		}

		switch {
		case cond.Type == string(ConditionMasteryBelow) && act.Type == string(ActionBoostTopicProbability):
			applyBelowThresholdBoost(sc, cond, act, mastery, 0.5, 1.2)

		case cond.Type == string(ConditionThetaBelow) && act.Type == string(ActionBoostTopicProbability):
			applyBelowThresholdBoost(sc, cond, act, abilityVector, 0.0, 1.5)

		case cond.Type == string(ConditionSessionStage) && act.Type == string(ActionSetDifficultyRange):
			applyDifficultyRange(sc, cond, act)

		case cond.Type == string(ConditionExposureCooldown) && act.Type == string(ActionBlockItems):
			if err := e.applyExposureCooldown(ctx, sc, learnerID, subjectID, cond); err != nil {
				return sc, err
			}

		case cond.Type == string(ConditionBlockTopic) && act.Type == string(ActionBlockItems):
			if err := e.applyBlockTopic(ctx, sc, cond); err != nil {
				return sc, err
			}

		default:
			e.warnUnknown(ctx, cond.Type, act.Type)
		}
	}

	return sc, nil
}

// activeRules returns the active rule set, preferring cache when one is
// configured. A cache miss or decode error is not fatal: it falls
// through to Postgres and repopulates the cache best-effort.
func (e *Evaluator) activeRules(ctx context.Context) ([]models.Rule, error) {
	if e.cache != nil {
		var cached []models.Rule
		if err := e.cache.Get(ctx, activeRuleSetKey, &cached); err == nil {
			return cached, nil
		}
	}

	active, err := e.loadActiveRulesFromDB(ctx)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, activeRuleSetKey, active, e.ttl); err != nil {
			e.log.WithContext(ctx).WithError(err).Warn("failed to populate rule cache")
		}
	}
	return active, nil
}

// RefreshCache re-reads the active rule set from Postgres and writes it
// to cache unconditionally, independent of any in-flight Evaluate call.
// A background goroutine calls this on a fixed interval so a request
// rarely pays for a cold cache.
func (e *Evaluator) RefreshCache(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	active, err := e.loadActiveRulesFromDB(ctx)
	if err != nil {
		return err
	}
	return e.cache.Set(ctx, activeRuleSetKey, active, e.ttl)
}

func (e *Evaluator) loadActiveRulesFromDB(ctx context.Context) ([]models.Rule, error) {
	rows, err := e.db.Query(ctx, `
		SELECT id, name, condition_json, action_json, active
		FROM rules WHERE active = true`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query active rules", err)
	}
	defer rows.Close()

	var active []models.Rule
	for rows.Next() {
		var r models.Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.ConditionJSON, &r.ActionJSON, &r.Active); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan rule", err)
		}
		active = append(active, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "iterate rules", err)
	}
	return active, nil
}

// applyBelowThresholdBoost implements both topic_mastery_below and
// topic_theta_below: a per-topic signal (mastery or ability) below a
// threshold boosts that topic's selection weight. A topic absent from the
// signal map is treated as below threshold, matching the reference
// behavior of prioritizing topics with no data yet.
func applyBelowThresholdBoost(sc SelectionContext, cond rawCondition, act rawAction, signal map[uuid.UUID]float64, defaultThreshold, defaultWeight float64) {
	if cond.TopicID == nil {
		return
	}
	threshold := defaultThreshold
	if cond.Threshold != nil {
		threshold = *cond.Threshold
	}
	weight := defaultWeight
	if act.Weight != nil {
		weight = *act.Weight
	}

	value, hasData := signal[*cond.TopicID]
	if !hasData || value < threshold {
		existing, ok := sc.TopicBoost[*cond.TopicID]
		if !ok {
			existing = 1.0
		}
		if weight > existing {
			existing = weight
		}
		sc.TopicBoost[*cond.TopicID] = existing
	}
}

// applyDifficultyRange merges a session_stage rule into sc.DifficultyRange.
// When multiple session_stage rules are active, the narrowest band wins
// (max of the b_min bounds, min of the b_max bounds) rather than an
// unspecified last-writer-wins order.
func applyDifficultyRange(sc SelectionContext, cond rawCondition, act rawAction) {
	lte := cond.LtePosition
	if lte == nil {
		five := 5
		lte = &five
	}

	if sc.DifficultyRange == nil {
		sc.DifficultyRange = &DifficultyRange{BMin: act.BMin, BMax: act.BMax, LtePosition: lte}
		return
	}

	merged := sc.DifficultyRange
	merged.BMin = tighterMin(merged.BMin, act.BMin)
	merged.BMax = tighterMax(merged.BMax, act.BMax)
	merged.LtePosition = widerLtePosition(merged.LtePosition, lte)
}

func tighterMin(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a > *b:
		return a
	default:
		return b
	}
}

func tighterMax(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a < *b:
		return a
	default:
		return b
	}
}

// widerLtePosition takes the max of two gating positions so the merged
// range stays active as long as any contributing rule would have it active.
func widerLtePosition(a, b *int) *int {
	switch {
	case a == nil || b == nil:
		return nil
	case *a > *b:
		return a
	default:
		return b
	}
}

func (e *Evaluator) applyExposureCooldown(ctx context.Context, sc SelectionContext, learnerID, subjectID uuid.UUID, cond rawCondition) error {
	days := 7
	if cond.Days != nil {
		days = *cond.Days
	}
	since := time.Now().Add(-time.Duration(days) * 24 * time.Hour)

	ids, err := e.catalogue.ItemIDsRespondedSince(ctx, learnerID, subjectID, since)
	if err != nil {
		return err
	}
	for _, id := range ids {
		sc.BlockItemIDs[id] = true
	}
	return nil
}

func (e *Evaluator) applyBlockTopic(ctx context.Context, sc SelectionContext, cond rawCondition) error {
	if cond.TopicID == nil {
		return nil
	}
	ids, err := e.catalogue.ItemIDsTaggedWithTopic(ctx, *cond.TopicID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		sc.BlockItemIDs[id] = true
	}
	return nil
}

func (e *Evaluator) warnUnknown(ctx context.Context, condType, actType string) {
	key := condType + "|" + actType
	once, _ := e.warnOnce.LoadOrStore(key, &sync.Once{})
	once.(*sync.Once).Do(func() {
		e.log.WithContext(ctx).WithField("condition_type", condType).WithField("action_type", actType).
			Warn("rule has an unrecognized condition/action pair, treating as no-op")
	})
}

// topicMastery computes, for every topic touched by the learner's most
// recent masteryLookback responses in subjectID, the fraction correct over
// at most the most recent masteryPerTopic of those responses.
func (e *Evaluator) topicMastery(ctx context.Context, learnerID, subjectID uuid.UUID) (map[uuid.UUID]float64, error) {
	recent, err := e.catalogue.RecentResponses(ctx, learnerID, subjectID, masteryLookback)
	if err != nil {
		return nil, err
	}

	history := make(map[uuid.UUID][]int)
	for _, r := range recent {
		y := 0
		if r.IsCorrect {
			y = 1
		}
		for _, topicID := range r.TopicIDs {
			if len(history[topicID]) >= masteryPerTopic {
				continue
			}
			history[topicID] = append(history[topicID], y)
		}
	}

	mastery := make(map[uuid.UUID]float64, len(history))
	for topicID, ys := range history {
		if len(ys) == 0 {
			continue
		}
		xs := make([]float64, len(ys))
		for i, y := range ys {
			xs[i] = float64(y)
		}
		mastery[topicID] = stat.Mean(xs, nil)
	}
	return mastery, nil
}
