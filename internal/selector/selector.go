// Package selector is the Item Selector: it scores catalogue candidates by
// Fisher information times rule-derived topic boost, applies the
// difficulty-range and block-list constraints from a SelectionContext, and
// falls back through two relaxed stages when nothing clears the primary
// bar, following the same info*boost scoring and tie-break-by-random-choice
// shape the rule evaluator's reference selection routine uses.
package selector

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"cat-engine/internal/apperr"
	"cat-engine/internal/catalogue"
	"cat-engine/internal/irt"
	"cat-engine/internal/metrics"
	"cat-engine/internal/rules"
)

// scoreEpsilon is the tolerance within which two candidate scores are
// considered tied, matching the reference implementation's 1e-9.
const scoreEpsilon = 1e-9

// Stage records which fallback stage produced a SelectionResult.
type Stage string

const (
	StagePrimary   Stage = "primary"
	StageIgnoreIRT Stage = "ignore_irt"
	StageRandom    Stage = "random"
)

// SelectionResult is the chosen item plus the scoring breakdown, kept for
// diagnostics and for the event published when an item is served.
type SelectionResult struct {
	ItemID uuid.UUID
	Info   float64
	Boost  float64
	Score  float64
	Stage  Stage
}

// Selector picks the next item to serve in a session.
type Selector struct {
	catalogue catalogue.View
	rng       *rand.Rand
}

func New(cat catalogue.View) *Selector {
	return &Selector{catalogue: cat, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewWithSeed builds a Selector with a deterministic tie-break source, for
// tests that need reproducible ties.
func NewWithSeed(cat catalogue.View, seed int64) *Selector {
	return &Selector{catalogue: cat, rng: rand.New(rand.NewSource(seed))}
}

// Select runs the scoring + fallback chain. abilityVector is the learner's
// current per-topic theta; avgTheta is its mean (0.0 if the vector is
// empty), used to score items with no tagged topic in the vector.
// excludeItemIDs is the set of items already served in this session;
// positionInSession is the 1-based position the next served item would
// occupy, used to gate a lte_position-scoped difficulty range.
func (s *Selector) Select(
	ctx context.Context,
	subjectID uuid.UUID,
	topicID *uuid.UUID,
	abilityVector map[uuid.UUID]float64,
	avgTheta float64,
	excludeItemIDs []uuid.UUID,
	positionInSession int,
	sc rules.SelectionContext,
) (SelectionResult, error) {
	candidates, err := s.catalogue.CandidateItems(ctx, subjectID, topicID, excludeItemIDs)
	if err != nil {
		return SelectionResult{}, err
	}

	applyRange := rangeApplies(sc.DifficultyRange, positionInSession)

	if res, ok := s.scorePrimary(candidates, abilityVector, avgTheta, sc, applyRange); ok {
		return res, nil
	}
	metrics.IncrementSelectionFallback(string(StageIgnoreIRT))

	if res, ok := s.scoreIgnoringIRT(candidates, sc, applyRange); ok {
		return res, nil
	}
	metrics.IncrementSelectionFallback(string(StageRandom))

	item, err := s.catalogue.RandomCandidate(ctx, subjectID, topicID, excludeItemIDs)
	if err != nil {
		return SelectionResult{}, err
	}
	if item != nil {
		return SelectionResult{ItemID: item.ID, Stage: StageRandom}, nil
	}

	return SelectionResult{}, apperr.New(apperr.KindNoEligibleItem, "no eligible item for session")
}

// scorePrimary scores every candidate with complete IRT parameters by
// Fisher information times topic boost, filtered by block list and
// difficulty range, keeping information-positive items only.
func (s *Selector) scorePrimary(candidates []catalogue.Candidate, abilityVector map[uuid.UUID]float64, avgTheta float64, sc rules.SelectionContext, applyRange bool) (SelectionResult, bool) {
	var best []scored
	bestScore := -1.0

	for _, c := range candidates {
		if sc.BlockItemIDs[c.Item.ID] {
			continue
		}
		if !c.IRT.Complete() {
			continue
		}
		a, b, cc := c.IRT.Params()
		if applyRange && !inRange(b, sc.DifficultyRange) {
			continue
		}

		theta := itemTheta(c.TopicIDs, abilityVector, avgTheta)
		info := irt.FisherInformation(theta, irt.ItemParams{A: a, B: b, C: cc, Valid: true})
		if info <= 0 {
			continue
		}

		boost := topicBoost(c.TopicIDs, sc.TopicBoost)
		score := info * boost

		if score > bestScore+scoreEpsilon {
			bestScore = score
			best = []scored{{c.Item.ID, info, boost, score}}
		} else if math.Abs(score-bestScore) <= scoreEpsilon {
			best = append(best, scored{c.Item.ID, info, boost, score})
		}
	}

	if len(best) == 0 {
		return SelectionResult{}, false
	}
	pick := best[s.rng.Intn(len(best))]
	return SelectionResult{ItemID: pick.itemID, Info: pick.info, Boost: pick.boost, Score: pick.score, Stage: StagePrimary}, true
}

// scoreIgnoringIRT relaxes the primary stage by admitting items with no
// (or incomplete) calibration, scoring every candidate on topic boost alone;
// calibrated items outside an active difficulty range are still skipped — the selector's first fallback, used when nothing
// calibrated clears the primary bar.
func (s *Selector) scoreIgnoringIRT(candidates []catalogue.Candidate, sc rules.SelectionContext, applyRange bool) (SelectionResult, bool) {
	var best []scored
	bestScore := -1.0

	for _, c := range candidates {
		if sc.BlockItemIDs[c.Item.ID] {
			continue
		}
		if applyRange && c.IRT.Complete() {
			_, b, _ := c.IRT.Params()
			if !inRange(b, sc.DifficultyRange) {
				continue
			}
		}

		boost := topicBoost(c.TopicIDs, sc.TopicBoost)
		score := boost

		if score > bestScore+scoreEpsilon {
			bestScore = score
			best = []scored{{c.Item.ID, 0, boost, score}}
		} else if math.Abs(score-bestScore) <= scoreEpsilon {
			best = append(best, scored{c.Item.ID, 0, boost, score})
		}
	}

	if len(best) == 0 {
		return SelectionResult{}, false
	}
	pick := best[s.rng.Intn(len(best))]
	return SelectionResult{ItemID: pick.itemID, Info: pick.info, Boost: pick.boost, Score: pick.score, Stage: StageIgnoreIRT}, true
}

type scored struct {
	itemID uuid.UUID
	info   float64
	boost  float64
	score  float64
}

// itemTheta is the ability an item is scored against: the mean of the
// learner's ability vector over the item's tagged topics, falling back to
// avgTheta when the item has no tags or none of its topics are in the
// vector.
func itemTheta(topicIDs []uuid.UUID, abilityVector map[uuid.UUID]float64, avgTheta float64) float64 {
	sum, n := 0.0, 0
	for _, t := range topicIDs {
		if theta, ok := abilityVector[t]; ok {
			sum += theta
			n++
		}
	}
	if n == 0 {
		return avgTheta
	}
	return sum / float64(n)
}

func topicBoost(topicIDs []uuid.UUID, boosts map[uuid.UUID]float64) float64 {
	boost := 1.0
	for _, t := range topicIDs {
		if w, ok := boosts[t]; ok {
			boost *= w
		}
	}
	return boost
}

func rangeApplies(dr *rules.DifficultyRange, positionInSession int) bool {
	if dr == nil {
		return false
	}
	if dr.LtePosition == nil {
		return true
	}
	return positionInSession <= *dr.LtePosition
}

func inRange(b float64, dr *rules.DifficultyRange) bool {
	if dr == nil {
		return true
	}
	if dr.BMin != nil && b < *dr.BMin {
		return false
	}
	if dr.BMax != nil && b > *dr.BMax {
		return false
	}
	return true
}
