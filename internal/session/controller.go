// Package session is the Session Controller: the ONGOING -> FINISHED state
// machine that drives one adaptive test instance through start and answer,
// composing the catalogue, ability store, rule evaluator, and item selector
// inside a single transaction per call so rule and ability reads stay fresh
// with the writes they gate.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	gobreaker "github.com/sony/gobreaker/v2"
	"gonum.org/v1/gonum/stat"

	"cat-engine/internal/ability"
	"cat-engine/internal/apperr"
	"cat-engine/internal/cache"
	"cat-engine/internal/catalogue"
	"cat-engine/internal/events"
	"cat-engine/internal/irt"
	"cat-engine/internal/logger"
	"cat-engine/internal/metrics"
	"cat-engine/internal/models"
	"cat-engine/internal/repository"
	"cat-engine/internal/rules"
	"cat-engine/internal/selector"
)

// stopSEThreshold is the mean-SE-across-touched-topics bound below which a
// session stops even if target_items hasn't been reached.
const stopSEThreshold = 0.30

// StartResult is StartCAT's success shape.
type StartResult struct {
	SessionID       uuid.UUID
	AbilityVector   map[uuid.UUID]float64
	FirstItem       *models.Item
	TargetItems     int
	CurrentPosition int
	Stop            bool
}

// AnswerResult is AnswerCAT's success shape.
type AnswerResult struct {
	IsCorrect       bool
	AbilityVector   map[uuid.UUID]float64
	NextItem        *models.Item
	Stop            bool
	CurrentPosition int
	TargetItems     int
}

// Controller wires the read-side ports and the persistence adapter into
// start/answer. It holds a pool (for reads outside a call's own
// transaction, e.g. fetching the served item's full record after commit)
// and builds transaction-scoped catalogue/ability/rules/selector instances
// for every read inside start() and answer() so those reads see the same
// snapshot their writes commit against.
type Controller struct {
	pool       *pgxpool.Pool
	repo       repository.SessionRepository
	cache      cache.Interface
	abilityTTL time.Duration
	publisher  events.Publisher
	log        *logger.Logger
	priorVar   float64
	seed       *int64
	breaker    *gobreaker.CircuitBreaker[any]

	// newCatalogue/newAbilityStore/newRulesEvaluator build the
	// transaction-scoped read ports for one start/answer call. New/
	// NewWithSeed wire these to the real pgx-backed constructors; tests
	// substitute fakes that ignore the Tx argument, which is what makes
	// the controller testable without a database.
	newCatalogue      func(repository.Tx) catalogue.View
	newAbilityStore   func(repository.Tx) ability.Store
	newRulesEvaluator func(repository.Tx, catalogue.View) ruleEvaluator

	// newPoolCatalogue builds the pool-backed (non-transactional) catalogue
	// view StartCAT uses to validate the locked topic and re-read the
	// served item after commit.
	newPoolCatalogue func() catalogue.View
}

// ruleEvaluator is the subset of *rules.Evaluator the controller calls.
// *rules.Evaluator satisfies it with no changes; it exists so tests can
// substitute a rule evaluator that doesn't read from a database.
type ruleEvaluator interface {
	Evaluate(ctx context.Context, learnerID, subjectID uuid.UUID, abilityVector map[uuid.UUID]float64) (rules.SelectionContext, error)
}

func New(pool *pgxpool.Pool, repo repository.SessionRepository, cacheClient cache.Interface, abilityTTL, ruleCacheTTL time.Duration, publisher events.Publisher, log *logger.Logger, priorVar float64) *Controller {
	c := &Controller{
		pool: pool, repo: repo, cache: cacheClient, abilityTTL: abilityTTL,
		publisher: publisher, log: log, priorVar: priorVar,
		breaker: newStorageBreaker(log),
	}
	c.newCatalogue = func(tx repository.Tx) catalogue.View { return catalogue.New(tx) }
	c.newAbilityStore = func(tx repository.Tx) ability.Store { return ability.New(tx, cacheClient, abilityTTL) }
	c.newRulesEvaluator = func(tx repository.Tx, cat catalogue.View) ruleEvaluator {
		return rules.NewCached(tx, cat, log, cacheClient, ruleCacheTTL)
	}
	c.newPoolCatalogue = func() catalogue.View { return catalogue.New(pool) }
	return c
}

// NewWithSeed builds a Controller whose item selector uses a deterministic
// tie-break source, for tests that need reproducible ties (spec scenario
// S4).
func NewWithSeed(pool *pgxpool.Pool, repo repository.SessionRepository, cacheClient cache.Interface, abilityTTL, ruleCacheTTL time.Duration, publisher events.Publisher, log *logger.Logger, priorVar float64, seed int64) *Controller {
	c := New(pool, repo, cacheClient, abilityTTL, ruleCacheTTL, publisher, log, priorVar)
	c.seed = &seed
	return c
}

func (c *Controller) newSelector(cat catalogue.View) *selector.Selector {
	if c.seed != nil {
		return selector.NewWithSeed(cat, *c.seed)
	}
	return selector.New(cat)
}

// StartCAT validates the request, opens a session, selects the first item
// under the same transaction that creates the session row, and commits.
// Storage failures during the transaction are retried once before
// surfacing as InternalError.
func (c *Controller) StartCAT(ctx context.Context, learnerID, subjectID uuid.UUID, targetItems int, topicID *uuid.UUID) (*StartResult, error) {
	if targetItems < 3 {
		return nil, apperr.New(apperr.KindBadRequest, "target_items must be >= 3")
	}

	poolCat := c.newPoolCatalogue()
	if topicID != nil {
		ok, err := poolCat.TopicInSubject(ctx, subjectID, *topicID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.New(apperr.KindTopicNotInSubject, "locked topic does not belong to subject")
		}
	}

	res, err := c.callTransient(func() (any, error) {
		return c.startTx(ctx, poolCat, learnerID, subjectID, targetItems, topicID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*StartResult), nil
}

func (c *Controller) startTx(ctx context.Context, poolCat catalogue.View, learnerID, subjectID uuid.UUID, targetItems int, topicID *uuid.UUID) (*StartResult, error) {
	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	s := &models.Session{
		ID:            uuid.New(),
		LearnerID:     learnerID,
		SubjectID:     subjectID,
		LockedTopicID: topicID,
		Mode:          models.ModeCAT,
		TargetItems:   targetItems,
		Status:        models.StatusOngoing,
		StartedAt:     now,
	}
	if err := c.repo.CreateSession(ctx, tx, s); err != nil {
		return nil, err
	}

	cat := c.newCatalogue(tx)
	ab := c.newAbilityStore(tx)
	rv := c.newRulesEvaluator(tx, cat)
	sel := c.newSelector(cat)

	vector, err := ab.GetVector(ctx, learnerID, subjectID)
	if err != nil {
		return nil, err
	}
	thetas := ability.Thetas(vector)
	avgTheta := ability.AvgTheta(vector)

	sc, err := rv.Evaluate(ctx, learnerID, subjectID, thetas)
	if err != nil {
		return nil, err
	}

	res, err := sel.Select(ctx, subjectID, topicID, thetas, avgTheta, nil, 1, sc)
	if err != nil {
		return nil, err
	}

	if err := c.repo.CreateServedItem(ctx, tx, models.ServedItem{
		SessionID: s.ID,
		ItemID:    res.ItemID,
		Position:  1,
		ServedAt:  now,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "commit start transaction", err)
	}

	item, err := poolCat.ItemByID(ctx, res.ItemID)
	if err != nil {
		return nil, err
	}

	metrics.IncrementSessionsStarted()
	c.publishBestEffort(ctx, func() error {
		if err := c.publisher.PublishSessionStarted(ctx, s.ID.String(), learnerID.String(), subjectID.String(), string(models.ModeCAT)); err != nil {
			return err
		}
		return c.publisher.PublishItemServed(ctx, s.ID.String(), learnerID.String(), res.ItemID.String(), 1, avgTheta)
	})

	return &StartResult{
		SessionID:       s.ID,
		AbilityVector:   thetas,
		FirstItem:       item,
		TargetItems:     targetItems,
		CurrentPosition: 1,
		Stop:            false,
	}, nil
}

// AnswerCAT locks the session row, records the response, updates the
// ability estimate for every topic the item is tagged with, decides
// whether the session stops, and selects the next item if not, all inside
// one transaction. Storage failures are retried once before surfacing as
// InternalError.
func (c *Controller) AnswerCAT(ctx context.Context, sessionID, itemID, optionID uuid.UUID, latencyMs *int) (*AnswerResult, error) {
	res, err := c.callTransient(func() (any, error) {
		return c.answerTx(ctx, sessionID, itemID, optionID, latencyMs)
	})
	if err != nil {
		return nil, err
	}
	return res.(*AnswerResult), nil
}

func (c *Controller) answerTx(ctx context.Context, sessionID, itemID, optionID uuid.UUID, latencyMs *int) (*AnswerResult, error) {
	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	s, err := c.repo.LockSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusOngoing {
		return nil, apperr.SessionNotOngoing
	}

	served, err := c.repo.ServedItems(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	var servedPosition int
	for _, si := range served {
		if si.ItemID == itemID {
			servedPosition = si.Position
			break
		}
	}
	if servedPosition == 0 {
		return nil, apperr.ItemNotServed
	}

	cat := c.newCatalogue(tx)
	ab := c.newAbilityStore(tx)
	rv := c.newRulesEvaluator(tx, cat)
	sel := c.newSelector(cat)

	option, err := cat.OptionOf(ctx, itemID, optionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	resp := models.Response{
		SessionID:  sessionID,
		ItemID:     itemID,
		OptionID:   optionID,
		IsCorrect:  option.IsCorrect,
		LatencyMs:  latencyMs,
		AnsweredAt: now,
	}
	if err := c.repo.CreateResponse(ctx, tx, resp); err != nil {
		return nil, err
	}

	topicIDs, err := cat.TopicIDsOfItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	y := 0
	if option.IsCorrect {
		y = 1
	}

	touchedSE := make([]float64, 0, len(topicIDs))
	for _, topicID := range topicIDs {
		se, err := c.updateTopicAbility(ctx, cat, ab, tx, s.LearnerID, topicID, itemID, y)
		if err != nil {
			return nil, err
		}
		touchedSE = append(touchedSE, se)
		metrics.IncrementThetaUpdates()
	}

	vector, err := ab.GetVector(ctx, s.LearnerID, s.SubjectID)
	if err != nil {
		return nil, err
	}
	thetas := ability.Thetas(vector)
	avgTheta := ability.AvgTheta(vector)

	respCount, err := c.repo.ResponseCount(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}

	stop := respCount >= s.TargetItems
	if !stop && len(touchedSE) > 0 {
		stop = meanOf(touchedSE) < stopSEThreshold
	}

	// The next item takes the position after every item already served,
	// keeping positions contiguous even if an earlier item is answered.
	nextPosition := len(served) + 1
	var nextItem *models.Item
	var reason string
	if !stop {
		sc, err := rv.Evaluate(ctx, s.LearnerID, s.SubjectID, thetas)
		if err != nil {
			return nil, err
		}
		excluded := make([]uuid.UUID, 0, len(served)+1)
		for _, si := range served {
			excluded = append(excluded, si.ItemID)
		}
		res, err := sel.Select(ctx, s.SubjectID, s.LockedTopicID, thetas, avgTheta, excluded, nextPosition, sc)
		if err != nil {
			if apperr.IsKind(err, apperr.KindNoEligibleItem) {
				stop = true
				reason = "exhausted"
			} else {
				return nil, err
			}
		} else {
			if err := c.repo.CreateServedItem(ctx, tx, models.ServedItem{
				SessionID: sessionID,
				ItemID:    res.ItemID,
				Position:  nextPosition,
				ServedAt:  now,
			}); err != nil {
				return nil, err
			}
			next, err := cat.ItemByID(ctx, res.ItemID)
			if err != nil {
				return nil, err
			}
			nextItem = next
		}
	} else {
		reason = "target_reached"
		if len(touchedSE) > 0 && meanOf(touchedSE) < stopSEThreshold {
			reason = "se_converged"
		}
	}

	if stop {
		if err := c.repo.FinishSession(ctx, tx, sessionID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "commit answer transaction", err)
	}

	c.publishBestEffort(ctx, func() error {
		for _, topicID := range topicIDs {
			p := vector[topicID]
			if err := c.publisher.PublishResponseScored(ctx, sessionID.String(), s.LearnerID.String(), itemID.String(), topicID.String(), option.IsCorrect, p.Theta, p.SE); err != nil {
				return err
			}
		}
		if nextItem != nil {
			if err := c.publisher.PublishItemServed(ctx, sessionID.String(), s.LearnerID.String(), nextItem.ID.String(), nextPosition, avgTheta); err != nil {
				return err
			}
		}
		if stop {
			metrics.IncrementSessionsFinished(reason)
			return c.publisher.PublishSessionFinished(ctx, sessionID.String(), s.LearnerID.String(), reason, respCount, avgTheta, meanOf(touchedSE))
		}
		return nil
	})

	currentPosition := servedPosition
	return &AnswerResult{
		IsCorrect:       option.IsCorrect,
		AbilityVector:   thetas,
		NextItem:        nextItem,
		Stop:            stop,
		CurrentPosition: currentPosition,
		TargetItems:     s.TargetItems,
	}, nil
}

// updateTopicAbility loads the current AbilityPoint for (learnerID,
// topicID), runs a single-response Newton-Raphson update rooted at that
// prior, and persists it. This is the online EAP-style approximation
// described for the ability update: each answer call updates theta from
// the single response just received, not a batch refit over history.
// Items whose IRT calibration is incomplete leave the AbilityPoint
// untouched; the topic's current SE is still returned and counted toward
// the stop rule's touched-topic SE.
func (c *Controller) updateTopicAbility(ctx context.Context, cat catalogue.View, ab ability.Store, tx repository.Tx, learnerID, topicID, itemID uuid.UUID, y int) (float64, error) {
	params, err := cat.IRTOf(ctx, itemID)
	if err != nil {
		return 0, err
	}
	if !params.Complete() {
		point, err := ab.GetOrInit(ctx, learnerID, topicID)
		if err != nil {
			return 0, err
		}
		return point.SE, nil
	}

	point, err := ab.GetOrInit(ctx, learnerID, topicID)
	if err != nil {
		return 0, err
	}

	a, b, cc := params.Params()
	responses := []irt.Response{{Params: irt.ItemParams{A: a, B: b, C: cc, Valid: true}, Y: y}}
	newTheta, newSE := irt.UpdateTheta(point.Theta, responses, c.priorVar)

	point.Theta = newTheta
	point.SE = newSE
	point.UpdatedAt = time.Now()
	if err := ab.PutTx(ctx, tx, point); err != nil {
		return 0, err
	}
	return newSE, nil
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

func (c *Controller) publishBestEffort(ctx context.Context, fn func() error) {
	if err := fn(); err != nil {
		c.log.WithContext(ctx).WithError(err).Warn("failed to publish session event")
	}
}
