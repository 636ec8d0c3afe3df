package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"cat-engine/internal/ability"
	"cat-engine/internal/apperr"
	"cat-engine/internal/catalogue"
	"cat-engine/internal/config"
	"cat-engine/internal/events"
	"cat-engine/internal/logger"
	"cat-engine/internal/models"
	"cat-engine/internal/repository"
	"cat-engine/internal/rules"
	"cat-engine/internal/session/storetest"
)

func testLogger() *logger.Logger {
	return logger.New(config.LoggingConfig{Level: "error", Format: "text"})
}

// newTestController wires a Controller whose transaction-scoped ports are
// fixed fakes regardless of the Tx they're handed, which is what lets the
// state machine run against storetest.Repository with no database.
func newTestController(repo repository.SessionRepository, cat catalogue.View, ab ability.Store, rv ruleEvaluator, priorVar float64, seed int64) *Controller {
	log := testLogger()
	c := &Controller{
		repo:      repo,
		publisher: events.NewNoOpEventPublisher(),
		log:       log,
		priorVar:  priorVar,
		seed:      &seed,
		breaker:   newStorageBreaker(log),
	}
	c.newCatalogue = func(repository.Tx) catalogue.View { return cat }
	c.newAbilityStore = func(repository.Tx) ability.Store { return ab }
	c.newRulesEvaluator = func(repository.Tx, catalogue.View) ruleEvaluator { return rv }
	c.newPoolCatalogue = func() catalogue.View { return cat }
	return c
}

func ptr(f float64) *float64 { return &f }

// fakeCatalogue is an in-memory catalogue.View over a fixed candidate set,
// filtering CandidateItems/RandomCandidate by topic membership the same way
// the fixed SQL does: the topic filter narrows which items match, but each
// matching item keeps its full tag set.
type fakeCatalogue struct {
	candidates []catalogue.Candidate
	options    map[uuid.UUID][]models.Option
}

func (f *fakeCatalogue) TopicsOf(context.Context, uuid.UUID) ([]models.Topic, error) { return nil, nil }

func (f *fakeCatalogue) TopicInSubject(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return true, nil
}

func (f *fakeCatalogue) CandidateItems(_ context.Context, _ uuid.UUID, topicID *uuid.UUID, excludeItemIDs []uuid.UUID) ([]catalogue.Candidate, error) {
	excluded := make(map[uuid.UUID]bool, len(excludeItemIDs))
	for _, id := range excludeItemIDs {
		excluded[id] = true
	}
	var out []catalogue.Candidate
	for _, c := range f.candidates {
		if excluded[c.Item.ID] {
			continue
		}
		if topicID != nil && !containsID(c.TopicIDs, *topicID) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeCatalogue) RandomCandidate(ctx context.Context, subjectID uuid.UUID, topicID *uuid.UUID, excludeItemIDs []uuid.UUID) (*models.Item, error) {
	cands, _ := f.CandidateItems(ctx, subjectID, topicID, excludeItemIDs)
	if len(cands) == 0 {
		return nil, nil
	}
	item := cands[0].Item
	return &item, nil
}

func (f *fakeCatalogue) ItemByID(_ context.Context, itemID uuid.UUID) (*models.Item, error) {
	for _, c := range f.candidates {
		if c.Item.ID == itemID {
			item := c.Item
			item.Options = f.options[itemID]
			return &item, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "item not found")
}

func (f *fakeCatalogue) OptionOf(_ context.Context, itemID, optionID uuid.UUID) (*models.Option, error) {
	for _, o := range f.options[itemID] {
		if o.ID == optionID {
			opt := o
			return &opt, nil
		}
	}
	return nil, apperr.New(apperr.KindOptionMismatch, "option does not belong to item")
}

func (f *fakeCatalogue) RecentResponses(context.Context, uuid.UUID, uuid.UUID, int) ([]catalogue.ResponseRecord, error) {
	return nil, nil
}

func (f *fakeCatalogue) ItemIDsRespondedSince(context.Context, uuid.UUID, uuid.UUID, time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeCatalogue) ItemIDsTaggedWithTopic(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeCatalogue) TopicIDsOfItem(_ context.Context, itemID uuid.UUID) ([]uuid.UUID, error) {
	for _, c := range f.candidates {
		if c.Item.ID == itemID {
			return c.TopicIDs, nil
		}
	}
	return nil, nil
}

func (f *fakeCatalogue) IRTOf(_ context.Context, itemID uuid.UUID) (models.ItemIRT, error) {
	for _, c := range f.candidates {
		if c.Item.ID == itemID {
			return c.IRT, nil
		}
	}
	return models.ItemIRT{}, nil
}

func containsID(topicIDs []uuid.UUID, topicID uuid.UUID) bool {
	for _, t := range topicIDs {
		if t == topicID {
			return true
		}
	}
	return false
}

// fakeAbility is an in-memory ability.Store keyed by (learner, topic).
type fakeAbility struct {
	points map[uuid.UUID]map[uuid.UUID]models.AbilityPoint
}

func newFakeAbility() *fakeAbility {
	return &fakeAbility{points: make(map[uuid.UUID]map[uuid.UUID]models.AbilityPoint)}
}

func (s *fakeAbility) GetOrInit(_ context.Context, learnerID, topicID uuid.UUID) (models.AbilityPoint, error) {
	if m, ok := s.points[learnerID]; ok {
		if p, ok := m[topicID]; ok {
			return p, nil
		}
	}
	return models.AbilityPoint{
		LearnerID: learnerID,
		TopicID:   topicID,
		Theta:     models.DefaultTheta,
		SE:        models.DefaultSE,
	}, nil
}

func (s *fakeAbility) GetVector(_ context.Context, learnerID, _ uuid.UUID) (map[uuid.UUID]models.AbilityPoint, error) {
	out := make(map[uuid.UUID]models.AbilityPoint)
	for t, p := range s.points[learnerID] {
		out[t] = p
	}
	return out, nil
}

func (s *fakeAbility) Put(_ context.Context, point models.AbilityPoint) error {
	s.put(point)
	return nil
}

func (s *fakeAbility) PutTx(_ context.Context, _ repository.Tx, point models.AbilityPoint) error {
	s.put(point)
	return nil
}

func (s *fakeAbility) put(point models.AbilityPoint) {
	m, ok := s.points[point.LearnerID]
	if !ok {
		m = make(map[uuid.UUID]models.AbilityPoint)
		s.points[point.LearnerID] = m
	}
	m[point.TopicID] = point
}

// noopRules never boosts, blocks, or ranges, isolating session-controller
// tests from rule-evaluation behavior covered by internal/rules' own tests.
type noopRules struct{}

func (noopRules) Evaluate(context.Context, uuid.UUID, uuid.UUID, map[uuid.UUID]float64) (rules.SelectionContext, error) {
	return rules.SelectionContext{TopicBoost: map[uuid.UUID]float64{}, BlockItemIDs: map[uuid.UUID]bool{}}, nil
}

func singleItemCandidate(subjectID, topicID uuid.UUID) (catalogue.Candidate, uuid.UUID, uuid.UUID) {
	item := uuid.New()
	optCorrect, optWrong := uuid.New(), uuid.New()
	return catalogue.Candidate{
		Item: models.Item{ID: item, SubjectID: subjectID},
		IRT:  models.ItemIRT{ItemID: item, A: ptr(1.2), B: ptr(0.0), C: ptr(0.2)},
		TopicIDs: []uuid.UUID{topicID},
	}, optCorrect, optWrong
}

func TestStartCAT_SingleItemSubjectServesTheOnlyItem(t *testing.T) {
	learner, subject, topic := uuid.New(), uuid.New(), uuid.New()
	cand, optCorrect, optWrong := singleItemCandidate(subject, topic)
	cat := &fakeCatalogue{
		candidates: []catalogue.Candidate{cand},
		options: map[uuid.UUID][]models.Option{
			cand.Item.ID: {
				{ID: optCorrect, ItemID: cand.Item.ID, Label: "A", IsCorrect: true},
				{ID: optWrong, ItemID: cand.Item.ID, Label: "B", IsCorrect: false},
			},
		},
	}
	repo := storetest.NewRepository()
	ctrl := newTestController(repo, cat, newFakeAbility(), noopRules{}, 1.0, 1)

	res, err := ctrl.StartCAT(context.Background(), learner, subject, 3, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FirstItem == nil || res.FirstItem.ID != cand.Item.ID {
		t.Fatalf("expected first item %s, got %+v", cand.Item.ID, res.FirstItem)
	}
	if res.CurrentPosition != 1 {
		t.Fatalf("expected current_position 1, got %d", res.CurrentPosition)
	}
	if res.Stop {
		t.Fatalf("expected stop=false on the opening item")
	}
	served := repo.Served(res.SessionID)
	if len(served) != 1 || served[0].Position != 1 || served[0].ItemID != cand.Item.ID {
		t.Fatalf("expected exactly one served item at position 1, got %+v", served)
	}
}

func TestAnswerCAT_CorrectAnswerRaisesThetaAndExhaustionStops(t *testing.T) {
	learner, subject, topic := uuid.New(), uuid.New(), uuid.New()
	cand, optCorrect, optWrong := singleItemCandidate(subject, topic)
	cat := &fakeCatalogue{
		candidates: []catalogue.Candidate{cand},
		options: map[uuid.UUID][]models.Option{
			cand.Item.ID: {
				{ID: optCorrect, ItemID: cand.Item.ID, Label: "A", IsCorrect: true},
				{ID: optWrong, ItemID: cand.Item.ID, Label: "B", IsCorrect: false},
			},
		},
	}
	repo := storetest.NewRepository()
	ctrl := newTestController(repo, cat, newFakeAbility(), noopRules{}, 1.0, 1)

	start, err := ctrl.StartCAT(context.Background(), learner, subject, 3, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ans, err := ctrl.AnswerCAT(context.Background(), start.SessionID, cand.Item.ID, optCorrect, nil)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !ans.IsCorrect {
		t.Fatalf("expected is_correct=true")
	}
	if ans.AbilityVector[topic] <= models.DefaultTheta {
		t.Fatalf("expected theta to rise above the default prior on a correct answer, got %v", ans.AbilityVector[topic])
	}
	if !ans.Stop {
		t.Fatalf("expected the session to stop once its only item is exhausted")
	}
	if ans.NextItem != nil {
		t.Fatalf("expected no next item once the subject is exhausted")
	}

	session := repo.Session(start.SessionID)
	if session == nil || session.Status != models.StatusFinished {
		t.Fatalf("expected session FINISHED after stop, got %+v", session)
	}
}

func TestStartCAT_TopicLockOnlyServesTaggedItems(t *testing.T) {
	learner, subject := uuid.New(), uuid.New()
	t1, t2 := uuid.New(), uuid.New()
	itemA, itemB, itemC := uuid.New(), uuid.New(), uuid.New()
	cat := &fakeCatalogue{candidates: []catalogue.Candidate{
		{Item: models.Item{ID: itemA, SubjectID: subject}, IRT: models.ItemIRT{ItemID: itemA, A: ptr(1.0), B: ptr(0.0), C: ptr(0.2)}, TopicIDs: []uuid.UUID{t1}},
		{Item: models.Item{ID: itemB, SubjectID: subject}, IRT: models.ItemIRT{ItemID: itemB, A: ptr(1.0), B: ptr(0.0), C: ptr(0.2)}, TopicIDs: []uuid.UUID{t2}},
		{Item: models.Item{ID: itemC, SubjectID: subject}, IRT: models.ItemIRT{ItemID: itemC, A: ptr(1.0), B: ptr(0.0), C: ptr(0.2)}, TopicIDs: []uuid.UUID{t1, t2}},
	}}
	repo := storetest.NewRepository()
	ctrl := newTestController(repo, cat, newFakeAbility(), noopRules{}, 1.0, 1)

	res, err := ctrl.StartCAT(context.Background(), learner, subject, 3, &t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FirstItem == nil || !containsID([]uuid.UUID{itemA, itemC}, res.FirstItem.ID) {
		t.Fatalf("expected a topic-locked item (itemA or itemC), got %+v", res.FirstItem)
	}
	if res.FirstItem.ID == itemB {
		t.Fatalf("served an item not tagged with the locked topic")
	}
}

func TestAnswerCAT_TargetItemsReachedStopsAtFinalPosition(t *testing.T) {
	learner, subject, topic := uuid.New(), uuid.New(), uuid.New()
	items := make([]catalogue.Candidate, 0, 4)
	options := make(map[uuid.UUID][]models.Option)
	correctOpts := make(map[uuid.UUID]uuid.UUID)
	for i := 0; i < 4; i++ {
		id := uuid.New()
		items = append(items, catalogue.Candidate{
			Item:     models.Item{ID: id, SubjectID: subject},
			IRT:      models.ItemIRT{ItemID: id, A: ptr(1.0 + float64(i)*0.1), B: ptr(0.0), C: ptr(0.2)},
			TopicIDs: []uuid.UUID{topic},
		})
		correct, wrong := uuid.New(), uuid.New()
		options[id] = []models.Option{
			{ID: correct, ItemID: id, Label: "A", IsCorrect: true},
			{ID: wrong, ItemID: id, Label: "B", IsCorrect: false},
		}
		correctOpts[id] = correct
	}
	cat := &fakeCatalogue{candidates: items, options: options}
	repo := storetest.NewRepository()
	ctrl := newTestController(repo, cat, newFakeAbility(), noopRules{}, 1.0, 1)

	start, err := ctrl.StartCAT(context.Background(), learner, subject, 3, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	currentItem := start.FirstItem.ID
	var lastAns *AnswerResult
	for i := 0; i < 3; i++ {
		ans, err := ctrl.AnswerCAT(context.Background(), start.SessionID, currentItem, correctOpts[currentItem], nil)
		if err != nil {
			t.Fatalf("answer %d: %v", i+1, err)
		}
		lastAns = ans
		if ans.Stop {
			break
		}
		currentItem = ans.NextItem.ID
	}

	if !lastAns.Stop {
		t.Fatalf("expected the session to stop once target_items is reached")
	}
	if lastAns.CurrentPosition != 3 {
		t.Fatalf("expected current_position 3 at stop, got %d", lastAns.CurrentPosition)
	}

	served := repo.Served(start.SessionID)
	seen := make(map[uuid.UUID]bool)
	for i, si := range served {
		if si.Position != i+1 {
			t.Fatalf("expected contiguous positions 1..%d, got position %d at index %d", len(served), si.Position, i)
		}
		if seen[si.ItemID] {
			t.Fatalf("item %s served more than once", si.ItemID)
		}
		seen[si.ItemID] = true
	}

	session := repo.Session(start.SessionID)
	if session == nil || session.Status != models.StatusFinished {
		t.Fatalf("expected session FINISHED, got %+v", session)
	}
}

func TestAnswerCAT_MeanSEBelowThresholdStopsBeforeTargetItems(t *testing.T) {
	learner, subject, topic := uuid.New(), uuid.New(), uuid.New()
	items := make([]catalogue.Candidate, 0, 5)
	options := make(map[uuid.UUID][]models.Option)
	correctOpts := make(map[uuid.UUID]uuid.UUID)
	for i := 0; i < 5; i++ {
		id := uuid.New()
		items = append(items, catalogue.Candidate{
			Item:     models.Item{ID: id, SubjectID: subject},
			IRT:      models.ItemIRT{ItemID: id, A: ptr(1.5), B: ptr(0.0), C: ptr(0.2)},
			TopicIDs: []uuid.UUID{topic},
		})
		correct, wrong := uuid.New(), uuid.New()
		options[id] = []models.Option{
			{ID: correct, ItemID: id, Label: "A", IsCorrect: true},
			{ID: wrong, ItemID: id, Label: "B", IsCorrect: false},
		}
		correctOpts[id] = correct
	}
	cat := &fakeCatalogue{candidates: items, options: options}
	repo := storetest.NewRepository()
	// priorVar=0.01 makes the posterior precision 1/priorVar=100 dominate
	// SE = 1/sqrt(info+1/priorVar) regardless of the responding item's
	// information, so a single answer already drops SE below the 0.30
	// stop threshold well short of target_items=10.
	ctrl := newTestController(repo, cat, newFakeAbility(), noopRules{}, 0.01, 1)

	start, err := ctrl.StartCAT(context.Background(), learner, subject, 10, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ans, err := ctrl.AnswerCAT(context.Background(), start.SessionID, start.FirstItem.ID, correctOpts[start.FirstItem.ID], nil)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !ans.Stop {
		t.Fatalf("expected se_converged stop well before target_items is reached")
	}

	respCount, _ := repo.ResponseCount(context.Background(), nil, start.SessionID)
	if respCount >= 10 {
		t.Fatalf("stop triggered by target_items, not SE convergence: respCount=%d", respCount)
	}
}

func TestAnswerCAT_ResponseRoundTripsThroughTheRepository(t *testing.T) {
	learner, subject, topic := uuid.New(), uuid.New(), uuid.New()
	cand, optCorrect, optWrong := singleItemCandidate(subject, topic)
	cat := &fakeCatalogue{
		candidates: []catalogue.Candidate{cand},
		options: map[uuid.UUID][]models.Option{
			cand.Item.ID: {
				{ID: optCorrect, ItemID: cand.Item.ID, Label: "A", IsCorrect: true},
				{ID: optWrong, ItemID: cand.Item.ID, Label: "B", IsCorrect: false},
			},
		},
	}
	repo := storetest.NewRepository()
	ctrl := newTestController(repo, cat, newFakeAbility(), noopRules{}, 1.0, 1)

	start, err := ctrl.StartCAT(context.Background(), learner, subject, 3, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	latency := 2500
	if _, err := ctrl.AnswerCAT(context.Background(), start.SessionID, cand.Item.ID, optWrong, &latency); err != nil {
		t.Fatalf("answer: %v", err)
	}

	responses := repo.Responses(start.SessionID)
	if len(responses) != 1 {
		t.Fatalf("expected exactly one recorded response, got %d", len(responses))
	}
	got := responses[0]
	if got.ItemID != cand.Item.ID || got.OptionID != optWrong || got.IsCorrect || got.LatencyMs == nil || *got.LatencyMs != latency {
		t.Fatalf("response did not round-trip: %+v", got)
	}
}
