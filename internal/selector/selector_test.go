package selector_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"cat-engine/internal/catalogue"
	"cat-engine/internal/models"
	"cat-engine/internal/rules"
	"cat-engine/internal/selector"
)

type fakeCatalogue struct {
	candidates []catalogue.Candidate
	random     *models.Item
}

func (f *fakeCatalogue) TopicsOf(context.Context, uuid.UUID) ([]models.Topic, error) { return nil, nil }
func (f *fakeCatalogue) TopicInSubject(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return true, nil
}
func (f *fakeCatalogue) CandidateItems(context.Context, uuid.UUID, *uuid.UUID, []uuid.UUID) ([]catalogue.Candidate, error) {
	return f.candidates, nil
}
func (f *fakeCatalogue) RandomCandidate(context.Context, uuid.UUID, *uuid.UUID, []uuid.UUID) (*models.Item, error) {
	return f.random, nil
}
func (f *fakeCatalogue) ItemByID(context.Context, uuid.UUID) (*models.Item, error) { return nil, nil }
func (f *fakeCatalogue) OptionOf(context.Context, uuid.UUID, uuid.UUID) (*models.Option, error) {
	return nil, nil
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
func (f *fakeCatalogue) TopicIDsOfItem(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}
func (f *fakeCatalogue) IRTOf(context.Context, uuid.UUID) (models.ItemIRT, error) {
	return models.ItemIRT{}, nil
}

func ptr(f float64) *float64 { return &f }

func candidate(a, b, c float64, topics ...uuid.UUID) catalogue.Candidate {
	id := uuid.New()
	return catalogue.Candidate{
		Item:     models.Item{ID: id},
		IRT:      models.ItemIRT{ItemID: id, A: ptr(a), B: ptr(b), C: ptr(c)},
		TopicIDs: topics,
	}
}

func emptyContext() rules.SelectionContext {
	return rules.SelectionContext{TopicBoost: map[uuid.UUID]float64{}, BlockItemIDs: map[uuid.UUID]bool{}}
}

func TestSelect_PicksHighestInformationCandidate(t *testing.T) {
	topic := uuid.New()
	low := candidate(1.0, 2.0, 0.2, topic)  // far from theta=0, low info
	high := candidate(1.5, 0.0, 0.1, topic) // centered at theta=0, high info

	cat := &fakeCatalogue{candidates: []catalogue.Candidate{low, high}}
	sel := selector.NewWithSeed(cat, 1)

	res, err := sel.Select(context.Background(), uuid.New(), nil,
		map[uuid.UUID]float64{topic: 0.0}, 0.0, nil, 1, emptyContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ItemID != high.Item.ID {
		t.Fatalf("expected high-information candidate to win, got %s", res.ItemID)
	}
	if res.Stage != selector.StagePrimary {
		t.Fatalf("expected primary stage, got %s", res.Stage)
	}
}

func TestSelect_BoostTiltsTowardBoostedTopic(t *testing.T) {
	topicA := uuid.New()
	topicB := uuid.New()
	// Identical IRT params so info is equal; only the boost should decide.
	itemA := candidate(1.2, 0.0, 0.15, topicA)
	itemB := candidate(1.2, 0.0, 0.15, topicB)

	cat := &fakeCatalogue{candidates: []catalogue.Candidate{itemA, itemB}}
	sel := selector.NewWithSeed(cat, 7)

	sc := emptyContext()
	sc.TopicBoost[topicA] = 2.0

	res, err := sel.Select(context.Background(), uuid.New(), nil,
		map[uuid.UUID]float64{topicA: 0.0, topicB: 0.0}, 0.0, nil, 1, sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ItemID != itemA.Item.ID {
		t.Fatalf("expected boosted topic's item to win, got %s", res.ItemID)
	}
}

func TestSelect_BlockedItemsExcluded(t *testing.T) {
	topic := uuid.New()
	blocked := candidate(1.2, 0.0, 0.15, topic)
	allowed := candidate(0.8, 1.0, 0.2, topic)

	cat := &fakeCatalogue{candidates: []catalogue.Candidate{blocked, allowed}}
	sel := selector.NewWithSeed(cat, 3)

	sc := emptyContext()
	sc.BlockItemIDs[blocked.Item.ID] = true

	res, err := sel.Select(context.Background(), uuid.New(), nil,
		map[uuid.UUID]float64{topic: 0.0}, 0.0, nil, 1, sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ItemID != allowed.Item.ID {
		t.Fatalf("expected blocked item to be excluded, got %s", res.ItemID)
	}
}

func TestSelect_DifficultyRangeGatesByPosition(t *testing.T) {
	topic := uuid.New()
	inBand := candidate(1.0, 0.0, 0.2, topic)
	outOfBand := candidate(1.0, 2.5, 0.2, topic)

	cat := &fakeCatalogue{candidates: []catalogue.Candidate{inBand, outOfBand}}
	sel := selector.NewWithSeed(cat, 9)

	lte := 2
	sc := emptyContext()
	sc.DifficultyRange = &rules.DifficultyRange{BMin: ptr(-1.0), BMax: ptr(1.0), LtePosition: &lte}

	// Within the gated band: out-of-band item must lose.
	res, err := sel.Select(context.Background(), uuid.New(), nil,
		map[uuid.UUID]float64{topic: 0.0}, 0.0, nil, 1, sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ItemID != inBand.Item.ID {
		t.Fatalf("expected in-band item at gated position, got %s", res.ItemID)
	}

	// Past the gated position, the range no longer applies; either item
	// may win, but the call must still succeed.
	if _, err := sel.Select(context.Background(), uuid.New(), nil,
		map[uuid.UUID]float64{topic: 0.0}, 0.0, nil, 3, sc); err != nil {
		t.Fatalf("unexpected error past gated position: %v", err)
	}
}

func TestSelect_FallsBackToRandomWhenNoCandidates(t *testing.T) {
	randomItem := &models.Item{ID: uuid.New()}
	cat := &fakeCatalogue{candidates: nil, random: randomItem}
	sel := selector.NewWithSeed(cat, 2)

	res, err := sel.Select(context.Background(), uuid.New(), nil, nil, 0.0, nil, 1, emptyContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ItemID != randomItem.ID || res.Stage != selector.StageRandom {
		t.Fatalf("expected random fallback to serve the only candidate, got %+v", res)
	}
}

func TestSelect_NoEligibleItemWhenExhausted(t *testing.T) {
	cat := &fakeCatalogue{candidates: nil, random: nil}
	sel := selector.NewWithSeed(cat, 4)

	_, err := sel.Select(context.Background(), uuid.New(), nil, nil, 0.0, nil, 1, emptyContext())
	if err == nil {
		t.Fatal("expected an error when no candidates and no random item are available")
	}
}
