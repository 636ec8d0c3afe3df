// Package catalogue provides read-only access to subjects, topics, items and
// their IRT calibration, plus the recent-response history used by
// internal/rules to evaluate topic mastery. It owns no writes: item/topic
// authoring and JSONL import live outside this module.
package catalogue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"cat-engine/internal/apperr"
	"cat-engine/internal/models"
	"cat-engine/internal/repository"
)

// View is the read-only catalogue port consumed by the rule evaluator,
// the item selector, and the session controller.
type View interface {
	// TopicsOf returns the topics belonging to subjectID.
	TopicsOf(ctx context.Context, subjectID uuid.UUID) ([]models.Topic, error)

	// TopicInSubject reports whether topicID belongs to subjectID.
	TopicInSubject(ctx context.Context, subjectID, topicID uuid.UUID) (bool, error)

	// CandidateItems returns items in subjectID (optionally narrowed to a
	// single topicID) that are not in excludeItemIDs, each paired with its
	// IRT calibration and topic tags.
	CandidateItems(ctx context.Context, subjectID uuid.UUID, topicID *uuid.UUID, excludeItemIDs []uuid.UUID) ([]Candidate, error)

	// RandomCandidate picks one uniformly-random item from subjectID
	// (optionally narrowed to topicID) not in excludeItemIDs, ignoring IRT
	// calibration entirely. Used by the selector's final fallback stage.
	RandomCandidate(ctx context.Context, subjectID uuid.UUID, topicID *uuid.UUID, excludeItemIDs []uuid.UUID) (*models.Item, error)

	// ItemByID fetches a single item with its options.
	ItemByID(ctx context.Context, itemID uuid.UUID) (*models.Item, error)

	// OptionOf fetches a single option, validating it belongs to itemID.
	OptionOf(ctx context.Context, itemID, optionID uuid.UUID) (*models.Option, error)

	// RecentResponses returns the learner's most recent responses in
	// subjectID, most-recent first, capped at limit.
	RecentResponses(ctx context.Context, learnerID, subjectID uuid.UUID, limit int) ([]ResponseRecord, error)

	// ItemIDsRespondedSince returns every item learnerID answered in
	// subjectID since the given timestamp, for the exposure-cooldown rule.
	ItemIDsRespondedSince(ctx context.Context, learnerID, subjectID uuid.UUID, since time.Time) ([]uuid.UUID, error)

	// ItemIDsTaggedWithTopic returns every item tagged with topicID, for
	// the block-topic rule.
	ItemIDsTaggedWithTopic(ctx context.Context, topicID uuid.UUID) ([]uuid.UUID, error)

	// TopicIDsOfItem returns the topics itemID is tagged with, used by the
	// session controller to decide which AbilityPoints a response touches.
	TopicIDsOfItem(ctx context.Context, itemID uuid.UUID) ([]uuid.UUID, error)

	// IRTOf returns itemID's calibration. A zero-value ItemIRT.Complete()
	// reports false when any parameter is absent.
	IRTOf(ctx context.Context, itemID uuid.UUID) (models.ItemIRT, error)
}

// Candidate is an item paired with its calibration and the topics it is
// tagged with, the shape the selector scores against.
type Candidate struct {
	Item     models.Item
	IRT      models.ItemIRT
	TopicIDs []uuid.UUID
}

// ResponseRecord is one historical response enriched with the topics the
// answered item belongs to, the shape the rule evaluator folds over to
// compute per-topic mastery.
type ResponseRecord struct {
	ItemID     uuid.UUID
	TopicIDs   []uuid.UUID
	IsCorrect  bool
	AnsweredAt time.Time
}

type pgView struct {
	db repository.Querier
}

// New builds a pgx-backed View.
func New(db repository.Querier) View {
	return &pgView{db: db}
}

func (v *pgView) TopicsOf(ctx context.Context, subjectID uuid.UUID) ([]models.Topic, error) {
	rows, err := v.db.Query(ctx, `
		SELECT id, subject_id, name FROM topics WHERE subject_id = $1 ORDER BY name`, subjectID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query topics", err)
	}
	defer rows.Close()

	var topics []models.Topic
	for rows.Next() {
		var t models.Topic
		if err := rows.Scan(&t.ID, &t.SubjectID, &t.Name); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan topic", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func (v *pgView) TopicInSubject(ctx context.Context, subjectID, topicID uuid.UUID) (bool, error) {
	var exists bool
	err := v.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM topics WHERE id = $1 AND subject_id = $2)`,
		topicID, subjectID).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransientStorage, "check topic membership", err)
	}
	return exists, nil
}

func (v *pgView) CandidateItems(ctx context.Context, subjectID uuid.UUID, topicID *uuid.UUID, excludeItemIDs []uuid.UUID) ([]Candidate, error) {
	rows, err := v.db.Query(ctx, `
		SELECT i.id, i.subject_id, i.stem, i.difficulty, i.avg_time_hint_sec,
		       irt.a, irt.b, irt.c,
		       COALESCE(array_agg(it.topic_id) FILTER (WHERE it.topic_id IS NOT NULL), '{}')
		FROM items i
		LEFT JOIN item_irt irt ON irt.item_id = i.id
		LEFT JOIN item_tags it ON it.item_id = i.id
		WHERE i.subject_id = $1
		  AND NOT (i.id = ANY($3::uuid[]))
		  AND ($2::uuid IS NULL OR EXISTS (
		        SELECT 1 FROM item_tags it2
		        WHERE it2.item_id = i.id AND it2.topic_id = $2
		      ))
		GROUP BY i.id, irt.a, irt.b, irt.c`,
		subjectID, topicID, excludeItemIDs)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query candidate items", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(
			&c.Item.ID, &c.Item.SubjectID, &c.Item.Stem, &c.Item.Difficulty, &c.Item.AvgTimeHintSec,
			&c.IRT.A, &c.IRT.B, &c.IRT.C, &c.TopicIDs,
		); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan candidate item", err)
		}
		c.IRT.ItemID = c.Item.ID
		out = append(out, c)
	}
	return out, rows.Err()
}

func (v *pgView) RandomCandidate(ctx context.Context, subjectID uuid.UUID, topicID *uuid.UUID, excludeItemIDs []uuid.UUID) (*models.Item, error) {
	row := v.db.QueryRow(ctx, `
		SELECT DISTINCT i.id, i.subject_id, i.stem, i.difficulty, i.avg_time_hint_sec
		FROM items i
		LEFT JOIN item_tags it ON it.item_id = i.id
		WHERE i.subject_id = $1
		  AND ($2::uuid IS NULL OR it.topic_id = $2)
		  AND NOT (i.id = ANY($3::uuid[]))
		ORDER BY random()
		LIMIT 1`,
		subjectID, topicID, excludeItemIDs)

	var item models.Item
	if err := row.Scan(&item.ID, &item.SubjectID, &item.Stem, &item.Difficulty, &item.AvgTimeHintSec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query random candidate", err)
	}
	return &item, nil
}

func (v *pgView) ItemByID(ctx context.Context, itemID uuid.UUID) (*models.Item, error) {
	var item models.Item
	err := v.db.QueryRow(ctx, `
		SELECT id, subject_id, stem, difficulty, avg_time_hint_sec
		FROM items WHERE id = $1`, itemID).Scan(
		&item.ID, &item.SubjectID, &item.Stem, &item.Difficulty, &item.AvgTimeHintSec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("item %s not found", itemID))
		}
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query item", err)
	}

	rows, err := v.db.Query(ctx, `
		SELECT id, item_id, label, text, is_correct FROM options WHERE item_id = $1 ORDER BY label`, itemID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query options", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o models.Option
		if err := rows.Scan(&o.ID, &o.ItemID, &o.Label, &o.Text, &o.IsCorrect); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan option", err)
		}
		item.Options = append(item.Options, o)
	}
	return &item, rows.Err()
}

func (v *pgView) OptionOf(ctx context.Context, itemID, optionID uuid.UUID) (*models.Option, error) {
	var o models.Option
	err := v.db.QueryRow(ctx, `
		SELECT id, item_id, label, text, is_correct
		FROM options WHERE id = $1 AND item_id = $2`, optionID, itemID).Scan(
		&o.ID, &o.ItemID, &o.Label, &o.Text, &o.IsCorrect)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindOptionMismatch, "option does not belong to item")
		}
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query option", err)
	}
	return &o, nil
}

func (v *pgView) RecentResponses(ctx context.Context, learnerID, subjectID uuid.UUID, limit int) ([]ResponseRecord, error) {
	rows, err := v.db.Query(ctx, `
		SELECT r.item_id, r.is_correct, r.answered_at,
		       COALESCE(array_agg(it.topic_id) FILTER (WHERE it.topic_id IS NOT NULL), '{}')
		FROM responses r
		JOIN sessions s ON s.id = r.session_id
		LEFT JOIN item_tags it ON it.item_id = r.item_id
		WHERE s.learner_id = $1 AND s.subject_id = $2
		GROUP BY r.item_id, r.is_correct, r.answered_at
		ORDER BY r.answered_at DESC
		LIMIT $3`,
		learnerID, subjectID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query recent responses", err)
	}
	defer rows.Close()

	var out []ResponseRecord
	for rows.Next() {
		var rec ResponseRecord
		if err := rows.Scan(&rec.ItemID, &rec.IsCorrect, &rec.AnsweredAt, &rec.TopicIDs); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan response record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (v *pgView) ItemIDsRespondedSince(ctx context.Context, learnerID, subjectID uuid.UUID, since time.Time) ([]uuid.UUID, error) {
	rows, err := v.db.Query(ctx, `
		SELECT DISTINCT r.item_id
		FROM responses r
		JOIN sessions s ON s.id = r.session_id
		WHERE s.learner_id = $1 AND s.subject_id = $2 AND r.answered_at >= $3`,
		learnerID, subjectID, since)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query exposure-cooldown items", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan item id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (v *pgView) IRTOf(ctx context.Context, itemID uuid.UUID) (models.ItemIRT, error) {
	irt := models.ItemIRT{ItemID: itemID}
	err := v.db.QueryRow(ctx, `SELECT a, b, c FROM item_irt WHERE item_id = $1`, itemID).Scan(&irt.A, &irt.B, &irt.C)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return irt, nil
		}
		return irt, apperr.Wrap(apperr.KindTransientStorage, "query item irt", err)
	}
	return irt, nil
}

func (v *pgView) TopicIDsOfItem(ctx context.Context, itemID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := v.db.Query(ctx, `SELECT topic_id FROM item_tags WHERE item_id = $1`, itemID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query topics of item", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan topic id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (v *pgView) ItemIDsTaggedWithTopic(ctx context.Context, topicID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := v.db.Query(ctx, `SELECT item_id FROM item_tags WHERE topic_id = $1`, topicID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query items tagged with topic", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan item id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
