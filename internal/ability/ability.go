// Package ability is the Ability Store: it owns the cache-then-database
// read path and the write path for per-(learner, topic) AbilityPoint
// estimates, following the cache-first, re-populate-on-miss pattern this
// codebase's IRT state manager uses.
package ability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"cat-engine/internal/apperr"
	"cat-engine/internal/cache"
	"cat-engine/internal/models"
	"cat-engine/internal/repository"
)

// Store is the ability-estimate port consumed by internal/session.
type Store interface {
	// GetOrInit returns the existing AbilityPoint for (learnerID, topicID),
	// or a fresh one at the default prior if none exists yet. It never
	// creates a row; the first Put call does that.
	GetOrInit(ctx context.Context, learnerID, topicID uuid.UUID) (models.AbilityPoint, error)

	// GetVector returns every AbilityPoint the learner has in subjectID,
	// keyed by topic.
	GetVector(ctx context.Context, learnerID, subjectID uuid.UUID) (map[uuid.UUID]models.AbilityPoint, error)

	// Put upserts the AbilityPoint, invalidating the cache entry so the
	// next GetOrInit re-reads the committed value.
	Put(ctx context.Context, point models.AbilityPoint) error

	// PutTx is Put scoped to an existing transaction, used by
	// internal/session so the ability write commits atomically with the
	// response and served-item rows of the same answer call.
	PutTx(ctx context.Context, tx repository.Tx, point models.AbilityPoint) error
}

type store struct {
	db    repository.Querier
	cache cache.Interface
	ttl   time.Duration
}

func New(db repository.Querier, c cache.Interface, ttl time.Duration) Store {
	return &store{db: db, cache: c, ttl: ttl}
}

func (s *store) GetOrInit(ctx context.Context, learnerID, topicID uuid.UUID) (models.AbilityPoint, error) {
	key := cache.AbilityKey(learnerID.String(), topicID.String())

	var cached models.AbilityPoint
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	var point models.AbilityPoint
	err := s.db.QueryRow(ctx, `
		SELECT learner_id, topic_id, theta, se, updated_at
		FROM ability_points WHERE learner_id = $1 AND topic_id = $2`,
		learnerID, topicID).Scan(&point.LearnerID, &point.TopicID, &point.Theta, &point.SE, &point.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			point = models.AbilityPoint{
				LearnerID: learnerID,
				TopicID:   topicID,
				Theta:     models.DefaultTheta,
				SE:        models.DefaultSE,
				UpdatedAt: time.Now(),
			}
			return point, nil
		}
		return models.AbilityPoint{}, apperr.Wrap(apperr.KindTransientStorage, "query ability point", err)
	}

	_ = s.cache.Set(ctx, key, point, s.ttl)
	return point, nil
}

func (s *store) GetVector(ctx context.Context, learnerID, subjectID uuid.UUID) (map[uuid.UUID]models.AbilityPoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ap.learner_id, ap.topic_id, ap.theta, ap.se, ap.updated_at
		FROM ability_points ap
		JOIN topics t ON t.id = ap.topic_id
		WHERE ap.learner_id = $1 AND t.subject_id = $2`,
		learnerID, subjectID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query ability vector", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]models.AbilityPoint)
	for rows.Next() {
		var p models.AbilityPoint
		if err := rows.Scan(&p.LearnerID, &p.TopicID, &p.Theta, &p.SE, &p.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan ability point", err)
		}
		out[p.TopicID] = p
	}
	return out, rows.Err()
}

func (s *store) Put(ctx context.Context, point models.AbilityPoint) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ability_points (learner_id, topic_id, theta, se, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (learner_id, topic_id)
		DO UPDATE SET theta = $3, se = $4, updated_at = $5`,
		point.LearnerID, point.TopicID, point.Theta, point.SE, point.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "upsert ability point", err)
	}
	_ = s.cache.Delete(ctx, cache.AbilityKey(point.LearnerID.String(), point.TopicID.String()))
	return nil
}

// AvgTheta returns the mean theta over vector, or 0.0 if it is empty,
// matching the Ability Store's avg_θ used by the selector for items whose
// tagged topics aren't in the vector.
func AvgTheta(vector map[uuid.UUID]models.AbilityPoint) float64 {
	if len(vector) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, p := range vector {
		sum += p.Theta
	}
	return sum / float64(len(vector))
}

// Thetas projects a vector of AbilityPoint into a plain theta map, the
// shape internal/selector and internal/rules consume.
func Thetas(vector map[uuid.UUID]models.AbilityPoint) map[uuid.UUID]float64 {
	out := make(map[uuid.UUID]float64, len(vector))
	for topicID, p := range vector {
		out[topicID] = p.Theta
	}
	return out
}

func (s *store) PutTx(ctx context.Context, tx repository.Tx, point models.AbilityPoint) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ability_points (learner_id, topic_id, theta, se, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (learner_id, topic_id)
		DO UPDATE SET theta = $3, se = $4, updated_at = $5`,
		point.LearnerID, point.TopicID, point.Theta, point.SE, point.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "upsert ability point in tx", err)
	}
	_ = s.cache.Delete(ctx, cache.AbilityKey(point.LearnerID.String(), point.TopicID.String()))
	return nil
}
