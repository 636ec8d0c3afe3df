// Package repository is the Persistence Adapter: pgx-backed CRUD for
// sessions, served items, and responses, plus the row-level locking the
// Session Controller needs for answer()'s single-transaction semantics.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cat-engine/internal/apperr"
	"cat-engine/internal/models"
)

// Tx is the slice of pgx.Tx that the session controller and this package
// actually use: reads/writes routed through Querier, plus the two
// lifecycle calls. Narrower than pgx.Tx itself so tests can satisfy it
// with a fake instead of a real connection.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SessionRepository is the session/served-item/response CRUD port consumed
// by internal/session. Every method takes a Querier so callers can route
// reads and writes through either the pool or an open transaction.
type SessionRepository interface {
	// BeginTx opens a transaction on the underlying pool. Callers must
	// Commit or Rollback it.
	BeginTx(ctx context.Context) (Tx, error)

	CreateSession(ctx context.Context, q Querier, s *models.Session) error

	// LockSession reads a Session row under SELECT ... FOR UPDATE. It must
	// be called inside a transaction; the lock is released on commit or
	// rollback.
	LockSession(ctx context.Context, tx Tx, sessionID uuid.UUID) (*models.Session, error)

	GetSession(ctx context.Context, q Querier, sessionID uuid.UUID) (*models.Session, error)

	FinishSession(ctx context.Context, q Querier, sessionID uuid.UUID) error

	ServedItems(ctx context.Context, q Querier, sessionID uuid.UUID) ([]models.ServedItem, error)

	CreateServedItem(ctx context.Context, q Querier, item models.ServedItem) error

	CreateResponse(ctx context.Context, q Querier, r models.Response) error

	// ResponseCount returns how many responses have been recorded for the
	// session, used to decide the target-reached stop condition.
	ResponseCount(ctx context.Context, q Querier, sessionID uuid.UUID) (int, error)
}

type sessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool}
}

func (r *sessionRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "begin transaction", err)
	}
	return tx, nil
}

func (r *sessionRepository) CreateSession(ctx context.Context, q Querier, s *models.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO sessions (id, learner_id, subject_id, locked_topic_id, mode, target_items, status, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.LearnerID, s.SubjectID, s.LockedTopicID, s.Mode, s.TargetItems, s.Status, s.StartedAt, s.FinishedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "create session", err)
	}
	return nil
}

func (r *sessionRepository) LockSession(ctx context.Context, tx Tx, sessionID uuid.UUID) (*models.Session, error) {
	var s models.Session
	err := tx.QueryRow(ctx, `
		SELECT id, learner_id, subject_id, locked_topic_id, mode, target_items, status, started_at, finished_at
		FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(
		&s.ID, &s.LearnerID, &s.SubjectID, &s.LockedTopicID, &s.Mode, &s.TargetItems, &s.Status, &s.StartedAt, &s.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("session %s not found", sessionID))
		}
		return nil, apperr.Wrap(apperr.KindTransientStorage, "lock session", err)
	}
	return &s, nil
}

func (r *sessionRepository) GetSession(ctx context.Context, q Querier, sessionID uuid.UUID) (*models.Session, error) {
	var s models.Session
	err := q.QueryRow(ctx, `
		SELECT id, learner_id, subject_id, locked_topic_id, mode, target_items, status, started_at, finished_at
		FROM sessions WHERE id = $1`, sessionID).Scan(
		&s.ID, &s.LearnerID, &s.SubjectID, &s.LockedTopicID, &s.Mode, &s.TargetItems, &s.Status, &s.StartedAt, &s.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("session %s not found", sessionID))
		}
		return nil, apperr.Wrap(apperr.KindTransientStorage, "get session", err)
	}
	return &s, nil
}

func (r *sessionRepository) FinishSession(ctx context.Context, q Querier, sessionID uuid.UUID) error {
	_, err := q.Exec(ctx, `
		UPDATE sessions SET status = $2, finished_at = NOW() WHERE id = $1`,
		sessionID, models.StatusFinished)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "finish session", err)
	}
	return nil
}

func (r *sessionRepository) ServedItems(ctx context.Context, q Querier, sessionID uuid.UUID) ([]models.ServedItem, error) {
	rows, err := q.Query(ctx, `
		SELECT session_id, item_id, position, served_at
		FROM served_items WHERE session_id = $1 ORDER BY position`, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "query served items", err)
	}
	defer rows.Close()

	var out []models.ServedItem
	for rows.Next() {
		var si models.ServedItem
		if err := rows.Scan(&si.SessionID, &si.ItemID, &si.Position, &si.ServedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan served item", err)
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

func (r *sessionRepository) CreateServedItem(ctx context.Context, q Querier, item models.ServedItem) error {
	_, err := q.Exec(ctx, `
		INSERT INTO served_items (session_id, item_id, position, served_at)
		VALUES ($1, $2, $3, $4)`,
		item.SessionID, item.ItemID, item.Position, item.ServedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "create served item", err)
	}
	return nil
}

func (r *sessionRepository) CreateResponse(ctx context.Context, q Querier, resp models.Response) error {
	_, err := q.Exec(ctx, `
		INSERT INTO responses (session_id, item_id, option_id, is_correct, latency_ms, answered_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		resp.SessionID, resp.ItemID, resp.OptionID, resp.IsCorrect, resp.LatencyMs, resp.AnsweredAt)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "create response", err)
	}
	return nil
}

func (r *sessionRepository) ResponseCount(ctx context.Context, q Querier, sessionID uuid.UUID) (int, error) {
	var count int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM responses WHERE session_id = $1`, sessionID).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransientStorage, "count responses", err)
	}
	return count, nil
}
