// Package storetest is an in-memory repository.SessionRepository used to
// unit-test the Session Controller's state machine without a database,
// matching the narrow Querier/Tx ports internal/repository exposes for
// exactly this purpose.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"cat-engine/internal/apperr"
	"cat-engine/internal/models"
	"cat-engine/internal/repository"
)

// Repository is an in-memory repository.SessionRepository. Zero value is
// not usable; construct with NewRepository.
type Repository struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*models.Session
	served    map[uuid.UUID][]models.ServedItem
	responses map[uuid.UUID][]models.Response
}

func NewRepository() *Repository {
	return &Repository{
		sessions:  make(map[uuid.UUID]*models.Session),
		served:    make(map[uuid.UUID][]models.ServedItem),
		responses: make(map[uuid.UUID][]models.Response),
	}
}

// fakeTx is the repository.Tx handed out by BeginTx. Its Querier methods
// are never exercised: every SessionRepository method here ignores the
// Querier/Tx argument it's passed and reads/writes the Repository's own
// maps directly, so there is no SQL for this Tx to carry.
type fakeTx struct{}

func (fakeTx) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (fakeTx) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return nil, nil
}

func (fakeTx) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return nil
}

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

func (r *Repository) BeginTx(ctx context.Context) (repository.Tx, error) {
	return fakeTx{}, nil
}

func (r *Repository) CreateSession(ctx context.Context, _ repository.Querier, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *Repository) LockSession(ctx context.Context, _ repository.Tx, sessionID uuid.UUID) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	cp := *s
	return &cp, nil
}

func (r *Repository) GetSession(ctx context.Context, q repository.Querier, sessionID uuid.UUID) (*models.Session, error) {
	return r.LockSession(ctx, nil, sessionID)
}

func (r *Repository) FinishSession(ctx context.Context, _ repository.Querier, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return apperr.New(apperr.KindNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	now := time.Now()
	s.Status = models.StatusFinished
	s.FinishedAt = &now
	return nil
}

func (r *Repository) ServedItems(ctx context.Context, _ repository.Querier, sessionID uuid.UUID) ([]models.ServedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ServedItem, len(r.served[sessionID]))
	copy(out, r.served[sessionID])
	return out, nil
}

func (r *Repository) CreateServedItem(ctx context.Context, _ repository.Querier, item models.ServedItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.served[item.SessionID] = append(r.served[item.SessionID], item)
	return nil
}

func (r *Repository) CreateResponse(ctx context.Context, _ repository.Querier, resp models.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[resp.SessionID] = append(r.responses[resp.SessionID], resp)
	return nil
}

func (r *Repository) ResponseCount(ctx context.Context, _ repository.Querier, sessionID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses[sessionID]), nil
}

// Responses exposes what was recorded for sessionID, for round-trip
// assertions: that persisting a response and reading it back yields the
// same is_correct/option/item/latency.
func (r *Repository) Responses(sessionID uuid.UUID) []models.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Response, len(r.responses[sessionID]))
	copy(out, r.responses[sessionID])
	return out
}

// Session returns the current stored state of sessionID, for assertions
// tests make without going through LockSession's FOR-UPDATE semantics.
func (r *Repository) Session(sessionID uuid.UUID) *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Served exposes the served items recorded for sessionID, in insertion
// order, for no-repeats/position-contiguity assertions.
func (r *Repository) Served(sessionID uuid.UUID) []models.ServedItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ServedItem, len(r.served[sessionID]))
	copy(out, r.served[sessionID])
	return out
}
