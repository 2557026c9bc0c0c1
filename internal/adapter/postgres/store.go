package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planloom/planloom/internal/domain"
	"github.com/planloom/planloom/internal/domain/session"
)

// Store implements database.Store using PostgreSQL. It keeps one bookkeeping
// row per session for the listing and inspection surfaces; full state
// snapshots live in the checkpoints table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const sessionColumns = `id, request, status, step_index, plan_size, needs_review, done, created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, st *session.State) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, request, status, step_index, plan_size, needs_review, done, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		st.SessionID, st.Request, string(st.Status), st.StepIndex, len(st.Plan), st.NeedsReview, st.Done, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create session %s: %w", st.SessionID, domain.ErrConflict)
		}
		return fmt.Errorf("create session %s: %w", st.SessionID, err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, st *session.State) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET request = $2, status = $3, step_index = $4, plan_size = $5, needs_review = $6, done = $7, updated_at = $8
		 WHERE id = $1`,
		st.SessionID, st.Request, string(st.Status), st.StepIndex, len(st.Plan), st.NeedsReview, st.Done, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session %s: %w", st.SessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update session %s: %w", st.SessionID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Summary, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)

	sum, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get session %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sum, nil
}

func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]session.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sums []session.Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete session %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanSummary(row scannable) (session.Summary, error) {
	var sum session.Summary
	err := row.Scan(&sum.SessionID, &sum.Request, &sum.Status, &sum.StepIndex,
		&sum.PlanSize, &sum.NeedsReview, &sum.Done, &sum.CreatedAt, &sum.UpdatedAt)
	return sum, err
}
