package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planloom/planloom/internal/domain/event"
	"github.com/planloom/planloom/internal/port/eventstore"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event, assigning the next per-session sequence number.
// Components for one session run strictly one at a time, so the MAX+1
// assignment cannot race with itself; the unique index on (session_id, seq)
// backs that assumption.
func (s *EventStore) Append(ctx context.Context, ev *event.Event) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO session_events (session_id, event_type, payload, seq)
		 VALUES ($1, $2, $3,
		   COALESCE((SELECT MAX(seq) FROM session_events WHERE session_id = $1), 0) + 1)
		 RETURNING id, seq, created_at`,
		ev.SessionID, string(ev.Type), nullIfEmptyJSON(ev.Payload),
	).Scan(&ev.ID, &ev.Seq, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

const eventColumns = `id, session_id, event_type, COALESCE(payload, 'null'::jsonb), seq, created_at`

func scanEvent(row scannable, ev *event.Event) error {
	return row.Scan(&ev.ID, &ev.SessionID, &ev.Type, &ev.Payload, &ev.Seq, &ev.CreatedAt)
}

// LoadBySession returns a cursor-paginated page of the session's events in
// seq order. The cursor is the seq of the last event on the previous page.
func (s *EventStore) LoadBySession(ctx context.Context, sessionID string, cursor string, limit int) (*eventstore.Page, error) {
	if limit <= 0 {
		limit = 50
	}

	var afterSeq int64
	if cursor != "" {
		seq, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse cursor %q: %w", cursor, err)
		}
		afterSeq = seq
	}

	// Fetch limit+1 to detect hasMore.
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM session_events WHERE session_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`, eventColumns),
		sessionID, afterSeq, limit+1)
	if err != nil {
		return nil, fmt.Errorf("load events for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}

	var nextCursor string
	if hasMore && len(events) > 0 {
		nextCursor = strconv.FormatInt(events[len(events)-1].Seq, 10)
	}

	return &eventstore.Page{
		Events:  events,
		Cursor:  nextCursor,
		HasMore: hasMore,
	}, nil
}

// nullIfEmptyJSON returns nil for empty payloads so the column stores SQL
// NULL instead of a zero-length value jsonb would reject.
func nullIfEmptyJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
