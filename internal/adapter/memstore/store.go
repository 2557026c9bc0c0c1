// Package memstore provides in-memory implementations of the session,
// checkpoint and event stores. It backs deployments without Postgres;
// everything is lost on restart, so startup logs it as non-durable.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/planloom/planloom/internal/domain"
	"github.com/planloom/planloom/internal/domain/checkpoint"
	"github.com/planloom/planloom/internal/domain/event"
	"github.com/planloom/planloom/internal/domain/session"
	"github.com/planloom/planloom/internal/port/eventstore"
)

// Store implements database.Store, checkpointstore.Store and eventstore.Store
// over mutex-guarded maps. All stored values are deep copies, so callers
// cannot mutate store contents through retained pointers.
type Store struct {
	mu          sync.RWMutex
	summaries   map[string]session.Summary
	checkpoints map[string]checkpoint.Checkpoint
	events      map[string][]event.Event
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		summaries:   make(map[string]session.Summary),
		checkpoints: make(map[string]checkpoint.Checkpoint),
		events:      make(map[string][]event.Event),
	}
}

// --- database.Store ---

func (s *Store) CreateSession(_ context.Context, st *session.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.summaries[st.SessionID]; ok {
		return fmt.Errorf("create session %s: %w", st.SessionID, domain.ErrConflict)
	}
	s.summaries[st.SessionID] = st.Summary()
	return nil
}

func (s *Store) UpdateSession(_ context.Context, st *session.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.summaries[st.SessionID]; !ok {
		return fmt.Errorf("update session %s: %w", st.SessionID, domain.ErrNotFound)
	}
	s.summaries[st.SessionID] = st.Summary()
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*session.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum, ok := s.summaries[id]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, domain.ErrNotFound)
	}
	return &sum, nil
}

func (s *Store) ListSessions(_ context.Context, limit, offset int) ([]session.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	sums := make([]session.Summary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		sums = append(sums, sum)
	}
	s.mu.RUnlock()

	// Newest first, matching the SQL store's ordering.
	sort.Slice(sums, func(i, j int) bool {
		if sums[i].CreatedAt.Equal(sums[j].CreatedAt) {
			return sums[i].SessionID < sums[j].SessionID
		}
		return sums[i].CreatedAt.After(sums[j].CreatedAt)
	})

	if offset >= len(sums) {
		return nil, nil
	}
	sums = sums[offset:]
	if len(sums) > limit {
		sums = sums[:limit]
	}
	return sums, nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.summaries[id]; !ok {
		return fmt.Errorf("delete session %s: %w", id, domain.ErrNotFound)
	}
	delete(s.summaries, id)
	delete(s.checkpoints, id)
	delete(s.events, id)
	return nil
}

// --- checkpointstore.Store ---

func (s *Store) Save(_ context.Context, cp *checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := checkpoint.Checkpoint{
		SessionID: cp.SessionID,
		State:     *cp.State.Clone(),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, ok := s.checkpoints[cp.SessionID]; ok {
		stored.Version = prev.Version + 1
		stored.CreatedAt = prev.CreatedAt
	}
	s.checkpoints[cp.SessionID] = stored

	cp.Version = stored.Version
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *Store) Load(_ context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.checkpoints[sessionID]
	if !ok {
		return nil, fmt.Errorf("load checkpoint %s: %w", sessionID, domain.ErrNotFound)
	}
	cp := stored
	cp.State = *stored.State.Clone()
	return &cp, nil
}

func (s *Store) Exists(_ context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.checkpoints[sessionID]
	return ok, nil
}

func (s *Store) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, sessionID)
	return nil
}

// --- eventstore.Store ---

func (s *Store) Append(_ context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.ID = uuid.NewString()
	ev.Seq = int64(len(s.events[ev.SessionID])) + 1
	ev.CreatedAt = time.Now().UTC()
	s.events[ev.SessionID] = append(s.events[ev.SessionID], *ev)
	return nil
}

func (s *Store) LoadBySession(_ context.Context, sessionID string, cursor string, limit int) (*eventstore.Page, error) {
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

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[sessionID]
	var events []event.Event
	for _, ev := range all {
		if ev.Seq > afterSeq {
			events = append(events, ev)
		}
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit:limit]
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
