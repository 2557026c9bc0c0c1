package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/planloom/planloom/internal/adapter/otel"
	"github.com/planloom/planloom/internal/adapter/ws"
	"github.com/planloom/planloom/internal/domain"
	"github.com/planloom/planloom/internal/domain/event"
	"github.com/planloom/planloom/internal/domain/session"
	"github.com/planloom/planloom/internal/logger"
	"github.com/planloom/planloom/internal/port/broadcast"
	"github.com/planloom/planloom/internal/port/cache"
	"github.com/planloom/planloom/internal/port/checkpointstore"
	"github.com/planloom/planloom/internal/port/database"
	"github.com/planloom/planloom/internal/port/eventstore"
	"github.com/planloom/planloom/internal/port/messagequeue"
)

// liveRun tracks one in-flight engine run so it can be interrupted and
// awaited.
type liveRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionService is the application surface over the engine: it creates
// sessions, launches and resumes runs, and answers the read queries behind
// the REST, MCP, and A2A hosts. At most one run is live per session, and the
// total number of concurrent runs is bounded.
type SessionService struct {
	store       database.Store
	checkpoints checkpointstore.Store
	events      eventstore.Store
	engine      *Engine
	hub         broadcast.Broadcaster
	queue       messagequeue.Queue
	cache       cache.Cache
	metrics     *otel.Metrics
	logger      *slog.Logger

	sem        *semaphore.Weighted
	skipReview bool
	syncRuns   bool

	mu   sync.Mutex
	runs map[string]*liveRun
}

// NewSessionService builds the service. maxConcurrent bounds simultaneous
// engine runs across all sessions.
func NewSessionService(
	store database.Store,
	checkpoints checkpointstore.Store,
	events eventstore.Store,
	engine *Engine,
	hub broadcast.Broadcaster,
	maxConcurrent int,
) *SessionService {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &SessionService{
		store:       store,
		checkpoints: checkpoints,
		events:      events,
		engine:      engine,
		hub:         hub,
		logger:      slog.Default(),
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		runs:        make(map[string]*liveRun),
	}
}

// SetQueue attaches a message queue for deletion notices.
func (s *SessionService) SetQueue(q messagequeue.Queue) { s.queue = q }

// SetCache attaches the snapshot cache consulted on reads.
func (s *SessionService) SetCache(c cache.Cache) { s.cache = c }

// SetMetrics attaches service instrumentation.
func (s *SessionService) SetMetrics(m *otel.Metrics) { s.metrics = m }

// SetLogger overrides the default logger.
func (s *SessionService) SetLogger(l *slog.Logger) { s.logger = l }

// SetSkipReview makes new sessions bypass the review gate unless the start
// request says otherwise.
func (s *SessionService) SetSkipReview(skip bool) { s.skipReview = skip }

// SetSync makes runs execute inline instead of in a goroutine. Intended for
// tests that need deterministic completion.
func (s *SessionService) SetSync(v bool) { s.syncRuns = v }

// Start validates the request, persists the new session, and launches its
// first run. The returned state is the pre-run snapshot; progress streams
// over the observer surfaces.
func (s *SessionService) Start(ctx context.Context, req session.StartRequest) (*session.State, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	st := session.New(uuid.NewString(), req.Request, req.WorkingRoot, req.SkipReview || s.skipReview)
	if err := s.store.CreateSession(ctx, st); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.engine.cacheSnapshot(ctx, st)

	s.engine.emit(ctx, st, event.TypeSessionCreated, map[string]any{
		"request":      st.Request,
		"working_root": st.WorkingRoot,
		"skip_review":  st.SkipReview,
	})
	if s.metrics != nil {
		s.metrics.SessionsStarted.Add(ctx, 1)
	}
	s.logger.Info("session started",
		"session_id", st.SessionID, "request_length", len(st.Request), "skip_review", st.SkipReview)

	view := st.Clone()
	if err := s.launch(st); err != nil {
		return nil, err
	}
	return view, nil
}

// Get returns the freshest full state visible for the session: the snapshot
// cache first, then the last checkpoint, then a view rebuilt from the
// bookkeeping row for sessions whose cache entry was evicted mid-run.
func (s *SessionService) Get(ctx context.Context, id string) (*session.State, error) {
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, SnapshotCacheKey(id)); err == nil && ok {
			var st session.State
			if uerr := json.Unmarshal(data, &st); uerr == nil {
				return &st, nil
			}
			s.logger.Warn("corrupt snapshot cache entry", "session_id", id)
		}
	}

	cp, err := s.checkpoints.Load(ctx, id)
	if err == nil {
		st := cp.State
		st.Version = cp.Version
		return &st, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	sum, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return stateFromSummary(sum), nil
}

// List returns session listing rows, newest first.
func (s *SessionService) List(ctx context.Context, limit, offset int) ([]session.Summary, error) {
	return s.store.ListSessions(ctx, limit, offset)
}

// Events returns one cursor page of the session's lifecycle events.
func (s *SessionService) Events(ctx context.Context, id, cursor string, limit int) (*eventstore.Page, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.events.LoadBySession(ctx, id, cursor, limit)
}

// SubmitFeedback resumes a suspended session with review feedback. The state
// is reloaded from its checkpoint, never from a paused call stack, so resume
// works identically after a process restart.
func (s *SessionService) SubmitFeedback(ctx context.Context, id string, req session.FeedbackRequest) (*session.State, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(logger.WithSessionID(context.Background(), id))
	lr, ok := s.reserve(id, cancel)
	if !ok {
		cancel()
		return nil, fmt.Errorf("session %s is currently running: %w", id, domain.ErrConflict)
	}

	cp, err := s.checkpoints.Load(ctx, id)
	if err != nil {
		s.release(id, lr)
		cancel()
		if errors.Is(err, domain.ErrNotFound) {
			if _, serr := s.store.GetSession(ctx, id); serr == nil {
				return nil, fmt.Errorf("session %s is not awaiting review: %w", id, domain.ErrConflict)
			}
			return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	st := cp.State.Clone()
	st.Version = cp.Version
	if st.Status != session.StatusSuspended || !st.NeedsReview || st.Done {
		s.release(id, lr)
		cancel()
		return nil, fmt.Errorf("session %s is not awaiting review: %w", id, domain.ErrConflict)
	}

	feedback := req.Feedback
	if req.Action == session.ActionApprove && strings.TrimSpace(feedback) == "" {
		feedback = "approved"
	}
	st.Feedback = &feedback
	st.Touch()

	s.logger.Info("feedback submitted",
		"session_id", id, "action", string(req.Action), "feedback_length", len(feedback))

	view := st.Clone()
	s.run(runCtx, st, lr)
	return view, nil
}

// Delete interrupts any live run, waits for it to unwind, and removes the
// session's rows, checkpoint, and cache entry. Observers get a final
// deletion notice.
func (s *SessionService) Delete(ctx context.Context, id string) error {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	lr := s.runs[id]
	s.mu.Unlock()
	if lr != nil {
		lr.cancel()
		select {
		case <-lr.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for session %s run to stop: %w", id, ctx.Err())
		}
	}

	if err := s.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := s.checkpoints.Delete(ctx, id); err != nil {
		s.logger.Warn("checkpoint delete failed", "session_id", id, "error", err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, SnapshotCacheKey(id)); err != nil {
			s.logger.Debug("snapshot cache delete failed", "session_id", id, "error", err)
		}
	}

	s.hub.BroadcastEvent(ctx, id, ws.EventSessionDeleted, ws.SessionDeletedPayload{SessionID: id})
	s.publishDeleted(ctx, id)

	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// Shutdown interrupts every live run and waits for them to unwind, bounded
// by ctx.
func (s *SessionService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*liveRun, 0, len(s.runs))
	for _, lr := range s.runs {
		lr.cancel()
		live = append(live, lr)
	}
	s.mu.Unlock()

	for _, lr := range live {
		select {
		case <-lr.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// launch starts the first run of a freshly created session.
func (s *SessionService) launch(st *session.State) error {
	runCtx, cancel := context.WithCancel(logger.WithSessionID(context.Background(), st.SessionID))
	lr, ok := s.reserve(st.SessionID, cancel)
	if !ok {
		cancel()
		return fmt.Errorf("session %s is currently running: %w", st.SessionID, domain.ErrConflict)
	}
	s.run(runCtx, st, lr)
	return nil
}

// run executes the engine on an already reserved session, inline or in a
// goroutine depending on the sync flag.
func (s *SessionService) run(ctx context.Context, st *session.State, lr *liveRun) {
	body := func() {
		defer s.release(st.SessionID, lr)
		defer lr.cancel()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.logger.Warn("session run never started", "session_id", st.SessionID, "error", err)
			return
		}
		defer s.sem.Release(1)

		if err := s.engine.Run(ctx, st); err != nil {
			s.logger.Error("session run ended with failure", "session_id", st.SessionID, "error", err)
		}
	}

	if s.syncRuns {
		body()
		return
	}
	go body()
}

// reserve claims the single run slot for a session. It reports false when a
// run is already live, which is what makes start/resume idempotent under
// concurrent submission.
func (s *SessionService) reserve(id string, cancel context.CancelFunc) (*liveRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[id]; exists {
		return nil, false
	}
	lr := &liveRun{cancel: cancel, done: make(chan struct{})}
	s.runs[id] = lr
	return lr, true
}

// release frees the run slot and wakes anyone waiting on the run.
func (s *SessionService) release(id string, lr *liveRun) {
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
	close(lr.done)
}

// publishDeleted mirrors a deletion notice onto the bus. The event log rows
// are gone by now, so the envelope goes straight to the queue.
func (s *SessionService) publishDeleted(ctx context.Context, id string) {
	if s.queue == nil || !s.queue.IsConnected() {
		return
	}
	ev := &event.Event{
		ID:        uuid.NewString(),
		SessionID: id,
		Type:      event.TypeSessionDeleted,
		CreatedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.EventSubject(id), body); err != nil {
		s.logger.Warn("publish deletion notice", "session_id", id, "error", err)
	}
}

// stateFromSummary rebuilds the observable subset of a state from its
// bookkeeping row. Plan contents are not stored there; only the read path
// uses this, and only when both cache and checkpoint are unavailable.
func stateFromSummary(sum *session.Summary) *session.State {
	return &session.State{
		SessionID:          sum.SessionID,
		Request:            sum.Request,
		Plan:               []session.Step{},
		StepIndex:          sum.StepIndex,
		GeneratedArtifacts: []string{},
		NeedsReview:        sum.NeedsReview,
		Done:               sum.Done,
		Status:             sum.Status,
		CreatedAt:          sum.CreatedAt,
		UpdatedAt:          sum.UpdatedAt,
	}
}
