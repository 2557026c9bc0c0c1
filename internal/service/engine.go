package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/planloom/planloom/internal/adapter/otel"
	"github.com/planloom/planloom/internal/adapter/ws"
	"github.com/planloom/planloom/internal/domain/checkpoint"
	"github.com/planloom/planloom/internal/domain/event"
	"github.com/planloom/planloom/internal/domain/session"
	"github.com/planloom/planloom/internal/port/broadcast"
	"github.com/planloom/planloom/internal/port/cache"
	"github.com/planloom/planloom/internal/port/checkpointstore"
	"github.com/planloom/planloom/internal/port/database"
	"github.com/planloom/planloom/internal/port/eventstore"
	"github.com/planloom/planloom/internal/port/messagequeue"
)

// Component is one dispatchable unit of the session state machine. Invoke
// mutates the state in place and names the component that should run next.
// Components do not persist or publish anything themselves, with one
// exception: the review gate owns the checkpoint write that must precede a
// suspension.
type Component interface {
	Name() session.Component
	Invoke(ctx context.Context, st *session.State) (session.Component, error)
}

// Engine drives one session through its components: route, invoke, observe,
// repeat. A run returns when the session completes, suspends for review, or
// fails; suspension is a genuine return, never a blocked goroutine.
type Engine struct {
	store       database.Store
	checkpoints checkpointstore.Store
	events      eventstore.Store
	hub         broadcast.Broadcaster
	queue       messagequeue.Queue
	cache       cache.Cache
	metrics     *otel.Metrics
	logger      *slog.Logger

	components map[session.Component]Component
	maxSteps   int
	snapshotTTL time.Duration
}

// NewEngine assembles an engine over the given stores and components. The
// queue, cache, and metrics collaborators are optional and attached with the
// Set methods.
func NewEngine(
	store database.Store,
	checkpoints checkpointstore.Store,
	events eventstore.Store,
	hub broadcast.Broadcaster,
	maxSteps int,
	comps ...Component,
) *Engine {
	e := &Engine{
		store:       store,
		checkpoints: checkpoints,
		events:      events,
		hub:         hub,
		components:  make(map[session.Component]Component, len(comps)),
		maxSteps:    maxSteps,
		snapshotTTL: 5 * time.Minute,
		logger:      slog.Default(),
	}
	for _, c := range comps {
		e.components[c.Name()] = c
	}
	return e
}

// SetQueue attaches a message queue; session events are mirrored onto it.
func (e *Engine) SetQueue(q messagequeue.Queue) { e.queue = q }

// SetCache attaches a snapshot cache refreshed after every invocation.
func (e *Engine) SetCache(c cache.Cache, ttl time.Duration) {
	e.cache = c
	if ttl > 0 {
		e.snapshotTTL = ttl
	}
}

// SetMetrics attaches engine instrumentation.
func (e *Engine) SetMetrics(m *otel.Metrics) { e.metrics = m }

// SetLogger overrides the default logger.
func (e *Engine) SetLogger(l *slog.Logger) { e.logger = l }

// SnapshotCacheKey is the cache key holding the latest serialized state for
// a session. Read surfaces consult it before falling back to the checkpoint.
func SnapshotCacheKey(sessionID string) string {
	return "session:state:" + sessionID
}

// invocationView captures the pre-invocation facts needed to classify what a
// component did, so the engine can emit the matching lifecycle events.
type invocationView struct {
	planLen     int
	hadFeedback bool
	feedback    string
}

func viewOf(st *session.State) invocationView {
	v := invocationView{planLen: len(st.Plan)}
	if st.Feedback != nil {
		v.hadFeedback = true
		v.feedback = *st.Feedback
	}
	return v
}

// Run advances the session until it completes, suspends, or fails. The
// global invocation ceiling counts every component dispatch across the whole
// session lifetime, including across suspensions, so a pathological
// plan/feedback loop cannot spin forever.
func (e *Engine) Run(ctx context.Context, st *session.State) error {
	log := e.logger.With("session_id", st.SessionID)

	ctx, span := otel.StartSessionSpan(ctx, st.SessionID)
	defer span.End()

	for {
		if st.Done || st.Status == session.StatusFailed {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, st, fmt.Errorf("run interrupted: %w", err))
		}

		active := e.route(st, log)
		comp, ok := e.components[active]
		if !ok {
			return e.fail(ctx, st, fmt.Errorf("no component registered for %q", active))
		}

		if st.Invocations >= e.maxSteps {
			return e.fail(ctx, st, fmt.Errorf("exceeded maximum steps (%d)", e.maxSteps))
		}
		st.Invocations++

		before := viewOf(st)
		start := time.Now()
		invCtx, invSpan := otel.StartInvocationSpan(ctx, st.SessionID, string(active))
		next, err := comp.Invoke(invCtx, st)
		if err != nil {
			invSpan.RecordError(err)
		}
		invSpan.End()
		st.Touch()
		if err != nil {
			log.Error("component invocation failed",
				"component", string(active), "invocation", st.Invocations, "error", err)
			return e.fail(ctx, st, fmt.Errorf("%s: %w", active, err))
		}
		st.Next = next

		// The final state must be durable before observers hear about it.
		if st.Done {
			if cerr := e.saveCheckpoint(ctx, st); cerr != nil {
				log.Error("final checkpoint save failed", "error", cerr)
			}
		}

		e.afterInvocation(ctx, active, before, st, time.Since(start))

		switch {
		case st.Done:
			log.Info("session completed",
				"invocations", st.Invocations, "artifacts", len(st.GeneratedArtifacts))
			if e.metrics != nil {
				e.metrics.SessionsCompleted.Add(ctx, 1)
				e.metrics.SessionDuration.Record(ctx, time.Since(st.CreatedAt).Seconds())
			}
			return nil
		case st.Status == session.StatusSuspended:
			log.Info("session suspended for review",
				"invocations", st.Invocations, "plan_size", len(st.Plan))
			if e.metrics != nil {
				e.metrics.SessionsSuspended.Add(ctx, 1)
			}
			return nil
		}
	}
}

// route returns the component to dispatch next. The routing enum is closed:
// anything unrecognized falls back to the write worker rather than crashing
// the session, matching the worker-kind fallback in planning. A state that
// points at terminal without being done is corrupt and surfaces as a missing
// component in the caller.
func (e *Engine) route(st *session.State, log *slog.Logger) session.Component {
	next := st.Next
	if next == "" {
		next = session.ComponentPlanController
	}
	if !next.Known() {
		log.Warn("unknown routing target, falling back to write worker",
			"next", string(next))
		return session.ComponentWriteWorker
	}
	return next
}

// fail marks the session failed, checkpoints the final state for inspection,
// and notifies observers. The returned error is the original cause.
func (e *Engine) fail(ctx context.Context, st *session.State, cause error) error {
	st.Status = session.StatusFailed
	st.Touch()

	if cerr := e.saveCheckpoint(ctx, st); cerr != nil {
		e.logger.Error("checkpoint save after failure",
			"session_id", st.SessionID, "error", cerr)
	}
	if uerr := e.store.UpdateSession(ctx, st); uerr != nil {
		e.logger.Warn("session row update after failure",
			"session_id", st.SessionID, "error", uerr)
	}
	e.cacheSnapshot(ctx, st)

	e.emit(ctx, st, event.TypeSessionFailed, map[string]any{
		"error":       cause.Error(),
		"invocations": st.Invocations,
	})
	e.hub.BroadcastEvent(ctx, st.SessionID, ws.EventSessionFailed, ws.SessionFailedPayload{
		SessionID: st.SessionID,
		Error:     cause.Error(),
	})
	if e.metrics != nil {
		e.metrics.SessionsFailed.Add(ctx, 1)
	}
	return cause
}

// saveCheckpoint persists the full state and refreshes the snapshot cache so
// reads never see an older version than the durable one.
func (e *Engine) saveCheckpoint(ctx context.Context, st *session.State) error {
	cp := checkpoint.FromState(st)
	if err := e.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint for session %s: %w", st.SessionID, err)
	}
	st.Version = cp.Version
	e.cacheSnapshot(ctx, st)
	return nil
}

// afterInvocation performs the per-invocation observation fan-out: refresh
// the bookkeeping row and snapshot cache, append derived lifecycle events,
// mirror them onto the bus, and stream the observer snapshot. Every branch
// is best-effort; observation never fails a run.
func (e *Engine) afterInvocation(ctx context.Context, active session.Component, before invocationView, st *session.State, dur time.Duration) {
	log := e.logger.With("session_id", st.SessionID, "component", string(active))

	if err := e.store.UpdateSession(ctx, st); err != nil {
		log.Warn("session row update failed", "error", err)
	}
	e.cacheSnapshot(ctx, st)

	for _, ev := range e.deriveEvents(ctx, active, before, st) {
		e.emit(ctx, st, ev.Type, ev.Payload)
	}

	e.hub.BroadcastEvent(ctx, st.SessionID, ws.EventStepUpdate, st.Snapshot(active))
	switch {
	case st.Done:
		e.hub.BroadcastEvent(ctx, st.SessionID, ws.EventSessionComplete, ws.SessionCompletePayload{
			SessionID:          st.SessionID,
			FinalSummary:       st.FinalSummary,
			GeneratedArtifacts: st.GeneratedArtifacts,
		})
	case st.Status == session.StatusSuspended:
		e.hub.BroadcastEvent(ctx, st.SessionID, ws.EventReviewRequired, ws.ReviewRequiredPayload{
			SessionID:          st.SessionID,
			Request:            st.Request,
			Summary:            reviewSummary(st),
			Plan:               st.Plan,
			GeneratedArtifacts: st.GeneratedArtifacts,
		})
	}

	if e.metrics != nil {
		e.metrics.InvocationDuration.Record(ctx, dur.Seconds(),
			otel.WithComponent(string(active)))
	}

	log.Debug("component invoked",
		"invocation", st.Invocations,
		"next", string(st.Next),
		"step_index", st.StepIndex,
		"duration_ms", dur.Milliseconds())
}

// derivedEvent pairs a lifecycle event type with its payload.
type derivedEvent struct {
	Type    event.Type
	Payload any
}

// deriveEvents classifies what the invoked component did by comparing the
// pre- and post-invocation state, and returns the lifecycle events to
// record. One invocation can produce more than one event: creating a plan
// and dispatching its first step happen in the same plan-controller pass.
func (e *Engine) deriveEvents(ctx context.Context, active session.Component, before invocationView, st *session.State) []derivedEvent {
	var out []derivedEvent

	switch active {
	case session.ComponentPlanController:
		if before.planLen == 0 && len(st.Plan) > 0 {
			out = append(out, derivedEvent{event.TypePlanCreated, map[string]any{
				"plan":    st.Plan,
				"request": st.Request,
			}})
			if e.metrics != nil {
				e.metrics.PlansCreated.Add(ctx, 1)
			}
		}
		if st.Next == session.ComponentWriteWorker || st.Next == session.ComponentDiagnosticWorker {
			payload := map[string]any{
				"step_index":  st.StepIndex,
				"instruction": st.CurrentInstruction,
			}
			if st.TargetArtifact != "" {
				payload["target_artifact"] = st.TargetArtifact
			}
			out = append(out, derivedEvent{event.TypeStepDispatched, payload})
			if e.metrics != nil {
				e.metrics.StepsDispatched.Add(ctx, 1)
			}
		}

	case session.ComponentWriteWorker, session.ComponentDiagnosticWorker:
		out = append(out, derivedEvent{event.TypeWorkerCompleted, map[string]any{
			"step_index":          st.StepIndex,
			"worker":              string(active),
			"completed":           st.WorkerCompleted,
			"generated_artifacts": st.GeneratedArtifacts,
		}})
		if e.metrics != nil && !st.WorkerCompleted {
			e.metrics.WorkerFailures.Add(ctx, 1,
				otel.WithComponent(string(active)))
		}

	case session.ComponentReviewGate:
		switch {
		case st.Done:
			out = append(out, derivedEvent{event.TypeSessionCompleted, map[string]any{
				"final_summary":       st.FinalSummary,
				"generated_artifacts": st.GeneratedArtifacts,
				"invocations":         st.Invocations,
			}})
		case before.hadFeedback:
			out = append(out, derivedEvent{event.TypeFeedbackReceived, map[string]any{
				"feedback": before.feedback,
				"request":  st.Request,
			}})
			if e.metrics != nil {
				e.metrics.Revisions.Add(ctx, 1)
			}
		default:
			out = append(out, derivedEvent{event.TypeReviewRequested, map[string]any{
				"plan_size":           len(st.Plan),
				"generated_artifacts": st.GeneratedArtifacts,
			}})
		}
	}

	return out
}

// emit appends a lifecycle event to the session's log and mirrors the stored
// envelope onto the message bus for external subscribers.
func (e *Engine) emit(ctx context.Context, st *session.State, t event.Type, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warn("marshal event payload", "type", string(t), "error", err)
		data = nil
	}
	ev := &event.Event{
		SessionID: st.SessionID,
		Type:      t,
		Payload:   data,
	}
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Warn("append event", "session_id", st.SessionID, "type", string(t), "error", err)
		return
	}
	if e.queue == nil || !e.queue.IsConnected() {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := e.queue.Publish(ctx, messagequeue.EventSubject(st.SessionID), body); err != nil {
		e.logger.Warn("publish event", "session_id", st.SessionID, "type", string(t), "error", err)
	}
}

// cacheSnapshot refreshes the serialized-state cache entry, best-effort.
func (e *Engine) cacheSnapshot(ctx context.Context, st *session.State) {
	if e.cache == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, SnapshotCacheKey(st.SessionID), data, e.snapshotTTL); err != nil {
		e.logger.Debug("snapshot cache set failed", "session_id", st.SessionID, "error", err)
	}
}
