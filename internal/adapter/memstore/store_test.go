package memstore_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/planloom/planloom/internal/adapter/memstore"
	"github.com/planloom/planloom/internal/domain"
	"github.com/planloom/planloom/internal/domain/checkpoint"
	"github.com/planloom/planloom/internal/domain/event"
	"github.com/planloom/planloom/internal/domain/memory"
	"github.com/planloom/planloom/internal/domain/session"
)

func newState(id string) *session.State {
	st := session.New(id, "build a csv report script", "/tmp/ws", false)
	st.Plan = []session.Step{
		{Kind: session.WorkerWrite, Instruction: "write the loader", TargetArtifact: "load.py"},
		{Kind: session.WorkerWrite, Instruction: "write the report", TargetArtifact: "report.py"},
	}
	st.StepIndex = 1
	st.RecordArtifact("load.py")
	st.Memory.RecordTurn(memory.RoleUser, "build a csv report script", nil)
	st.Memory.RecordTurn(memory.RoleAssistant, "created load.py", []string{"load.py"})
	st.Memory.RecordArtifactOperation("load.py", memory.OpCreated, "write-worker")
	return st
}

func TestCheckpointRoundTripPreservesState(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	st := newState("sess-1")
	st.NeedsReview = true
	st.Status = session.StatusSuspended
	st.Next = session.ComponentReviewGate

	if err := store.Save(ctx, checkpoint.FromState(st)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := loaded.State
	if !reflect.DeepEqual(got.Plan, st.Plan) {
		t.Errorf("plan = %+v, want %+v", got.Plan, st.Plan)
	}
	if got.StepIndex != st.StepIndex {
		t.Errorf("step index = %d, want %d", got.StepIndex, st.StepIndex)
	}
	if !reflect.DeepEqual(got.GeneratedArtifacts, st.GeneratedArtifacts) {
		t.Errorf("artifacts = %v, want %v", got.GeneratedArtifacts, st.GeneratedArtifacts)
	}
	if !reflect.DeepEqual(got.Memory.Turns, st.Memory.Turns) {
		t.Errorf("turns = %+v, want %+v", got.Memory.Turns, st.Memory.Turns)
	}
	if !reflect.DeepEqual(got.Memory.Artifacts, st.Memory.Artifacts) {
		t.Errorf("artifact events = %+v, want %+v", got.Memory.Artifacts, st.Memory.Artifacts)
	}
	if got.Status != session.StatusSuspended || !got.NeedsReview || got.Next != session.ComponentReviewGate {
		t.Errorf("suspension shape lost: status=%s needsReview=%v next=%s", got.Status, got.NeedsReview, got.Next)
	}
}

func TestSaveIsolatesCallerMutations(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	st := newState("sess-iso")
	if err := store.Save(ctx, checkpoint.FromState(st)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Mutating the live state after Save must not change the stored snapshot.
	st.Plan[0].Instruction = "mutated"
	st.GeneratedArtifacts = append(st.GeneratedArtifacts, "other.py")

	loaded, err := store.Load(ctx, "sess-iso")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.State.Plan[0].Instruction != "write the loader" {
		t.Errorf("stored plan mutated: %q", loaded.State.Plan[0].Instruction)
	}
	if len(loaded.State.GeneratedArtifacts) != 1 {
		t.Errorf("stored artifacts mutated: %v", loaded.State.GeneratedArtifacts)
	}
}

func TestSaveBumpsVersionPerSession(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	a := newState("sess-a")
	b := newState("sess-b")

	cp := checkpoint.FromState(a)
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("Save a: %v", err)
	}
	if cp.Version != 1 {
		t.Errorf("version = %d, want 1", cp.Version)
	}

	cp = checkpoint.FromState(a)
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("Save a again: %v", err)
	}
	if cp.Version != 2 {
		t.Errorf("version = %d, want 2", cp.Version)
	}

	// Versions are per key: session b starts at 1.
	cp = checkpoint.FromState(b)
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("Save b: %v", err)
	}
	if cp.Version != 1 {
		t.Errorf("version = %d, want 1", cp.Version)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store := memstore.New()
	if _, err := store.Load(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := store.Exists(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("Exists = %v, %v; want false, nil", ok, err)
	}
	if err := store.Delete(context.Background(), "nope"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestConcurrentSessionsDoNotInterfere(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("sess-%d", i)
			st := newState(id)
			st.StepIndex = i
			for range 10 {
				if err := store.Save(ctx, checkpoint.FromState(st)); err != nil {
					t.Errorf("Save %s: %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := range 8 {
		id := fmt.Sprintf("sess-%d", i)
		cp, err := store.Load(ctx, id)
		if err != nil {
			t.Fatalf("Load %s: %v", id, err)
		}
		if cp.State.StepIndex != i {
			t.Errorf("%s step index = %d, want %d", id, cp.State.StepIndex, i)
		}
		if cp.Version != 10 {
			t.Errorf("%s version = %d, want 10", id, cp.Version)
		}
	}
}

func TestSessionCRUD(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	st := newState("sess-crud")
	if err := store.CreateSession(ctx, st); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.CreateSession(ctx, st); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate, got %v", err)
	}

	sum, err := store.GetSession(ctx, "sess-crud")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sum.PlanSize != 2 || sum.StepIndex != 1 {
		t.Errorf("summary = %+v", sum)
	}

	st.Done = true
	st.Status = session.StatusDone
	if err := store.UpdateSession(ctx, st); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	sum, _ = store.GetSession(ctx, "sess-crud")
	if !sum.Done || sum.Status != session.StatusDone {
		t.Errorf("summary not updated: %+v", sum)
	}

	if err := store.DeleteSession(ctx, "sess-crud"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(ctx, "sess-crud"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	for i := range 5 {
		st := newState(fmt.Sprintf("sess-list-%d", i))
		st.CreatedAt = time.Date(2025, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := store.CreateSession(ctx, st); err != nil {
			t.Fatalf("CreateSession %d: %v", i, err)
		}
	}

	sums, err := store.ListSessions(ctx, 3, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sums) != 3 {
		t.Fatalf("len = %d, want 3", len(sums))
	}
	if sums[0].SessionID != "sess-list-4" {
		t.Errorf("first = %s, want sess-list-4", sums[0].SessionID)
	}

	rest, err := store.ListSessions(ctx, 10, 3)
	if err != nil {
		t.Fatalf("ListSessions offset: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("offset page len = %d, want 2", len(rest))
	}
}

func TestEventAppendAssignsSequence(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	for i := range 4 {
		ev := &event.Event{SessionID: "sess-ev", Type: event.TypeStepDispatched}
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if ev.Seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", ev.Seq, i+1)
		}
		if ev.ID == "" {
			t.Error("expected assigned event ID")
		}
	}

	page, err := store.LoadBySession(ctx, "sess-ev", "", 2)
	if err != nil {
		t.Fatalf("LoadBySession: %v", err)
	}
	if len(page.Events) != 2 || !page.HasMore || page.Cursor != "2" {
		t.Fatalf("page = %+v", page)
	}

	page2, err := store.LoadBySession(ctx, "sess-ev", page.Cursor, 10)
	if err != nil {
		t.Fatalf("LoadBySession page2: %v", err)
	}
	if len(page2.Events) != 2 || page2.HasMore {
		t.Fatalf("page2 = %+v", page2)
	}
	if page2.Events[0].Seq != 3 {
		t.Errorf("page2 first seq = %d, want 3", page2.Events[0].Seq)
	}
}
