package workflow

import (
	"context"
	"testing"
	"time"
)

func linearWorkflow(id string) *Workflow {
	return &Workflow{
		ID:          id,
		UserID:      "u1",
		Name:        "linear",
		IsActive:    true,
		TriggerType: TriggerManual,
		State:       StatusPending,
		Nodes: []Node{
			{ID: "n1", Type: "condition"},
			{ID: "n2", Type: "swap"},
		},
		Edges: []Edge{
			{Source: "n1", Target: "n2", Label: EdgeOnTrue},
		},
	}
}

func TestValidate(t *testing.T) {
	wf := linearWorkflow("wf1")
	if err := wf.Validate(); err != nil {
		t.Fatalf("valid workflow rejected: %v", err)
	}

	empty := &Workflow{ID: "wf2"}
	if err := empty.Validate(); err == nil {
		t.Fatal("expected error for empty graph")
	}

	dup := linearWorkflow("wf3")
	dup.Nodes = append(dup.Nodes, Node{ID: "n1", Type: "swap"})
	if err := dup.Validate(); err == nil {
		t.Fatal("expected error for duplicate node IDs")
	}

	dangling := linearWorkflow("wf4")
	dangling.Edges = append(dangling.Edges, Edge{Source: "n2", Target: "missing"})
	if err := dangling.Validate(); err == nil {
		t.Fatal("expected error for edge to unknown node")
	}

	cycle := &Workflow{
		ID: "wf5",
		Nodes: []Node{
			{ID: "a", Type: "condition"},
			{ID: "b", Type: "condition"},
		},
		Edges: []Edge{
			{Source: "a", Target: "b", Label: EdgeOnTrue},
			{Source: "b", Target: "a", Label: EdgeOnTrue},
		},
	}
	if err := cycle.Validate(); err == nil {
		t.Fatal("expected error for graph with no entry node")
	}
}

func TestEntryNodeID(t *testing.T) {
	wf := linearWorkflow("wf1")
	if entry := wf.EntryNodeID(); entry != "n1" {
		t.Fatalf("expected n1 as entry, got %s", entry)
	}

	// 入口有多个候选时按 Nodes 顺序取第一个。
	multi := &Workflow{
		Nodes: []Node{
			{ID: "x", Type: "swap"},
			{ID: "y", Type: "swap"},
			{ID: "z", Type: "swap"},
		},
		Edges: []Edge{{Source: "x", Target: "z"}},
	}
	if entry := multi.EntryNodeID(); entry != "x" {
		t.Fatalf("expected x as entry, got %s", entry)
	}
}

func TestCanTrigger(t *testing.T) {
	wf := linearWorkflow("wf1")
	if !wf.CanTrigger() {
		t.Fatal("pending active workflow should be triggerable")
	}

	wf.State = StatusExecuting
	if wf.CanTrigger() {
		t.Fatal("executing workflow must not be triggerable")
	}

	wf.State = StatusPending
	wf.IsActive = false
	if wf.CanTrigger() {
		t.Fatal("inactive workflow must not be triggerable")
	}
}

func TestScheduleRetry(t *testing.T) {
	wf := linearWorkflow("wf1")
	wf.MaxRetries = 2

	if !wf.CanRetry() {
		t.Fatal("expected retry budget")
	}
	wf.ScheduleRetry(time.Minute)
	if wf.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", wf.RetryCount)
	}
	if wf.State != StatusPending {
		t.Fatalf("expected pending after retry scheduling, got %s", wf.State)
	}
	if wf.NextCheckAt == nil || !wf.NextCheckAt.After(time.Now()) {
		t.Fatal("expected next check in the future")
	}

	wf.ScheduleRetry(time.Minute)
	if wf.CanRetry() {
		t.Fatal("retry budget should be exhausted")
	}
}

func TestMemoryStoreTransition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	wf := linearWorkflow("wf1")
	if err := store.Create(ctx, wf); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := store.Transition(ctx, "wf1", []Status{StatusPending, StatusActive}, StatusTriggered)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !ok {
		t.Fatal("expected first transition to claim the workflow")
	}

	// 第二次抢占必须失败：前置状态已不满足。
	ok, err = store.Transition(ctx, "wf1", []Status{StatusPending, StatusActive}, StatusTriggered)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatal("expected second transition to lose the claim")
	}

	got, err := store.Get(ctx, "wf1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StatusTriggered {
		t.Fatalf("expected triggered, got %s", got.State)
	}
	if got.LastTriggeredAt == nil {
		t.Fatal("expected LastTriggeredAt to be stamped")
	}

	if _, err := store.Transition(ctx, "missing", []Status{StatusPending}, StatusTriggered); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestMemoryStoreListDue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	due := linearWorkflow("a-due")
	past := now.Add(-time.Minute)
	due.NextCheckAt = &past
	if err := store.Create(ctx, due); err != nil {
		t.Fatalf("create: %v", err)
	}

	future := linearWorkflow("b-future")
	later := now.Add(time.Hour)
	future.NextCheckAt = &later
	if err := store.Create(ctx, future); err != nil {
		t.Fatalf("create: %v", err)
	}

	inactive := linearWorkflow("c-inactive")
	inactive.IsActive = false
	if err := store.Create(ctx, inactive); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 没有排期的工作流视为到期。
	unscheduled := linearWorkflow("d-unscheduled")
	if err := store.Create(ctx, unscheduled); err != nil {
		t.Fatalf("create: %v", err)
	}

	results, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 due workflows, got %d", len(results))
	}
	if results[0].ID != "a-due" || results[1].ID != "d-unscheduled" {
		t.Fatalf("unexpected due set: %s, %s", results[0].ID, results[1].ID)
	}
}

func TestUpdateTriggerStateKeepsConfig(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	wf := linearWorkflow("wf1")
	wf.TriggerType = TriggerPolling
	wf.TriggerConfig = map[string]any{"source": "evm", "chain": "ethereum"}
	if err := store.Create(ctx, wf); err != nil {
		t.Fatalf("create: %v", err)
	}

	next := time.Now().Add(30 * time.Second)
	state := map[string]any{"last_checked_block": uint64(100)}
	if err := store.UpdateTriggerState(ctx, "wf1", state, &next); err != nil {
		t.Fatalf("update trigger state: %v", err)
	}

	got, err := store.Get(ctx, "wf1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TriggerConfig["source"] != "evm" {
		t.Fatal("trigger config must not be touched by state updates")
	}
	if got.TriggerState["last_checked_block"] != uint64(100) {
		t.Fatalf("unexpected cursor: %v", got.TriggerState["last_checked_block"])
	}
	if got.NextCheckAt == nil || !got.NextCheckAt.Equal(next) {
		t.Fatal("expected next check to be persisted")
	}
}
