package dispatch

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/copilfi/copil/internal/workflow"
)

// evaluatorStub 返回固定的判定结果。
type evaluatorStub struct {
	fired bool
	state map[string]any
	err   error
	calls int
}

func (e *evaluatorStub) Evaluate(context.Context, *workflow.Workflow) (bool, map[string]any, error) {
	e.calls++
	return e.fired, e.state, e.err
}

type producerStub struct {
	published []string
	err       error
}

func (p *producerStub) Publish(_ context.Context, workflowID string) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, workflowID)
	return nil
}

func (p *producerStub) Close() error { return nil }

func activeWorkflow(id string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:          id,
		UserID:      "u1",
		Name:        "wf",
		IsActive:    true,
		TriggerType: workflow.TriggerPrice,
		State:       workflow.StatusActive,
		Nodes:       []workflow.Node{{ID: "n1", Type: "condition"}},
	}
}

func TestSweepFiredWorkflowIsQueued(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	producer := &producerStub{}
	eval := &evaluatorStub{fired: true, state: map[string]any{"last_price": 3500.0}}

	if err := store.Create(ctx, activeWorkflow("wf1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	d := NewDispatcher(store, eval, producer, time.Second, 10)
	if err := d.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(producer.published) != 1 || producer.published[0] != "wf1" {
		t.Fatalf("expected wf1 queued, got %v", producer.published)
	}

	got, err := store.Get(ctx, "wf1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != workflow.StatusTriggered {
		t.Fatalf("expected triggered, got %s", got.State)
	}
	if got.TriggerState["last_price"] != 3500.0 {
		t.Fatalf("trigger state not persisted: %v", got.TriggerState)
	}
}

func TestSweepPersistsCursorWithoutFiring(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	producer := &producerStub{}
	eval := &evaluatorStub{fired: false, state: map[string]any{"last_checked_block": uint64(1000)}}

	if err := store.Create(ctx, activeWorkflow("wf1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	d := NewDispatcher(store, eval, producer, time.Second, 10)
	if err := d.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(producer.published) != 0 {
		t.Fatalf("nothing should be queued, got %v", producer.published)
	}

	got, err := store.Get(ctx, "wf1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// 未命中也要推进游标，否则轮询会重复观测同一段历史。
	if got.TriggerState["last_checked_block"] != uint64(1000) {
		t.Fatalf("cursor not persisted: %v", got.TriggerState)
	}
	if got.State != workflow.StatusActive {
		t.Fatalf("state must stay active, got %s", got.State)
	}
	if got.NextCheckAt == nil {
		t.Fatal("expected the workflow to be rescheduled")
	}
}

func TestSweepRollsBackOnPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	producer := &producerStub{err: stdErrors.New("broker down")}
	eval := &evaluatorStub{fired: true}

	if err := store.Create(ctx, activeWorkflow("wf1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	d := NewDispatcher(store, eval, producer, time.Second, 10)
	// Sweep 本身不返回单个工作流的错误。
	if err := d.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := store.Get(ctx, "wf1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// 投递失败后回滚到 pending，等下一轮重试。
	if got.State != workflow.StatusPending {
		t.Fatalf("expected rollback to pending, got %s", got.State)
	}
}

func TestSweepSkipsEvaluationErrors(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	producer := &producerStub{}

	if err := store.Create(ctx, activeWorkflow("wf1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, activeWorkflow("wf2")); err != nil {
		t.Fatalf("create: %v", err)
	}

	eval := &evaluatorStub{err: stdErrors.New("rpc down")}
	d := NewDispatcher(store, eval, producer, time.Second, 10)
	if err := d.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// 两个工作流都被判定过：一个失败不会中断整轮扫描。
	if eval.calls != 2 {
		t.Fatalf("expected both workflows evaluated, got %d", eval.calls)
	}
	if len(producer.published) != 0 {
		t.Fatalf("nothing should be queued, got %v", producer.published)
	}
}

func TestDispatcherScheduleKeepsUserInterval(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	producer := &producerStub{}
	eval := &evaluatorStub{fired: true}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	wf := activeWorkflow("wf1")
	wf.TriggerType = workflow.TriggerSchedule
	wf.TriggerConfig = map[string]any{"interval_seconds": 3600, "recurring": true}
	if err := store.Create(ctx, wf); err != nil {
		t.Fatalf("create: %v", err)
	}

	d := NewDispatcher(store, eval, producer, time.Second, 10,
		WithDispatcherClock(func() time.Time { return now }))
	if err := d.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := store.Get(ctx, "wf1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := now.Add(time.Hour)
	if got.NextCheckAt == nil || !got.NextCheckAt.Equal(want) {
		t.Fatalf("expected next check at %v, got %v", want, got.NextCheckAt)
	}
}

func TestExecuteNow(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	producer := &producerStub{}
	d := NewDispatcher(store, &evaluatorStub{}, producer, time.Second, 10)

	if err := store.Create(ctx, activeWorkflow("wf1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := d.ExecuteNow(ctx, "wf1"); err != nil {
		t.Fatalf("execute now: %v", err)
	}
	if len(producer.published) != 1 || producer.published[0] != "wf1" {
		t.Fatalf("expected wf1 queued, got %v", producer.published)
	}

	// 已经触发中的工作流再次手动执行返回冲突。
	if err := d.ExecuteNow(ctx, "wf1"); !stdErrors.Is(err, workflow.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := d.ExecuteNow(ctx, "ghost"); !stdErrors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
