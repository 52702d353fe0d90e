package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/copilfi/copil/internal/market"
	"github.com/copilfi/copil/internal/workflow"
)

type priceStub struct {
	price float64
	err   error
}

func (p *priceStub) GetPrice(context.Context, string) (*market.PriceQuote, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &market.PriceQuote{Asset: "ethereum", Price: p.price, Currency: "usd", Source: "stub"}, nil
}

type blockStub struct {
	height uint64
}

func (b *blockStub) LatestBlock(context.Context, string) (uint64, error) {
	return b.height, nil
}

type feedStub struct {
	latest time.Time
}

func (f *feedStub) LatestEntry(context.Context, string) (time.Time, error) {
	return f.latest, nil
}

func priceWorkflow(condition string, threshold float64) *workflow.Workflow {
	return &workflow.Workflow{
		ID:          "wf1",
		IsActive:    true,
		State:       workflow.StatusActive,
		TriggerType: workflow.TriggerPrice,
		TriggerConfig: map[string]any{
			"asset":     "ethereum",
			"condition": condition,
			"threshold": threshold,
		},
	}
}

func TestEvaluatePrice(t *testing.T) {
	ctx := context.Background()
	ev := NewEvaluator(&priceStub{price: 3500}, nil, nil)

	fired, state, err := ev.Evaluate(ctx, priceWorkflow("above", 3000))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !fired {
		t.Fatal("expected above-threshold price to fire")
	}
	if state["last_price"] != 3500.0 {
		t.Fatalf("expected observed price in state, got %v", state["last_price"])
	}

	fired, _, err = ev.Evaluate(ctx, priceWorkflow("above", 4000))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired {
		t.Fatal("price below threshold must not fire above-trigger")
	}

	fired, _, err = ev.Evaluate(ctx, priceWorkflow("below", 4000))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !fired {
		t.Fatal("expected below-threshold trigger to fire")
	}

	if _, _, err := ev.Evaluate(ctx, priceWorkflow("sideways", 1)); err == nil {
		t.Fatal("expected unknown condition to be rejected")
	}
}

func TestEvaluateSchedule(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ev := NewEvaluator(nil, nil, nil, WithClock(func() time.Time { return now }))

	wf := &workflow.Workflow{
		ID:          "wf1",
		IsActive:    true,
		State:       workflow.StatusActive,
		TriggerType: workflow.TriggerSchedule,
		TriggerConfig: map[string]any{
			"interval_seconds": 3600,
			"recurring":        true,
		},
	}

	// 从未排期过：立即触发。
	fired, state, err := ev.Evaluate(ctx, wf)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !fired {
		t.Fatal("unscheduled workflow should fire immediately")
	}
	if state["last_fired_at"] != now.Unix() {
		t.Fatalf("unexpected state: %v", state)
	}

	// 排期在未来：不触发。
	future := now.Add(time.Hour)
	wf.NextCheckAt = &future
	fired, _, err = ev.Evaluate(ctx, wf)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired {
		t.Fatal("future schedule must not fire")
	}

	// 已到期：触发。
	past := now.Add(-time.Minute)
	wf.NextCheckAt = &past
	fired, _, err = ev.Evaluate(ctx, wf)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !fired {
		t.Fatal("due schedule should fire")
	}
}

func TestEvaluateChainPollingPrimesCursor(t *testing.T) {
	ctx := context.Background()
	blocks := &blockStub{height: 1000}
	ev := NewEvaluator(nil, blocks, nil)

	wf := &workflow.Workflow{
		ID:          "wf1",
		IsActive:    true,
		State:       workflow.StatusActive,
		TriggerType: workflow.TriggerPolling,
		TriggerConfig: map[string]any{
			"source": "evm",
			"chain":  "ethereum",
		},
	}

	// 第一次观测只建立游标，不触发。
	fired, state, err := ev.Evaluate(ctx, wf)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired {
		t.Fatal("first observation must prime without firing")
	}
	if state["last_checked_block"] != uint64(1000) {
		t.Fatalf("expected cursor at 1000, got %v", state["last_checked_block"])
	}

	// 游标持久化后再遇到新块才触发。状态经过 JSON 往返会变成
	// float64，求值器必须兼容。
	wf.TriggerState = map[string]any{"last_checked_block": float64(1000)}
	fired, _, err = ev.Evaluate(ctx, wf)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired {
		t.Fatal("no new blocks, must not fire")
	}

	blocks.height = 1001
	fired, state, err = ev.Evaluate(ctx, wf)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !fired {
		t.Fatal("new block past the cursor should fire")
	}
	if state["last_checked_block"] != uint64(1001) {
		t.Fatalf("cursor must advance, got %v", state["last_checked_block"])
	}
}

func TestEvaluateChainPollingMinNewBlocks(t *testing.T) {
	ctx := context.Background()
	blocks := &blockStub{height: 1004}
	ev := NewEvaluator(nil, blocks, nil)

	wf := &workflow.Workflow{
		ID:          "wf1",
		IsActive:    true,
		State:       workflow.StatusActive,
		TriggerType: workflow.TriggerPolling,
		TriggerConfig: map[string]any{
			"source":         "evm",
			"chain":          "ethereum",
			"min_new_blocks": 5,
		},
		TriggerState: map[string]any{"last_checked_block": float64(1000)},
	}

	fired, _, err := ev.Evaluate(ctx, wf)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired {
		t.Fatal("4 new blocks under a threshold of 5 must not fire")
	}

	blocks.height = 1005
	fired, _, err = ev.Evaluate(ctx, wf)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !fired {
		t.Fatal("5 new blocks should fire")
	}
}

func TestEvaluateFeedPolling(t *testing.T) {
	ctx := context.Background()
	entry := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	feeds := &feedStub{latest: entry}
	ev := NewEvaluator(nil, nil, feeds)

	wf := &workflow.Workflow{
		ID:          "wf1",
		IsActive:    true,
		State:       workflow.StatusActive,
		TriggerType: workflow.TriggerPolling,
		TriggerConfig: map[string]any{
			"source": "feed",
			"url":    "https://example.com/feed.xml",
		},
	}

	fired, state, err := ev.Evaluate(ctx, wf)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired {
		t.Fatal("first feed observation must prime without firing")
	}
	if state["last_entry_timestamp"] != entry.Unix() {
		t.Fatalf("unexpected cursor: %v", state["last_entry_timestamp"])
	}

	wf.TriggerState = map[string]any{"last_entry_timestamp": float64(entry.Unix())}
	feeds.latest = entry.Add(time.Hour)
	fired, _, err = ev.Evaluate(ctx, wf)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !fired {
		t.Fatal("newer feed entry should fire")
	}
}

func TestEvaluateManualNeverFires(t *testing.T) {
	ctx := context.Background()
	ev := NewEvaluator(nil, nil, nil)

	wf := &workflow.Workflow{
		ID:          "wf1",
		IsActive:    true,
		State:       workflow.StatusActive,
		TriggerType: workflow.TriggerManual,
	}
	fired, _, err := ev.Evaluate(ctx, wf)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired {
		t.Fatal("manual workflows only fire through the API")
	}
}

func TestEvaluateUnknownTriggerType(t *testing.T) {
	ctx := context.Background()
	ev := NewEvaluator(nil, nil, nil)

	wf := &workflow.Workflow{ID: "wf1", TriggerType: workflow.TriggerType("telepathy")}
	if _, _, err := ev.Evaluate(ctx, wf); err == nil {
		t.Fatal("expected unknown trigger type to be rejected")
	}
}
