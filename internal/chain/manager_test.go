package chain

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// stubProvider implements Provider with overridable behaviour per test.
type stubProvider struct {
	name        string
	swapQuote   func(ctx context.Context, req SwapRequest) (*SwapQuote, error)
	executeSwap func(ctx context.Context, quote *SwapQuote, auth *ExecutionAuth) (*TransactionResult, error)
	health      func(ctx context.Context) error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) GetSwapQuote(ctx context.Context, req SwapRequest) (*SwapQuote, error) {
	if s.swapQuote == nil {
		return nil, ErrNotImplemented
	}
	return s.swapQuote(ctx, req)
}

func (s *stubProvider) ExecuteSwap(ctx context.Context, quote *SwapQuote, auth *ExecutionAuth) (*TransactionResult, error) {
	if s.executeSwap == nil {
		return nil, ErrNotImplemented
	}
	return s.executeSwap(ctx, quote, auth)
}

func (s *stubProvider) GetBridgeQuote(context.Context, BridgeRequest) (*BridgeQuote, error) {
	return nil, ErrNotImplemented
}

func (s *stubProvider) ExecuteBridge(context.Context, *BridgeQuote, *ExecutionAuth) (*TransactionResult, error) {
	return nil, ErrNotImplemented
}

func (s *stubProvider) GetStakingQuote(context.Context, StakingRequest) (*StakingQuote, error) {
	return nil, ErrNotImplemented
}

func (s *stubProvider) ExecuteStaking(context.Context, *StakingQuote, *ExecutionAuth) (*TransactionResult, error) {
	return nil, ErrNotImplemented
}

func (s *stubProvider) GetLendingQuote(context.Context, LendingRequest) (*LendingQuote, error) {
	return nil, ErrNotImplemented
}

func (s *stubProvider) ExecuteSupply(context.Context, *LendingQuote, *ExecutionAuth) (*TransactionResult, error) {
	return nil, ErrNotImplemented
}

func (s *stubProvider) GetPortfolio(context.Context, string) (*Portfolio, error) {
	return nil, ErrNotImplemented
}

func (s *stubProvider) GetOnchainData(context.Context, DataRequest) (*OnchainData, error) {
	return nil, ErrNotImplemented
}

func (s *stubProvider) GetTransactionStatus(context.Context, string, string) (*TransactionResult, error) {
	return nil, ErrNotImplemented
}

func (s *stubProvider) HealthCheck(ctx context.Context) error {
	if s.health == nil {
		return nil
	}
	return s.health(ctx)
}

func TestManagerCascadesToFallback(t *testing.T) {
	ctx := context.Background()
	primary := &stubProvider{
		name: "primary",
		swapQuote: func(context.Context, SwapRequest) (*SwapQuote, error) {
			return nil, stdErrors.New("boom")
		},
	}
	secondary := &stubProvider{
		name: "secondary",
		swapQuote: func(context.Context, SwapRequest) (*SwapQuote, error) {
			return &SwapQuote{QuoteID: "q1", Provider: "secondary"}, nil
		},
	}

	m := NewManager(3, time.Minute, []Provider{primary, secondary})
	quote, err := m.GetSwapQuote(ctx, SwapRequest{Chain: "ethereum"})
	if err != nil {
		t.Fatalf("expected fallback to serve the quote: %v", err)
	}
	if quote.Provider != "secondary" {
		t.Fatalf("expected secondary provider, got %s", quote.Provider)
	}
}

func TestManagerBreakerSkipsUnhealthyProvider(t *testing.T) {
	ctx := context.Background()
	calls := 0
	primary := &stubProvider{
		name: "primary",
		swapQuote: func(context.Context, SwapRequest) (*SwapQuote, error) {
			calls++
			return nil, stdErrors.New("boom")
		},
	}
	secondary := &stubProvider{
		name: "secondary",
		swapQuote: func(context.Context, SwapRequest) (*SwapQuote, error) {
			return &SwapQuote{QuoteID: "q1", Provider: "secondary"}, nil
		},
	}

	m := NewManager(2, time.Hour, []Provider{primary, secondary})
	for i := 0; i < 3; i++ {
		if _, err := m.GetSwapQuote(ctx, SwapRequest{}); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	// 第三次请求时主服务商的熔断器已打开，不再被调用。
	if calls != 2 {
		t.Fatalf("expected 2 primary calls before the breaker opened, got %d", calls)
	}
}

func TestManagerNotImplementedDoesNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	primary := &stubProvider{name: "primary"} // 所有操作都返回 NotImplemented
	secondary := &stubProvider{
		name: "secondary",
		swapQuote: func(context.Context, SwapRequest) (*SwapQuote, error) {
			return &SwapQuote{QuoteID: "q1", Provider: "secondary"}, nil
		},
	}

	m := NewManager(1, time.Hour, []Provider{primary, secondary})
	for i := 0; i < 5; i++ {
		if _, err := m.GetSwapQuote(ctx, SwapRequest{}); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if m.providers[0].breaker.Open() {
		t.Fatal("NotImplemented must never open the breaker")
	}
}

func TestManagerTotalServiceFailure(t *testing.T) {
	ctx := context.Background()
	primary := &stubProvider{
		name: "primary",
		swapQuote: func(context.Context, SwapRequest) (*SwapQuote, error) {
			return nil, stdErrors.New("primary down")
		},
	}
	secondary := &stubProvider{
		name: "secondary",
		swapQuote: func(context.Context, SwapRequest) (*SwapQuote, error) {
			return nil, stdErrors.New("secondary down")
		},
	}

	m := NewManager(3, time.Minute, []Provider{primary, secondary})
	_, err := m.GetSwapQuote(ctx, SwapRequest{})
	if err == nil {
		t.Fatal("expected composite failure")
	}
	if xerrors.CodeOf(err) != CodeTotalServiceFailure {
		t.Fatalf("expected TOTAL_SERVICE_FAILURE, got %s", xerrors.CodeOf(err))
	}
}

func TestManagerExecutePinsToQuoteProvider(t *testing.T) {
	ctx := context.Background()
	executed := ""
	primary := &stubProvider{
		name: "primary",
		executeSwap: func(_ context.Context, quote *SwapQuote, _ *ExecutionAuth) (*TransactionResult, error) {
			executed = "primary"
			return &TransactionResult{Hash: "0xabc", Provider: "primary"}, nil
		},
	}
	secondary := &stubProvider{
		name: "secondary",
		executeSwap: func(context.Context, *SwapQuote, *ExecutionAuth) (*TransactionResult, error) {
			executed = "secondary"
			return &TransactionResult{Hash: "0xdef", Provider: "secondary"}, nil
		},
	}

	m := NewManager(3, time.Minute, []Provider{primary, secondary})
	quote := &SwapQuote{
		QuoteID:   "q1",
		Provider:  "secondary",
		ExpiresAt: time.Now().Add(time.Minute),
	}
	result, err := m.ExecuteSwap(ctx, quote, &ExecutionAuth{Address: "0x1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executed != "secondary" || result.Provider != "secondary" {
		t.Fatal("execution must pin to the provider that priced the quote")
	}
}

func TestManagerExecuteRejectsExpiredQuote(t *testing.T) {
	ctx := context.Background()
	m := NewManager(3, time.Minute, []Provider{&stubProvider{name: "primary"}})

	quote := &SwapQuote{
		QuoteID:   "q1",
		Provider:  "primary",
		ExpiresAt: time.Now().Add(-time.Second),
	}
	_, err := m.ExecuteSwap(ctx, quote, nil)
	if !stdErrors.Is(err, ErrQuoteExpired) {
		t.Fatalf("expected quote-expired error, got %v", err)
	}
}

func TestManagerHealthCheck(t *testing.T) {
	ctx := context.Background()
	healthy := &stubProvider{name: "up"}
	sick := &stubProvider{
		name:   "down",
		health: func(context.Context) error { return stdErrors.New("unreachable") },
	}

	m := NewManager(3, time.Minute, []Provider{healthy, sick})
	results := m.HealthCheck(ctx)
	if len(results) != 2 {
		t.Fatalf("expected 2 health entries, got %d", len(results))
	}
	if !results[0].Healthy || results[0].Provider != "up" {
		t.Fatalf("unexpected first entry: %+v", results[0])
	}
	if results[1].Healthy || results[1].Error == "" {
		t.Fatalf("unexpected second entry: %+v", results[1])
	}
}
