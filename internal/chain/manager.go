package chain

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
	"github.com/copilfi/copil/pkg/logger"
)

// gated pairs a provider with its own breaker.
type gated struct {
	provider Provider
	breaker  *Breaker
}

// Manager fronts the configured providers in priority order. Calls go
// to the first provider whose breaker allows them; failures cascade to
// the next. When every provider fails, the caller gets a composite
// TOTAL_SERVICE_FAILURE wrapping all underlying errors.
type Manager struct {
	providers []gated
	log       *slog.Logger
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLogger overrides the default component logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager builds a Manager over the given providers, in priority
// order. Each provider gets its own breaker with the same thresholds.
func NewManager(failMax int, resetTimeout time.Duration, providers []Provider, opts ...ManagerOption) *Manager {
	m := &Manager{log: logger.Named("chain")}
	for _, p := range providers {
		if p == nil {
			continue
		}
		m.providers = append(m.providers, gated{provider: p, breaker: NewBreaker(failMax, resetTimeout)})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// call walks the provider chain for one operation. NotImplemented
// moves to the next provider without touching the breaker.
func call[T any](ctx context.Context, m *Manager, op string, fn func(Provider) (T, error)) (T, error) {
	var zero T
	var failures []error

	for _, g := range m.providers {
		if !g.breaker.Allow() {
			m.log.Warn("provider skipped, breaker open", "op", op, "provider", g.provider.Name())
			failures = append(failures, fmt.Errorf("%s: breaker open", g.provider.Name()))
			continue
		}
		result, err := fn(g.provider)
		if err == nil {
			g.breaker.Success()
			return result, nil
		}
		if stdErrors.Is(err, ErrNotImplemented) {
			failures = append(failures, fmt.Errorf("%s: %w", g.provider.Name(), err))
			continue
		}
		g.breaker.Failure()
		m.log.Warn("provider call failed", "op", op, "provider", g.provider.Name(), "error", err)
		failures = append(failures, fmt.Errorf("%s: %w", g.provider.Name(), err))
	}

	if len(failures) == 0 {
		return zero, xerrors.New(xerrors.CodeInitializationFailure, "no providers configured")
	}
	return zero, xerrors.Wrap(CodeTotalServiceFailure, stdErrors.Join(failures...),
		fmt.Sprintf("all providers failed for %s", op))
}

// GetSwapQuote returns a swap quote from the first healthy provider.
func (m *Manager) GetSwapQuote(ctx context.Context, req SwapRequest) (*SwapQuote, error) {
	return call(ctx, m, "get_swap_quote", func(p Provider) (*SwapQuote, error) {
		return p.GetSwapQuote(ctx, req)
	})
}

// ExecuteSwap executes a swap quote on the provider that priced it.
// Executing a quote on a different provider is never valid, so the
// call pins to the quote's provider instead of cascading.
func (m *Manager) ExecuteSwap(ctx context.Context, quote *SwapQuote, auth *ExecutionAuth) (*TransactionResult, error) {
	if quote.Expired(time.Now()) {
		return nil, ErrQuoteExpired
	}
	return m.pinned(quote.Provider, "execute_swap", func(p Provider) (*TransactionResult, error) {
		return p.ExecuteSwap(ctx, quote, auth)
	})
}

// GetBridgeQuote returns a bridge quote from the first healthy provider.
func (m *Manager) GetBridgeQuote(ctx context.Context, req BridgeRequest) (*BridgeQuote, error) {
	return call(ctx, m, "get_bridge_quote", func(p Provider) (*BridgeQuote, error) {
		return p.GetBridgeQuote(ctx, req)
	})
}

// ExecuteBridge executes a bridge quote on the provider that priced it.
func (m *Manager) ExecuteBridge(ctx context.Context, quote *BridgeQuote, auth *ExecutionAuth) (*TransactionResult, error) {
	if quote.Expired(time.Now()) {
		return nil, ErrQuoteExpired
	}
	return m.pinned(quote.Provider, "execute_bridge", func(p Provider) (*TransactionResult, error) {
		return p.ExecuteBridge(ctx, quote, auth)
	})
}

// GetStakingQuote returns a staking quote from the first healthy provider.
func (m *Manager) GetStakingQuote(ctx context.Context, req StakingRequest) (*StakingQuote, error) {
	return call(ctx, m, "get_staking_quote", func(p Provider) (*StakingQuote, error) {
		return p.GetStakingQuote(ctx, req)
	})
}

// ExecuteStaking executes a staking quote on the provider that priced it.
func (m *Manager) ExecuteStaking(ctx context.Context, quote *StakingQuote, auth *ExecutionAuth) (*TransactionResult, error) {
	if quote.Expired(time.Now()) {
		return nil, ErrQuoteExpired
	}
	return m.pinned(quote.Provider, "execute_staking", func(p Provider) (*TransactionResult, error) {
		return p.ExecuteStaking(ctx, quote, auth)
	})
}

// GetLendingQuote returns a lending quote from the first healthy provider.
func (m *Manager) GetLendingQuote(ctx context.Context, req LendingRequest) (*LendingQuote, error) {
	return call(ctx, m, "get_lending_quote", func(p Provider) (*LendingQuote, error) {
		return p.GetLendingQuote(ctx, req)
	})
}

// ExecuteSupply executes a lending supply on the provider that priced it.
func (m *Manager) ExecuteSupply(ctx context.Context, quote *LendingQuote, auth *ExecutionAuth) (*TransactionResult, error) {
	if quote.Expired(time.Now()) {
		return nil, ErrQuoteExpired
	}
	return m.pinned(quote.Provider, "execute_supply", func(p Provider) (*TransactionResult, error) {
		return p.ExecuteSupply(ctx, quote, auth)
	})
}

// GetPortfolio returns an address's portfolio from the first healthy provider.
func (m *Manager) GetPortfolio(ctx context.Context, address string) (*Portfolio, error) {
	return call(ctx, m, "get_portfolio", func(p Provider) (*Portfolio, error) {
		return p.GetPortfolio(ctx, address)
	})
}

// GetOnchainData reads a chain data point from the first healthy provider.
func (m *Manager) GetOnchainData(ctx context.Context, req DataRequest) (*OnchainData, error) {
	return call(ctx, m, "get_onchain_data", func(p Provider) (*OnchainData, error) {
		return p.GetOnchainData(ctx, req)
	})
}

// GetTransactionStatus looks up a transaction from the first healthy provider.
func (m *Manager) GetTransactionStatus(ctx context.Context, chainName, hash string) (*TransactionResult, error) {
	return call(ctx, m, "get_transaction_status", func(p Provider) (*TransactionResult, error) {
		return p.GetTransactionStatus(ctx, chainName, hash)
	})
}

// RegisterWorkflow routes directly to the first provider implementing
// Registrar. Registration never goes through the settlement API.
func (m *Manager) RegisterWorkflow(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error) {
	for _, g := range m.providers {
		registrar, ok := g.provider.(Registrar)
		if !ok {
			continue
		}
		result, err := registrar.RegisterWorkflow(ctx, req)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, ErrNotImplemented
}

// Health reports per-provider health plus each breaker's gate state.
type Health struct {
	Provider    string `json:"provider"`
	Healthy     bool   `json:"healthy"`
	BreakerOpen bool   `json:"breaker_open"`
	Error       string `json:"error,omitempty"`
}

// HealthCheck probes every provider.
func (m *Manager) HealthCheck(ctx context.Context) []Health {
	results := make([]Health, 0, len(m.providers))
	for _, g := range m.providers {
		h := Health{Provider: g.provider.Name(), BreakerOpen: g.breaker.Open()}
		if err := g.provider.HealthCheck(ctx); err != nil {
			h.Error = err.Error()
		} else {
			h.Healthy = true
		}
		results = append(results, h)
	}
	return results
}

func (m *Manager) pinned(name, op string, fn func(Provider) (*TransactionResult, error)) (*TransactionResult, error) {
	for _, g := range m.providers {
		if g.provider.Name() != name {
			continue
		}
		result, err := fn(g.provider)
		if err != nil {
			if !stdErrors.Is(err, ErrNotImplemented) && !stdErrors.Is(err, ErrQuoteExpired) {
				g.breaker.Failure()
				m.log.Warn("provider call failed", "op", op, "provider", name, "error", err)
			}
			return nil, err
		}
		g.breaker.Success()
		return result, nil
	}
	return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown provider %q", name))
}
