package chain

import (
	"context"
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// SwapRequest describes a token swap the caller wants priced.
type SwapRequest struct {
	Chain       string `json:"chain"`
	FromToken   string `json:"from_token"`
	ToToken     string `json:"to_token"`
	FromAmount  string `json:"from_amount"`
	FromAddress string `json:"from_address"`
}

// BridgeRequest describes a cross-chain transfer.
type BridgeRequest struct {
	FromChain   string `json:"from_chain"`
	ToChain     string `json:"to_chain"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	FromAddress string `json:"from_address"`
}

// StakingRequest describes a staking deposit.
type StakingRequest struct {
	Chain       string `json:"chain"`
	Protocol    string `json:"protocol"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	FromAddress string `json:"from_address"`
}

// LendingRequest describes a lending-market supply.
type LendingRequest struct {
	Chain       string `json:"chain"`
	Protocol    string `json:"protocol"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	FromAddress string `json:"from_address"`
}

// DataRequest asks for a single on-chain value, e.g. a Chainlink
// price feed reading.
type DataRequest struct {
	Source string `json:"source"`
	Chain  string `json:"chain"`
	Key    string `json:"key"`
}

// SwapQuote is a priced swap. Provider records which adapter produced
// it; Degraded marks estimates that must not be treated as executable
// prices. Amounts are decimal strings in the token's base unit.
type SwapQuote struct {
	QuoteID        string         `json:"quote_id"`
	Provider       string         `json:"provider"`
	Chain          string         `json:"chain"`
	FromToken      string         `json:"from_token"`
	ToToken        string         `json:"to_token"`
	FromAmount     string         `json:"from_amount"`
	ToAmount       string         `json:"to_amount"`
	TargetContract string         `json:"target_contract,omitempty"`
	Degraded       bool           `json:"degraded,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Raw            map[string]any `json:"raw,omitempty"`
}

// Expired reports whether the quote can no longer be executed.
func (q *SwapQuote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// BridgeQuote is a priced cross-chain transfer.
type BridgeQuote struct {
	QuoteID        string         `json:"quote_id"`
	Provider       string         `json:"provider"`
	FromChain      string         `json:"from_chain"`
	ToChain        string         `json:"to_chain"`
	Token          string         `json:"token"`
	Amount         string         `json:"amount"`
	EstimatedOut   string         `json:"estimated_out"`
	TargetContract string         `json:"target_contract,omitempty"`
	Degraded       bool           `json:"degraded,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Raw            map[string]any `json:"raw,omitempty"`
}

// Expired reports whether the quote can no longer be executed.
func (q *BridgeQuote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// StakingQuote is a priced staking deposit.
type StakingQuote struct {
	QuoteID        string    `json:"quote_id"`
	Provider       string    `json:"provider"`
	Chain          string    `json:"chain"`
	Protocol       string    `json:"protocol"`
	Asset          string    `json:"asset"`
	Amount         string    `json:"amount"`
	TargetContract string    `json:"target_contract,omitempty"`
	ExpectedAPY    string    `json:"expected_apy,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the quote can no longer be executed.
func (q *StakingQuote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// LendingQuote is a priced lending-market supply.
type LendingQuote struct {
	QuoteID        string    `json:"quote_id"`
	Provider       string    `json:"provider"`
	Chain          string    `json:"chain"`
	Protocol       string    `json:"protocol"`
	Asset          string    `json:"asset"`
	Amount         string    `json:"amount"`
	TargetContract string    `json:"target_contract,omitempty"`
	SupplyAPY      string    `json:"supply_apy,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the quote can no longer be executed.
func (q *LendingQuote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// TransactionResult is the outcome of an execution or a status lookup.
type TransactionResult struct {
	Hash     string `json:"hash"`
	Status   string `json:"status"`
	Chain    string `json:"chain"`
	Provider string `json:"provider"`
}

// OnchainData is a single value read from a chain data source.
type OnchainData struct {
	Source      string    `json:"source"`
	Chain       string    `json:"chain"`
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Provider    string    `json:"provider"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Balance is one asset position inside a portfolio.
type Balance struct {
	Chain  string `json:"chain"`
	Token  string `json:"token"`
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
}

// Portfolio aggregates an address's balances across chains.
type Portfolio struct {
	Address     string    `json:"address"`
	Provider    string    `json:"provider"`
	Balances    []Balance `json:"balances"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// ExecutionAuth carries the session-key authorization attached to an
// execute call: the key's address and its signature over the quote ID.
type ExecutionAuth struct {
	Address   string `json:"address"`
	Signature []byte `json:"signature"`
}

// Provider is the vendor-neutral interface every chain adapter
// implements. Operations an adapter cannot serve return
// ErrNotImplemented, which the manager treats as "try the next
// adapter" rather than a provider fault.
type Provider interface {
	Name() string

	GetSwapQuote(ctx context.Context, req SwapRequest) (*SwapQuote, error)
	ExecuteSwap(ctx context.Context, quote *SwapQuote, auth *ExecutionAuth) (*TransactionResult, error)

	GetBridgeQuote(ctx context.Context, req BridgeRequest) (*BridgeQuote, error)
	ExecuteBridge(ctx context.Context, quote *BridgeQuote, auth *ExecutionAuth) (*TransactionResult, error)

	GetStakingQuote(ctx context.Context, req StakingRequest) (*StakingQuote, error)
	ExecuteStaking(ctx context.Context, quote *StakingQuote, auth *ExecutionAuth) (*TransactionResult, error)

	GetLendingQuote(ctx context.Context, req LendingRequest) (*LendingQuote, error)
	ExecuteSupply(ctx context.Context, quote *LendingQuote, auth *ExecutionAuth) (*TransactionResult, error)

	GetPortfolio(ctx context.Context, address string) (*Portfolio, error)
	GetOnchainData(ctx context.Context, req DataRequest) (*OnchainData, error)
	GetTransactionStatus(ctx context.Context, chainName, hash string) (*TransactionResult, error)

	HealthCheck(ctx context.Context) error
}

// RegistrationRequest asks for a workflow to be registered with the
// on-chain automation contract.
type RegistrationRequest struct {
	WorkflowID string `json:"workflow_id"`
	Chain      string `json:"chain"`
	Owner      string `json:"owner"`
}

// RegistrationResult is the outcome of an on-chain registration.
type RegistrationResult struct {
	UpkeepID string `json:"upkeep_id"`
	TxHash   string `json:"tx_hash"`
	Provider string `json:"provider"`
}

// Registrar is implemented by adapters that can register workflows
// on-chain. Registration always routes to the direct adapter.
type Registrar interface {
	RegisterWorkflow(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error)
}

const (
	CodeNotImplemented      xerrors.Code = "PROVIDER_NOT_IMPLEMENTED"
	CodeQuoteExpired        xerrors.Code = "QUOTE_EXPIRED"
	CodeTotalServiceFailure xerrors.Code = "TOTAL_SERVICE_FAILURE"
)

var (
	// ErrNotImplemented marks an operation the adapter does not support.
	// It never trips the circuit breaker.
	ErrNotImplemented = xerrors.New(CodeNotImplemented, "operation not implemented by provider")
	// ErrQuoteExpired marks a quote past its expiry at execute time.
	ErrQuoteExpired = xerrors.New(CodeQuoteExpired, "quote expired")
)

func init() {
	xerrors.Register(CodeNotImplemented, xerrors.Attributes{
		Message:   "operation not implemented by provider",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeQuoteExpired, xerrors.Attributes{
		Message:   "quote expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeTotalServiceFailure, xerrors.Attributes{
		Message:   "all providers failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
