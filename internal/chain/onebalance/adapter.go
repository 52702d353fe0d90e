// Package onebalance implements the primary chain adapter over the
// OneBalance settlement HTTP API.
package onebalance

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/copilfi/copil/internal/chain"
	xerrors "github.com/copilfi/copil/internal/errors"
)

const providerName = "onebalance"

// Adapter talks to the settlement API. Every request carries the
// account API key in the x-api-key header.
type Adapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		if client != nil {
			a.client = client
		}
	}
}

// New constructs an Adapter for the given API endpoint.
func New(baseURL, apiKey string, timeout time.Duration, opts ...Option) (*Adapter, error) {
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "onebalance base URL is required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	a := &Adapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name implements chain.Provider.
func (a *Adapter) Name() string { return providerName }

type quoteEnvelope struct {
	QuoteID    string         `json:"quote_id"`
	FromAmount string         `json:"from_amount"`
	ToAmount   string         `json:"to_amount"`
	Estimated  string         `json:"estimated_out"`
	APY        string         `json:"apy"`
	Target     string         `json:"target_contract"`
	ExpiresAt  int64          `json:"expires_at"`
	Raw        map[string]any `json:"details"`
}

type executeEnvelope struct {
	Hash   string `json:"tx_hash"`
	Status string `json:"status"`
	Chain  string `json:"chain"`
}

// GetSwapQuote implements chain.Provider.
func (a *Adapter) GetSwapQuote(ctx context.Context, req chain.SwapRequest) (*chain.SwapQuote, error) {
	var env quoteEnvelope
	if err := a.post(ctx, "/v1/quotes/swap", req, &env); err != nil {
		return nil, err
	}
	return &chain.SwapQuote{
		QuoteID:        env.QuoteID,
		Provider:       providerName,
		Chain:          req.Chain,
		FromToken:      req.FromToken,
		ToToken:        req.ToToken,
		FromAmount:     orDefault(env.FromAmount, req.FromAmount),
		ToAmount:       env.ToAmount,
		TargetContract: env.Target,
		ExpiresAt:      expiry(env.ExpiresAt),
		Raw:            env.Raw,
	}, nil
}

// ExecuteSwap implements chain.Provider.
func (a *Adapter) ExecuteSwap(ctx context.Context, quote *chain.SwapQuote, auth *chain.ExecutionAuth) (*chain.TransactionResult, error) {
	return a.execute(ctx, quote.QuoteID, quote.Chain, auth)
}

// GetBridgeQuote implements chain.Provider.
func (a *Adapter) GetBridgeQuote(ctx context.Context, req chain.BridgeRequest) (*chain.BridgeQuote, error) {
	var env quoteEnvelope
	if err := a.post(ctx, "/v1/quotes/bridge", req, &env); err != nil {
		return nil, err
	}
	return &chain.BridgeQuote{
		QuoteID:        env.QuoteID,
		Provider:       providerName,
		FromChain:      req.FromChain,
		ToChain:        req.ToChain,
		Token:          req.Token,
		Amount:         orDefault(env.FromAmount, req.Amount),
		EstimatedOut:   env.Estimated,
		TargetContract: env.Target,
		ExpiresAt:      expiry(env.ExpiresAt),
		Raw:            env.Raw,
	}, nil
}

// ExecuteBridge implements chain.Provider.
func (a *Adapter) ExecuteBridge(ctx context.Context, quote *chain.BridgeQuote, auth *chain.ExecutionAuth) (*chain.TransactionResult, error) {
	return a.execute(ctx, quote.QuoteID, quote.FromChain, auth)
}

// GetStakingQuote implements chain.Provider.
func (a *Adapter) GetStakingQuote(ctx context.Context, req chain.StakingRequest) (*chain.StakingQuote, error) {
	var env quoteEnvelope
	if err := a.post(ctx, "/v1/quotes/staking", req, &env); err != nil {
		return nil, err
	}
	return &chain.StakingQuote{
		QuoteID:        env.QuoteID,
		Provider:       providerName,
		Chain:          req.Chain,
		Protocol:       req.Protocol,
		Asset:          req.Asset,
		Amount:         orDefault(env.FromAmount, req.Amount),
		TargetContract: env.Target,
		ExpectedAPY:    env.APY,
		ExpiresAt:      expiry(env.ExpiresAt),
	}, nil
}

// ExecuteStaking implements chain.Provider.
func (a *Adapter) ExecuteStaking(ctx context.Context, quote *chain.StakingQuote, auth *chain.ExecutionAuth) (*chain.TransactionResult, error) {
	return a.execute(ctx, quote.QuoteID, quote.Chain, auth)
}

// GetLendingQuote implements chain.Provider.
func (a *Adapter) GetLendingQuote(ctx context.Context, req chain.LendingRequest) (*chain.LendingQuote, error) {
	var env quoteEnvelope
	if err := a.post(ctx, "/v1/quotes/lending", req, &env); err != nil {
		return nil, err
	}
	return &chain.LendingQuote{
		QuoteID:        env.QuoteID,
		Provider:       providerName,
		Chain:          req.Chain,
		Protocol:       req.Protocol,
		Asset:          req.Asset,
		Amount:         orDefault(env.FromAmount, req.Amount),
		TargetContract: env.Target,
		SupplyAPY:      env.APY,
		ExpiresAt:      expiry(env.ExpiresAt),
	}, nil
}

// ExecuteSupply implements chain.Provider.
func (a *Adapter) ExecuteSupply(ctx context.Context, quote *chain.LendingQuote, auth *chain.ExecutionAuth) (*chain.TransactionResult, error) {
	return a.execute(ctx, quote.QuoteID, quote.Chain, auth)
}

// GetPortfolio implements chain.Provider.
func (a *Adapter) GetPortfolio(ctx context.Context, address string) (*chain.Portfolio, error) {
	var portfolio chain.Portfolio
	if err := a.get(ctx, "/v1/portfolio/"+address, &portfolio); err != nil {
		return nil, err
	}
	portfolio.Address = address
	portfolio.Provider = providerName
	portfolio.RetrievedAt = time.Now()
	return &portfolio, nil
}

// GetOnchainData implements chain.Provider.
func (a *Adapter) GetOnchainData(ctx context.Context, req chain.DataRequest) (*chain.OnchainData, error) {
	var data chain.OnchainData
	path := fmt.Sprintf("/v1/data?source=%s&chain=%s&key=%s", req.Source, req.Chain, req.Key)
	if err := a.get(ctx, path, &data); err != nil {
		return nil, err
	}
	data.Source = req.Source
	data.Chain = req.Chain
	data.Key = req.Key
	data.Provider = providerName
	data.RetrievedAt = time.Now()
	return &data, nil
}

// GetTransactionStatus implements chain.Provider.
func (a *Adapter) GetTransactionStatus(ctx context.Context, chainName, hash string) (*chain.TransactionResult, error) {
	var env executeEnvelope
	if err := a.get(ctx, fmt.Sprintf("/v1/transactions/%s/%s", chainName, hash), &env); err != nil {
		return nil, err
	}
	return &chain.TransactionResult{
		Hash:     env.Hash,
		Status:   env.Status,
		Chain:    chainName,
		Provider: providerName,
	}, nil
}

// HealthCheck implements chain.Provider.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := a.get(ctx, "/v1/health", &status); err != nil {
		return err
	}
	if status.Status != "ok" {
		return xerrors.New(xerrors.CodeProviderFailure, fmt.Sprintf("onebalance unhealthy: %s", status.Status))
	}
	return nil
}

func (a *Adapter) execute(ctx context.Context, quoteID, chainName string, auth *chain.ExecutionAuth) (*chain.TransactionResult, error) {
	if auth == nil {
		return nil, xerrors.New(xerrors.CodePermissionDenied, "execution requires a session-key authorization")
	}
	payload := map[string]any{
		"address":   auth.Address,
		"signature": "0x" + hex.EncodeToString(auth.Signature),
	}
	var env executeEnvelope
	if err := a.post(ctx, "/v1/quotes/"+quoteID+"/execute", payload, &env); err != nil {
		return nil, err
	}
	return &chain.TransactionResult{
		Hash:     env.Hash,
		Status:   orDefault(env.Status, "submitted"),
		Chain:    orDefault(env.Chain, chainName),
		Provider: providerName,
	}, nil
}

func (a *Adapter) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProviderFailure, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProviderFailure, err, "build request")
	}
	return a.do(req, out)
}

func (a *Adapter) do(req *http.Request, out any) error {
	if a.apiKey != "" {
		req.Header.Set("x-api-key", a.apiKey)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProviderFailure, err, "onebalance request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProviderFailure, err, "read onebalance response")
	}
	if resp.StatusCode == http.StatusNotImplemented {
		return chain.ErrNotImplemented
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeProviderFailure,
			fmt.Sprintf("onebalance returned %d: %s", resp.StatusCode, truncate(string(body), 256)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return xerrors.Wrap(xerrors.CodeProviderFailure, err, "decode onebalance response")
	}
	return nil
}

func expiry(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ chain.Provider = (*Adapter)(nil)
