// Package fallback implements the direct EVM adapter used when the
// settlement API is unavailable. It can read balances, Chainlink
// price feeds and transaction status over plain RPC, and hands out
// degraded quotes that the engine must not execute blindly.
package fallback

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"

	"github.com/copilfi/copil/internal/chain"
	xerrors "github.com/copilfi/copil/internal/errors"
)

const providerName = "direct_evm"

const aggregatorABI = `[
  {"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],
   "outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},
              {"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},
              {"name":"answeredInRound","type":"uint80"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint8"}]}
]`

const erc20ABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

const workflowManagerABI = `[
  {"name":"registerWorkflow","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"workflowId","type":"bytes32"},{"name":"owner","type":"address"}],
   "outputs":[]}
]`

// evmClient is the subset of ethclient used by the adapter, extracted
// so tests can substitute a fake backend.
type evmClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (isPending bool, err error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type chainBackend struct {
	def    chain.Definition
	eth    *ethclient.Client
	client evmClient
}

// Adapter implements chain.Provider against the configured chains'
// RPC endpoints directly.
type Adapter struct {
	chains        map[string]*chainBackend
	aggregator    abi.ABI
	erc20         abi.ABI
	manager       abi.ABI
	operatorKey   *ecdsa.PrivateKey
	quoteLifetime time.Duration
}

type txLookup struct {
	eth *ethclient.Client
}

func (l txLookup) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return l.eth.BalanceAt(ctx, account, blockNumber)
}

func (l txLookup) CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return l.eth.CallContract(ctx, msg, blockNumber)
}

func (l txLookup) TransactionByHash(ctx context.Context, hash common.Hash) (bool, error) {
	_, pending, err := l.eth.TransactionByHash(ctx, hash)
	return pending, err
}

func (l txLookup) BlockNumber(ctx context.Context) (uint64, error) {
	return l.eth.BlockNumber(ctx)
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithOperatorKey supplies the key used to send on-chain workflow
// registrations. Without it RegisterWorkflow reports NotImplemented.
func WithOperatorKey(key *ecdsa.PrivateKey) Option {
	return func(a *Adapter) { a.operatorKey = key }
}

// WithQuoteLifetime overrides how long degraded quotes stay valid.
func WithQuoteLifetime(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.quoteLifetime = d
		}
	}
}

// New dials every configured chain and returns a ready adapter.
func New(ctx context.Context, defs chain.Definitions, opts ...Option) (*Adapter, error) {
	aggregator, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("parse aggregator ABI: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 ABI: %w", err)
	}
	manager, err := abi.JSON(strings.NewReader(workflowManagerABI))
	if err != nil {
		return nil, fmt.Errorf("parse workflow manager ABI: %w", err)
	}

	a := &Adapter{
		chains:        make(map[string]*chainBackend, len(defs.Chains)),
		aggregator:    aggregator,
		erc20:         erc20,
		manager:       manager,
		quoteLifetime: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}

	for name, def := range defs.Chains {
		if strings.TrimSpace(def.RPCURL) == "" {
			continue
		}
		eth, err := ethclient.DialContext(ctx, def.RPCURL)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err,
				fmt.Sprintf("dial chain %s", name))
		}
		a.chains[name] = &chainBackend{def: def, eth: eth, client: txLookup{eth: eth}}
	}
	return a, nil
}

// Name implements chain.Provider.
func (a *Adapter) Name() string { return providerName }

// Close releases all RPC connections.
func (a *Adapter) Close() {
	for _, backend := range a.chains {
		if backend.eth != nil {
			backend.eth.Close()
		}
	}
}

func (a *Adapter) backend(chainName string) (*chainBackend, error) {
	backend, ok := a.chains[chainName]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown chain %q", chainName))
	}
	return backend, nil
}

// GetSwapQuote returns a degraded zero-output estimate. The direct
// adapter has no pricing engine; callers must check the Degraded flag
// before acting on the amounts.
func (a *Adapter) GetSwapQuote(_ context.Context, req chain.SwapRequest) (*chain.SwapQuote, error) {
	if _, err := a.backend(req.Chain); err != nil {
		return nil, err
	}
	return &chain.SwapQuote{
		QuoteID:    uuid.NewString(),
		Provider:   providerName,
		Chain:      req.Chain,
		FromToken:  req.FromToken,
		ToToken:    req.ToToken,
		FromAmount: req.FromAmount,
		ToAmount:   "0",
		Degraded:   true,
		ExpiresAt:  time.Now().Add(a.quoteLifetime),
	}, nil
}

// ExecuteSwap is not supported without the settlement API.
func (a *Adapter) ExecuteSwap(context.Context, *chain.SwapQuote, *chain.ExecutionAuth) (*chain.TransactionResult, error) {
	return nil, chain.ErrNotImplemented
}

// GetBridgeQuote returns a degraded estimate, see GetSwapQuote.
func (a *Adapter) GetBridgeQuote(_ context.Context, req chain.BridgeRequest) (*chain.BridgeQuote, error) {
	if _, err := a.backend(req.FromChain); err != nil {
		return nil, err
	}
	return &chain.BridgeQuote{
		QuoteID:      uuid.NewString(),
		Provider:     providerName,
		FromChain:    req.FromChain,
		ToChain:      req.ToChain,
		Token:        req.Token,
		Amount:       req.Amount,
		EstimatedOut: "0",
		Degraded:     true,
		ExpiresAt:    time.Now().Add(a.quoteLifetime),
	}, nil
}

// ExecuteBridge is not supported without the settlement API.
func (a *Adapter) ExecuteBridge(context.Context, *chain.BridgeQuote, *chain.ExecutionAuth) (*chain.TransactionResult, error) {
	return nil, chain.ErrNotImplemented
}

// GetStakingQuote is not supported without the settlement API.
func (a *Adapter) GetStakingQuote(context.Context, chain.StakingRequest) (*chain.StakingQuote, error) {
	return nil, chain.ErrNotImplemented
}

// ExecuteStaking is not supported without the settlement API.
func (a *Adapter) ExecuteStaking(context.Context, *chain.StakingQuote, *chain.ExecutionAuth) (*chain.TransactionResult, error) {
	return nil, chain.ErrNotImplemented
}

// GetLendingQuote is not supported without the settlement API.
func (a *Adapter) GetLendingQuote(context.Context, chain.LendingRequest) (*chain.LendingQuote, error) {
	return nil, chain.ErrNotImplemented
}

// ExecuteSupply is not supported without the settlement API.
func (a *Adapter) ExecuteSupply(context.Context, *chain.LendingQuote, *chain.ExecutionAuth) (*chain.TransactionResult, error) {
	return nil, chain.ErrNotImplemented
}

// GetPortfolio reads native and configured ERC-20 balances across all
// configured chains.
func (a *Adapter) GetPortfolio(ctx context.Context, address string) (*chain.Portfolio, error) {
	if !common.IsHexAddress(address) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid address %q", address))
	}
	account := common.HexToAddress(address)

	portfolio := &chain.Portfolio{
		Address:     address,
		Provider:    providerName,
		RetrievedAt: time.Now(),
	}
	for name, backend := range a.chains {
		native, err := backend.client.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err,
				fmt.Sprintf("read native balance on %s", name))
		}
		portfolio.Balances = append(portfolio.Balances, chain.Balance{
			Chain:  name,
			Token:  "native",
			Symbol: backend.def.NativeSymbol,
			Amount: native.String(),
		})

		for symbol, tokenAddr := range backend.def.Tokens {
			amount, err := a.erc20Balance(ctx, backend, common.HexToAddress(tokenAddr), account)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err,
					fmt.Sprintf("read %s balance on %s", symbol, name))
			}
			portfolio.Balances = append(portfolio.Balances, chain.Balance{
				Chain:  name,
				Token:  tokenAddr,
				Symbol: symbol,
				Amount: amount.String(),
			})
		}
	}
	return portfolio, nil
}

// GetOnchainData reads a Chainlink aggregator configured for the
// requested pair and returns the answer scaled by the feed's decimals.
func (a *Adapter) GetOnchainData(ctx context.Context, req chain.DataRequest) (*chain.OnchainData, error) {
	backend, err := a.backend(req.Chain)
	if err != nil {
		return nil, err
	}
	feedAddr, ok := backend.def.PriceFeeds[req.Key]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("no price feed configured for %q on %s", req.Key, req.Chain))
	}

	answer, decimals, err := a.readAggregator(ctx, backend, common.HexToAddress(feedAddr))
	if err != nil {
		return nil, err
	}

	return &chain.OnchainData{
		Source:      "chainlink",
		Chain:       req.Chain,
		Key:         req.Key,
		Value:       scaleDecimal(answer, decimals),
		Provider:    providerName,
		RetrievedAt: time.Now(),
	}, nil
}

// GetTransactionStatus implements chain.Provider.
func (a *Adapter) GetTransactionStatus(ctx context.Context, chainName, hash string) (*chain.TransactionResult, error) {
	backend, err := a.backend(chainName)
	if err != nil {
		return nil, err
	}
	pending, err := backend.client.TransactionByHash(ctx, common.HexToHash(hash))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "transaction lookup failed")
	}
	status := "confirmed"
	if pending {
		status = "pending"
	}
	return &chain.TransactionResult{
		Hash:     hash,
		Status:   status,
		Chain:    chainName,
		Provider: providerName,
	}, nil
}

// HealthCheck probes every configured chain with a block number read.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if len(a.chains) == 0 {
		return xerrors.New(xerrors.CodeInitializationFailure, "no chains configured")
	}
	for name, backend := range a.chains {
		if _, err := backend.client.BlockNumber(ctx); err != nil {
			return xerrors.Wrap(xerrors.CodeProviderFailure, err,
				fmt.Sprintf("chain %s unreachable", name))
		}
	}
	return nil
}

// LatestBlock returns the chain's current block height. The polling
// trigger uses it as its cursor source.
func (a *Adapter) LatestBlock(ctx context.Context, chainName string) (uint64, error) {
	backend, err := a.backend(chainName)
	if err != nil {
		return 0, err
	}
	height, err := backend.client.BlockNumber(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeProviderFailure, err, "read block height")
	}
	return height, nil
}

// RegisterWorkflow sends the registration transaction to the workflow
// manager contract on the requested chain.
func (a *Adapter) RegisterWorkflow(ctx context.Context, req chain.RegistrationRequest) (*chain.RegistrationResult, error) {
	if a.operatorKey == nil {
		return nil, chain.ErrNotImplemented
	}
	backend, err := a.backend(req.Chain)
	if err != nil {
		return nil, err
	}
	if backend.def.WorkflowManager == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("no workflow manager contract configured on %s", req.Chain))
	}
	if backend.eth == nil {
		return nil, chain.ErrNotImplemented
	}

	auth, err := bind.NewKeyedTransactorWithChainID(a.operatorKey, big.NewInt(backend.def.ChainID))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "build transactor")
	}
	auth.Context = ctx

	workflowID := crypto.Keccak256Hash([]byte(req.WorkflowID))
	contract := bind.NewBoundContract(
		common.HexToAddress(backend.def.WorkflowManager), a.manager, backend.eth, backend.eth, backend.eth)

	tx, err := contract.Transact(auth, "registerWorkflow", workflowID, common.HexToAddress(req.Owner))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "register workflow on-chain")
	}
	return &chain.RegistrationResult{
		UpkeepID: workflowID.Hex(),
		TxHash:   tx.Hash().Hex(),
		Provider: providerName,
	}, nil
}

func (a *Adapter) erc20Balance(ctx context.Context, backend *chainBackend, token, owner common.Address) (*big.Int, error) {
	input, err := a.erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	output, err := backend.client.CallContract(ctx, gethcore.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	values, err := a.erc20.Unpack("balanceOf", output)
	if err != nil {
		return nil, err
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type %T", values[0])
	}
	return balance, nil
}

func (a *Adapter) readAggregator(ctx context.Context, backend *chainBackend, feed common.Address) (*big.Int, uint8, error) {
	input, err := a.aggregator.Pack("latestRoundData")
	if err != nil {
		return nil, 0, err
	}
	output, err := backend.client.CallContract(ctx, gethcore.CallMsg{To: &feed, Data: input}, nil)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeProviderFailure, err, "aggregator read failed")
	}
	values, err := a.aggregator.Unpack("latestRoundData", output)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeProviderFailure, err, "decode aggregator answer")
	}
	answer, ok := values[1].(*big.Int)
	if !ok {
		return nil, 0, xerrors.New(xerrors.CodeProviderFailure, "unexpected aggregator answer type")
	}

	input, err = a.aggregator.Pack("decimals")
	if err != nil {
		return nil, 0, err
	}
	output, err = backend.client.CallContract(ctx, gethcore.CallMsg{To: &feed, Data: input}, nil)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeProviderFailure, err, "aggregator decimals read failed")
	}
	values, err = a.aggregator.Unpack("decimals", output)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeProviderFailure, err, "decode aggregator decimals")
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return nil, 0, xerrors.New(xerrors.CodeProviderFailure, "unexpected aggregator decimals type")
	}
	return answer, decimals, nil
}

// scaleDecimal renders answer * 10^-decimals as a decimal string
// without floating point loss.
func scaleDecimal(answer *big.Int, decimals uint8) string {
	if decimals == 0 {
		return answer.String()
	}
	text := answer.String()
	negative := strings.HasPrefix(text, "-")
	if negative {
		text = text[1:]
	}
	for len(text) <= int(decimals) {
		text = "0" + text
	}
	cut := len(text) - int(decimals)
	result := text[:cut] + "." + text[cut:]
	result = strings.TrimRight(result, "0")
	result = strings.TrimSuffix(result, ".")
	if negative {
		result = "-" + result
	}
	return result
}

var _ chain.Provider = (*Adapter)(nil)
var _ chain.Registrar = (*Adapter)(nil)
