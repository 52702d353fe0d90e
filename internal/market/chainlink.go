package market

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/copilfi/copil/internal/chain"
	xerrors "github.com/copilfi/copil/internal/errors"
)

// onchainReader is the slice of the chain manager used here, extracted
// so tests can substitute a fake.
type onchainReader interface {
	GetOnchainData(ctx context.Context, req chain.DataRequest) (*chain.OnchainData, error)
}

// Chainlink answers price lookups from on-chain Chainlink feeds via
// the chain provider layer. Assets map to feed pairs, e.g.
// "ethereum" -> "ETH/USD" on the configured chain.
type Chainlink struct {
	reader onchainReader
	chain  string
	pairs  map[string]string
}

// NewChainlink builds a Chainlink source reading feeds on chainName.
func NewChainlink(reader onchainReader, chainName string, pairs map[string]string) *Chainlink {
	return &Chainlink{reader: reader, chain: chainName, pairs: pairs}
}

// Name implements Source.
func (c *Chainlink) Name() string { return "chainlink" }

// GetPrice implements Source.
func (c *Chainlink) GetPrice(ctx context.Context, asset string) (*PriceQuote, error) {
	pair, ok := c.pairs[strings.ToLower(strings.TrimSpace(asset))]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "no feed mapped for asset "+asset)
	}

	data, err := c.reader.GetOnchainData(ctx, chain.DataRequest{
		Source: "chainlink",
		Chain:  c.chain,
		Key:    pair,
	})
	if err != nil {
		return nil, err
	}

	price, err := strconv.ParseFloat(data.Value, 64)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "parse feed value")
	}

	return &PriceQuote{
		Asset:       asset,
		Price:       price,
		Currency:    "usd",
		Source:      c.Name(),
		RetrievedAt: time.Now(),
	}, nil
}

var _ Source = (*Chainlink)(nil)
