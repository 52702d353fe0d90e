package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// CoinGecko reads spot prices from the CoinGecko simple-price API.
type CoinGecko struct {
	baseURL string
	client  *http.Client
}

// NewCoinGecko builds a CoinGecko source.
func NewCoinGecko(baseURL string, timeout time.Duration) *CoinGecko {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CoinGecko{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Source.
func (c *CoinGecko) Name() string { return "coingecko" }

// GetPrice implements Source. Asset is a CoinGecko coin ID, e.g.
// "ethereum".
func (c *CoinGecko) GetPrice(ctx context.Context, asset string) (*PriceQuote, error) {
	coin := strings.ToLower(strings.TrimSpace(asset))
	if coin == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "asset is required")
	}

	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd",
		c.baseURL, url.QueryEscape(coin))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "build request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "coingecko request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "read coingecko response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeProviderFailure,
			fmt.Sprintf("coingecko returned %d", resp.StatusCode))
	}

	var payload map[string]map[string]float64
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "decode coingecko response")
	}
	prices, ok := payload[coin]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown asset %q", coin))
	}
	price, ok := prices["usd"]
	if !ok {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "missing usd price in response")
	}

	return &PriceQuote{
		Asset:       coin,
		Price:       price,
		Currency:    "usd",
		Source:      c.Name(),
		RetrievedAt: time.Now(),
	}, nil
}

var _ Source = (*CoinGecko)(nil)
