// Package market provides asset price lookups for price triggers.
package market

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
	"github.com/copilfi/copil/pkg/logger"
)

// PriceQuote is one asset price reading, tagged with its source.
type PriceQuote struct {
	Asset       string    `json:"asset"`
	Price       float64   `json:"price"`
	Currency    string    `json:"currency"`
	Source      string    `json:"source"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Source is a single price backend.
type Source interface {
	Name() string
	GetPrice(ctx context.Context, asset string) (*PriceQuote, error)
}

const CodePriceUnavailable xerrors.Code = "PRICE_UNAVAILABLE"

func init() {
	xerrors.Register(CodePriceUnavailable, xerrors.Attributes{
		Message:   "no price source could answer",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Manager tries sources in declared order and returns the first answer.
type Manager struct {
	sources []Source
	log     *slog.Logger
}

// NewManager builds a Manager over the given sources.
func NewManager(sources ...Source) *Manager {
	return &Manager{sources: sources, log: logger.Named("market")}
}

// GetPrice returns the asset price from the first source that answers.
func (m *Manager) GetPrice(ctx context.Context, asset string) (*PriceQuote, error) {
	var failures []error
	for _, source := range m.sources {
		quote, err := source.GetPrice(ctx, asset)
		if err == nil {
			return quote, nil
		}
		m.log.Warn("price source failed", "source", source.Name(), "asset", asset, "error", err)
		failures = append(failures, fmt.Errorf("%s: %w", source.Name(), err))
	}
	if len(failures) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "no price sources configured")
	}
	return nil, xerrors.Wrap(CodePriceUnavailable, stdErrors.Join(failures...),
		fmt.Sprintf("no source answered for %s", asset))
}
