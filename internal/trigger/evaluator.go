// Package trigger decides whether a workflow's firing condition holds.
// The evaluator never mutates the user's trigger configuration; poller
// cursors travel in a separate state map the caller persists after
// every check, fired or not.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mitchellh/mapstructure"

	xerrors "github.com/copilfi/copil/internal/errors"
	"github.com/copilfi/copil/internal/market"
	"github.com/copilfi/copil/internal/workflow"
	"github.com/copilfi/copil/pkg/logger"
)

// PriceFetcher supplies asset prices for price triggers.
type PriceFetcher interface {
	GetPrice(ctx context.Context, asset string) (*market.PriceQuote, error)
}

// BlockSource supplies chain heights for EVM polling triggers.
type BlockSource interface {
	LatestBlock(ctx context.Context, chainName string) (uint64, error)
}

// FeedSource supplies the newest entry timestamp of a feed URL.
type FeedSource interface {
	LatestEntry(ctx context.Context, url string) (time.Time, error)
}

const CodeTriggerConfig xerrors.Code = "TRIGGER_CONFIG_INVALID"

func init() {
	xerrors.Register(CodeTriggerConfig, xerrors.Attributes{
		Message:   "trigger configuration is invalid",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// PriceConfig is the user intent behind a price trigger.
type PriceConfig struct {
	Asset     string  `mapstructure:"asset"`
	Condition string  `mapstructure:"condition"`
	Threshold float64 `mapstructure:"threshold"`
}

// ScheduleConfig is the user intent behind a schedule trigger.
type ScheduleConfig struct {
	IntervalSeconds int64 `mapstructure:"interval_seconds"`
	Recurring       bool  `mapstructure:"recurring"`
}

// PollingConfig is the user intent behind a polling trigger.
type PollingConfig struct {
	Source       string `mapstructure:"source"`
	URL          string `mapstructure:"url"`
	Chain        string `mapstructure:"chain"`
	MinNewBlocks uint64 `mapstructure:"min_new_blocks"`
}

// Evaluator evaluates trigger conditions for due workflows.
type Evaluator struct {
	prices PriceFetcher
	blocks BlockSource
	feeds  FeedSource
	now    func() time.Time
	log    *slog.Logger
}

// EvaluatorOption configures the Evaluator.
type EvaluatorOption func(*Evaluator)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator builds an Evaluator over the given condition sources.
func NewEvaluator(prices PriceFetcher, blocks BlockSource, feeds FeedSource, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		prices: prices,
		blocks: blocks,
		feeds:  feeds,
		now:    time.Now,
		log:    logger.Named("trigger"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate reports whether the workflow's trigger fired and returns
// the updated cursor state. The state must be persisted by the caller
// regardless of the fired result so poller cursors survive checks
// that do not fire.
func (e *Evaluator) Evaluate(ctx context.Context, wf *workflow.Workflow) (bool, map[string]any, error) {
	switch wf.TriggerType {
	case workflow.TriggerPrice:
		return e.evaluatePrice(ctx, wf)
	case workflow.TriggerSchedule:
		return e.evaluateSchedule(wf)
	case workflow.TriggerPolling:
		return e.evaluatePolling(ctx, wf)
	case workflow.TriggerManual:
		// manual workflows only fire through the API
		return false, wf.TriggerState, nil
	default:
		return false, nil, xerrors.New(CodeTriggerConfig,
			fmt.Sprintf("unknown trigger type %q", wf.TriggerType))
	}
}

func (e *Evaluator) evaluatePrice(ctx context.Context, wf *workflow.Workflow) (bool, map[string]any, error) {
	var cfg PriceConfig
	if err := decodeConfig(wf.TriggerConfig, &cfg); err != nil {
		return false, wf.TriggerState, err
	}
	if cfg.Asset == "" {
		return false, wf.TriggerState, xerrors.New(CodeTriggerConfig, "price trigger needs an asset")
	}

	quote, err := e.prices.GetPrice(ctx, cfg.Asset)
	if err != nil {
		return false, wf.TriggerState, err
	}

	state := map[string]any{
		"last_price":      quote.Price,
		"last_checked_at": e.now().Unix(),
		"price_source":    quote.Source,
	}

	var fired bool
	switch cfg.Condition {
	case "above":
		fired = quote.Price > cfg.Threshold
	case "below":
		fired = quote.Price < cfg.Threshold
	default:
		return false, wf.TriggerState, xerrors.New(CodeTriggerConfig,
			fmt.Sprintf("unknown price condition %q", cfg.Condition))
	}

	if fired {
		e.log.Info("price trigger fired",
			"workflow_id", wf.ID, "asset", cfg.Asset, "condition", cfg.Condition,
			"threshold", cfg.Threshold, "price", quote.Price)
	}
	return fired, state, nil
}

func (e *Evaluator) evaluateSchedule(wf *workflow.Workflow) (bool, map[string]any, error) {
	var cfg ScheduleConfig
	if err := decodeConfig(wf.TriggerConfig, &cfg); err != nil {
		return false, wf.TriggerState, err
	}

	now := e.now()
	if wf.NextCheckAt == nil {
		// never scheduled: fire immediately and let the dispatcher
		// compute the next occurrence
		return true, map[string]any{"last_fired_at": now.Unix()}, nil
	}
	if wf.NextCheckAt.After(now) {
		return false, wf.TriggerState, nil
	}
	return true, map[string]any{"last_fired_at": now.Unix()}, nil
}

func (e *Evaluator) evaluatePolling(ctx context.Context, wf *workflow.Workflow) (bool, map[string]any, error) {
	var cfg PollingConfig
	if err := decodeConfig(wf.TriggerConfig, &cfg); err != nil {
		return false, wf.TriggerState, err
	}

	switch cfg.Source {
	case "evm":
		return e.pollChain(ctx, wf, cfg)
	case "feed":
		return e.pollFeed(ctx, wf, cfg)
	default:
		return false, wf.TriggerState, xerrors.New(CodeTriggerConfig,
			fmt.Sprintf("unknown polling source %q", cfg.Source))
	}
}

func (e *Evaluator) pollChain(ctx context.Context, wf *workflow.Workflow, cfg PollingConfig) (bool, map[string]any, error) {
	if cfg.Chain == "" {
		return false, wf.TriggerState, xerrors.New(CodeTriggerConfig, "evm polling needs a chain")
	}
	height, err := e.blocks.LatestBlock(ctx, cfg.Chain)
	if err != nil {
		return false, wf.TriggerState, err
	}

	state := map[string]any{
		"last_checked_block": height,
		"last_checked_at":    e.now().Unix(),
	}

	cursor, hasCursor := stateUint(wf.TriggerState, "last_checked_block")
	if !hasCursor {
		// first observation primes the cursor without firing
		return false, state, nil
	}

	minNew := cfg.MinNewBlocks
	if minNew == 0 {
		minNew = 1
	}
	fired := height >= cursor+minNew
	if fired {
		e.log.Info("chain polling trigger fired",
			"workflow_id", wf.ID, "chain", cfg.Chain, "cursor", cursor, "height", height)
	}
	return fired, state, nil
}

func (e *Evaluator) pollFeed(ctx context.Context, wf *workflow.Workflow, cfg PollingConfig) (bool, map[string]any, error) {
	if cfg.URL == "" {
		return false, wf.TriggerState, xerrors.New(CodeTriggerConfig, "feed polling needs a url")
	}
	latest, err := e.feeds.LatestEntry(ctx, cfg.URL)
	if err != nil {
		return false, wf.TriggerState, err
	}

	state := map[string]any{
		"last_entry_timestamp": latest.Unix(),
		"last_checked_at":      e.now().Unix(),
	}

	cursor, hasCursor := stateInt(wf.TriggerState, "last_entry_timestamp")
	if !hasCursor {
		return false, state, nil
	}

	fired := latest.Unix() > cursor
	if fired {
		e.log.Info("feed polling trigger fired",
			"workflow_id", wf.ID, "url", cfg.URL, "cursor", cursor, "latest", latest.Unix())
	}
	return fired, state, nil
}

func decodeConfig(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return xerrors.Wrap(CodeTriggerConfig, err, "build config decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return xerrors.Wrap(CodeTriggerConfig, err, "decode trigger config")
	}
	return nil
}

// stateUint reads a numeric cursor out of a state map that may have
// round-tripped through JSON (numbers become float64).
func stateUint(state map[string]any, key string) (uint64, bool) {
	value, ok := stateInt(state, key)
	if !ok || value < 0 {
		return 0, false
	}
	return uint64(value), true
}

func stateInt(state map[string]any, key string) (int64, bool) {
	if state == nil {
		return 0, false
	}
	switch v := state[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
