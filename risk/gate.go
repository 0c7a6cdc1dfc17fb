package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/runguard/config"
	"github.com/rustyeddy/runguard/journal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// NormalizeFraction reads values above 1 in magnitude as percentages, so
// 25 and 0.25 mean the same thing. The sign is kept.
func NormalizeFraction(v decimal.Decimal) decimal.Decimal {
	if v.Abs().GreaterThan(one) {
		return v.Div(hundred)
	}
	return v
}

// MetricSource reads historical run metrics.
type MetricSource interface {
	RecentMetric(ctx context.Context, kind, key string) (decimal.NullDecimal, error)
}

// RunContext is what the caller knows about live state at admission time.
type RunContext struct {
	OpenTradesCount   *int                       `json:"open_trades_count,omitempty"`
	MarketExposurePct map[string]decimal.Decimal `json:"market_exposure_pct,omitempty"`
}

// UnmarshalJSON accepts any JSON number for open_trades_count, so engines
// that emit 5.0 are read as 5. Fractions are truncated.
func (rc *RunContext) UnmarshalJSON(data []byte) error {
	type plain RunContext
	var aux struct {
		plain
		OpenTradesCount *decimal.Decimal `json:"open_trades_count,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*rc = RunContext(aux.plain)
	if aux.OpenTradesCount != nil {
		n := int(aux.OpenTradesCount.IntPart())
		rc.OpenTradesCount = &n
	}
	return nil
}

// RecentBacktestDrawdown returns the normalized max_drawdown_account of the
// latest backtest. ok is false when there is no usable value.
func RecentBacktestDrawdown(ctx context.Context, src MetricSource) (dd decimal.Decimal, ok bool, err error) {
	if src == nil {
		return decimal.Zero, false, nil
	}
	v, err := src.RecentMetric(ctx, config.KindBacktest, journal.MetricMaxDrawdown)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !v.Valid {
		return decimal.Zero, false, nil
	}
	return NormalizeFraction(v.Decimal), true, nil
}

// CheckBacktestDrawdown denies when the latest backtest drawdown is at or
// beyond threshold. A nil threshold or missing history allows. A lookup
// failure also allows and is returned for the caller to log.
func CheckBacktestDrawdown(ctx context.Context, threshold *float64, src MetricSource) (Decision, error) {
	if threshold == nil {
		return Allow(), nil
	}
	dd, ok, err := RecentBacktestDrawdown(ctx, src)
	if err != nil || !ok {
		return Allow(), err
	}
	thr := NormalizeFraction(decimal.NewFromFloat(*threshold).Abs())
	if dd.Abs().GreaterThanOrEqual(thr) {
		return deny(GateDrawdown, fmt.Sprintf("recent_drawdown_exceeded: %s", dd)), nil
	}
	return Allow(), nil
}

// CheckLiveLimits applies the live trading caps to rc. Each limit is
// optional; boundaries deny.
func CheckLiveLimits(rc RunContext, maxTrades *int, maxExposurePct *float64) Decision {
	d := Allow()

	if maxTrades != nil && rc.OpenTradesCount != nil {
		limit := max(0, *maxTrades)
		if open := *rc.OpenTradesCount; open >= limit {
			d.add(GateLiveTrades, fmt.Sprintf("live_concurrent_trades_exceeded: %d/%d", open, *maxTrades))
		}
	}

	if maxExposurePct != nil && len(rc.MarketExposurePct) > 0 {
		thr := NormalizeFraction(decimal.NewFromFloat(*maxExposurePct).Abs())

		markets := make([]string, 0, len(rc.MarketExposurePct))
		for mkt := range rc.MarketExposurePct {
			markets = append(markets, mkt)
		}
		sort.Strings(markets)

		for _, mkt := range markets {
			v := rc.MarketExposurePct[mkt]
			if NormalizeFraction(v.Abs()).GreaterThanOrEqual(thr) {
				d.add(GateExposure, fmt.Sprintf("per_market_exposure_exceeded:%s:%s>=%s", mkt, v, thr))
			}
		}
	}

	return d
}
