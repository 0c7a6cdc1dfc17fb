package risk

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMetrics struct {
	v   decimal.NullDecimal
	err error

	kind, key string
}

func (s *stubMetrics) RecentMetric(_ context.Context, kind, key string) (decimal.NullDecimal, error) {
	s.kind, s.key = kind, key
	return s.v, s.err
}

func dd(s string) *stubMetrics {
	return &stubMetrics{v: decimal.NewNullDecimal(decimal.RequireFromString(s))}
}

func ptr[T any](v T) *T { return &v }

func TestNormalizeFraction(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"0.25", "0.25"},
		{"25", "0.25"},
		{"1", "1"},
		{"1.5", "0.015"},
		{"-30", "-0.3"},
		{"-0.3", "-0.3"},
		{"0", "0"},
	}
	for _, tt := range tests {
		got := NormalizeFraction(decimal.RequireFromString(tt.in))
		assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "%s -> %s", tt.in, got)
	}
}

func TestRecentBacktestDrawdown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := dd("25")
	got, ok, err := RecentBacktestDrawdown(ctx, src)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0.25", got.String())
	assert.Equal(t, "backtest", src.kind)
	assert.Equal(t, "max_drawdown_account", src.key)

	_, ok, err = RecentBacktestDrawdown(ctx, &stubMetrics{})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = RecentBacktestDrawdown(ctx, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckBacktestDrawdown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, err := CheckBacktestDrawdown(ctx, nil, dd("0.9"))
	require.NoError(t, err)
	assert.True(t, d.Allowed, "no threshold")

	d, err = CheckBacktestDrawdown(ctx, ptr(0.20), dd("0.25"))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, GateDrawdown, d.Gate())
	assert.Equal(t, "recent_drawdown_exceeded: 0.25", d.Reason())

	d, err = CheckBacktestDrawdown(ctx, ptr(0.20), dd("0.20"))
	require.NoError(t, err)
	assert.False(t, d.Allowed, "threshold itself denies")

	d, err = CheckBacktestDrawdown(ctx, ptr(0.20), dd("-0.30"))
	require.NoError(t, err)
	assert.False(t, d.Allowed, "negative drawdowns compare by magnitude")

	d, err = CheckBacktestDrawdown(ctx, ptr(0.20), dd("0.19"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = CheckBacktestDrawdown(ctx, ptr(0.20), &stubMetrics{})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "no history")

	boom := errors.New("database is locked")
	d, err = CheckBacktestDrawdown(ctx, ptr(0.20), &stubMetrics{err: boom})
	assert.ErrorIs(t, err, boom)
	assert.True(t, d.Allowed, "lookup failures do not block")
}

func TestDrawdownPercentAndFractionAgree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, recorded := range []string{"0.1", "10", "0.25", "25", "0.3", "30", "-0.3", "-30"} {
		frac, err := CheckBacktestDrawdown(ctx, ptr(0.25), dd(recorded))
		require.NoError(t, err)
		pct, err := CheckBacktestDrawdown(ctx, ptr(25.0), dd(recorded))
		require.NoError(t, err)
		assert.Equal(t, frac.Allowed, pct.Allowed, "recorded %s", recorded)
	}
}

func TestCheckLiveLimitsTrades(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		open    *int
		max     *int
		allowed bool
	}{
		{"below", ptr(4), ptr(5), true},
		{"at limit", ptr(5), ptr(5), false},
		{"above", ptr(6), ptr(5), false},
		{"no limit", ptr(50), nil, true},
		{"no count", nil, ptr(5), true},
		{"zero limit", ptr(0), ptr(0), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := CheckLiveLimits(RunContext{OpenTradesCount: tt.open}, tt.max, nil)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.Equal(t, GateLiveTrades, d.Gate())
			}
		})
	}

	d := CheckLiveLimits(RunContext{OpenTradesCount: ptr(5)}, ptr(5), nil)
	assert.Equal(t, "live_concurrent_trades_exceeded: 5/5", d.Reason())
}

func TestRunContextUnmarshal(t *testing.T) {
	t.Parallel()

	for _, in := range []string{`5`, `5.0`, `5.7`, `"5"`} {
		var rc RunContext
		require.NoError(t, json.Unmarshal([]byte(`{"open_trades_count": `+in+`}`), &rc), in)
		require.NotNil(t, rc.OpenTradesCount, in)
		assert.Equal(t, 5, *rc.OpenTradesCount, in)
	}

	var rc RunContext
	require.NoError(t, json.Unmarshal([]byte(`{"market_exposure_pct": {"BTC/USDT": 0.4}}`), &rc))
	assert.Nil(t, rc.OpenTradesCount)
	assert.True(t, rc.MarketExposurePct["BTC/USDT"].Equal(decimal.RequireFromString("0.4")))

	assert.Error(t, json.Unmarshal([]byte(`{"open_trades_count": "many"}`), &rc))

	d := CheckLiveLimits(mustRunContext(t, `{"open_trades_count": 5.0}`), ptr(5), nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, GateLiveTrades, d.Gate())
}

func mustRunContext(t *testing.T, js string) RunContext {
	t.Helper()
	var rc RunContext
	require.NoError(t, json.Unmarshal([]byte(js), &rc))
	return rc
}

func TestCheckLiveLimitsExposure(t *testing.T) {
	t.Parallel()

	exp := func(kv ...string) RunContext {
		rc := RunContext{MarketExposurePct: map[string]decimal.Decimal{}}
		for i := 0; i < len(kv); i += 2 {
			rc.MarketExposurePct[kv[i]] = decimal.RequireFromString(kv[i+1])
		}
		return rc
	}

	d := CheckLiveLimits(exp("EUR_USD", "0.05", "GBP_USD", "0.08"), nil, ptr(0.10))
	assert.True(t, d.Allowed)

	d = CheckLiveLimits(exp("EUR_USD", "0.05", "GBP_USD", "0.12"), nil, ptr(0.10))
	require.False(t, d.Allowed)
	assert.Equal(t, GateExposure, d.Gate())
	assert.Equal(t, "per_market_exposure_exceeded:GBP_USD:0.12>=0.1", d.Reason())

	// percent and fraction forms agree on both sides
	d = CheckLiveLimits(exp("EUR_USD", "12"), nil, ptr(10.0))
	assert.False(t, d.Allowed)
	d = CheckLiveLimits(exp("EUR_USD", "0.12"), nil, ptr(10.0))
	assert.False(t, d.Allowed)
	d = CheckLiveLimits(exp("EUR_USD", "8"), nil, ptr(0.10))
	assert.True(t, d.Allowed)

	// boundary denies, short positions count by magnitude
	d = CheckLiveLimits(exp("EUR_USD", "-0.10"), nil, ptr(0.10))
	assert.False(t, d.Allowed)

	// every offending market is listed, in market order
	d = CheckLiveLimits(exp("USD_JPY", "0.5", "AUD_USD", "0.5"), ptr(3), ptr(0.10))
	require.Len(t, d.Violations, 2)
	assert.Contains(t, d.Violations[0].Msg, "AUD_USD")
	assert.Contains(t, d.Violations[1].Msg, "USD_JPY")

	d = CheckLiveLimits(RunContext{}, nil, ptr(0.10))
	assert.True(t, d.Allowed, "no exposures reported")
}

func TestDecision(t *testing.T) {
	t.Parallel()

	d := Allow()
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Gate())
	assert.Empty(t, d.Reason())
	assert.NoError(t, d.Err())

	d.add(GateLiveTrades, "first")
	d.add(GateExposure, "second")
	assert.False(t, d.Allowed)
	assert.Equal(t, GateLiveTrades, d.Gate())
	assert.Equal(t, "first", d.Reason())
	assert.Equal(t, "first; second", d.Reasons())

	var denied *AdmissionDenied
	require.True(t, errors.As(d.Err(), &denied))
	assert.Equal(t, GateLiveTrades, denied.Gate)
	assert.Equal(t, "admission denied: first", denied.Error())
}
