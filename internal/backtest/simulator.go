// Package backtest provides a self-contained moving-average crossover
// simulator used as the evaluation backend for parameter optimization.
package backtest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cinar/indicator/v2/trend"

	"github.com/ajitpratap0/evofunk/pkg/optimizer"
)

// Candle is one bar of synthetic price data
type Candle struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// GenerateCandles produces a seeded synthetic price series: a geometric
// random walk with mild drift, suitable for deterministic optimizer runs.
func GenerateCandles(n int, seed int64) []Candle {
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- synthetic data, reproducibility matters

	candles := make([]Candle, n)
	price := 100.0
	for i := range candles {
		drift := 0.0002
		shock := rng.NormFloat64() * 0.015
		open := price
		price = price * math.Exp(drift+shock)

		high := math.Max(open, price) * (1 + rng.Float64()*0.005)
		low := math.Min(open, price) * (1 - rng.Float64()*0.005)
		candles[i] = Candle{
			Open:   open,
			High:   high,
			Low:    low,
			Close:  price,
			Volume: 1000 + rng.Float64()*5000,
		}
	}
	return candles
}

// Simulator runs moving-average crossover backtests over a fixed candle
// series. It implements the optimizer's evaluation contract and is safe for
// concurrent use: all state is read-only after construction.
type Simulator struct {
	candles        []Candle
	initialCapital float64
	commissionRate float64
	log            zerolog.Logger
}

// NewSimulator builds a simulator over the given candle series
func NewSimulator(candles []Candle, initialCapital, commissionRate float64) (*Simulator, error) {
	if len(candles) < 10 {
		return nil, fmt.Errorf("simulator requires at least 10 candles, got %d", len(candles))
	}
	if initialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive")
	}
	return &Simulator{
		candles:        candles,
		initialCapital: initialCapital,
		commissionRate: commissionRate,
		log:            log.With().Str("component", "simulator").Logger(),
	}, nil
}

// crossoverParams are the strategy parameters the simulator understands
type crossoverParams struct {
	fastPeriod  int
	slowPeriod  int
	maType      string // "sma" or "ema"
	stopLossPct float64
	longOnly    bool
}

func parseParams(params optimizer.ParameterSet) (crossoverParams, error) {
	cp := crossoverParams{
		fastPeriod:  10,
		slowPeriod:  30,
		maType:      "sma",
		stopLossPct: 0,
		longOnly:    true,
	}

	if v, ok := params["fast_period"]; ok {
		cp.fastPeriod = int(v.Int())
	}
	if v, ok := params["slow_period"]; ok {
		cp.slowPeriod = int(v.Int())
	}
	if v, ok := params["ma_type"]; ok {
		cp.maType = v.String()
	}
	if v, ok := params["stop_loss_pct"]; ok {
		cp.stopLossPct = v.Float()
	}
	if v, ok := params["long_only"]; ok {
		cp.longOnly = v.Bool()
	}

	if cp.fastPeriod < 1 || cp.slowPeriod < 2 {
		return cp, fmt.Errorf("invalid moving average periods: fast=%d slow=%d", cp.fastPeriod, cp.slowPeriod)
	}
	if cp.fastPeriod >= cp.slowPeriod {
		return cp, fmt.Errorf("fast period %d must be below slow period %d", cp.fastPeriod, cp.slowPeriod)
	}
	return cp, nil
}

// movingAverage computes an SMA or EMA over closing prices
func (s *Simulator) movingAverage(closes []float64, period int, maType string) ([]float64, error) {
	in := make(chan float64, len(closes))
	for _, c := range closes {
		in <- c
	}
	close(in)

	var out <-chan float64
	switch maType {
	case "ema":
		out = trend.NewEmaWithPeriod[float64](period).Compute(in)
	case "sma":
		out = trend.NewSmaWithPeriod[float64](period).Compute(in)
	default:
		return nil, fmt.Errorf("unknown moving average type %q", maType)
	}

	var values []float64
	for v := range out {
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no %s values computed for period %d", maType, period)
	}
	return values, nil
}

// RunEvaluation backtests the crossover strategy with the given parameters
// and reports raw performance.
func (s *Simulator) RunEvaluation(ctx context.Context, params optimizer.ParameterSet, strategy optimizer.StrategyDescriptor, evalCtx optimizer.EvaluationContext) (*optimizer.PerformanceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cp, err := parseParams(params)
	if err != nil {
		return nil, err
	}

	candles := s.candles
	if v, ok := evalCtx["max_candles"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < len(candles) {
			candles = candles[:n]
		}
	}
	if cp.slowPeriod >= len(candles) {
		return nil, fmt.Errorf("slow period %d exceeds series length %d", cp.slowPeriod, len(candles))
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	fast, err := s.movingAverage(closes, cp.fastPeriod, cp.maType)
	if err != nil {
		return nil, err
	}
	slow, err := s.movingAverage(closes, cp.slowPeriod, cp.maType)
	if err != nil {
		return nil, err
	}

	// The indicator library trims the warmup; align both series to the
	// shorter one from the tail.
	n := len(slow)
	if len(fast) < n {
		n = len(fast)
	}
	fast = fast[len(fast)-n:]
	slow = slow[len(slow)-n:]
	aligned := candles[len(candles)-n:]

	return s.simulate(aligned, fast, slow, cp), nil
}

// simulate walks the aligned series executing crossover entries and exits
func (s *Simulator) simulate(candles []Candle, fast, slow []float64, cp crossoverParams) *optimizer.PerformanceResult {
	equity := s.initialCapital
	peak := equity
	maxDrawdown := 0.0

	inPosition := false
	entryPrice := 0.0
	units := 0.0

	var trades, wins int
	var grossProfit, grossLoss float64
	returns := make([]float64, 0, len(candles))
	prevEquity := equity

	closePosition := func(price float64) {
		proceeds := units * price
		proceeds -= proceeds * s.commissionRate
		pnl := proceeds - units*entryPrice
		equity += pnl
		trades++
		if pnl > 0 {
			wins++
			grossProfit += pnl
		} else {
			grossLoss += -pnl
		}
		inPosition = false
		units = 0
	}

	for i := 1; i < len(candles); i++ {
		price := candles[i].Close

		crossedUp := fast[i-1] <= slow[i-1] && fast[i] > slow[i]
		crossedDown := fast[i-1] >= slow[i-1] && fast[i] < slow[i]

		if inPosition {
			stopHit := cp.stopLossPct > 0 && candles[i].Low <= entryPrice*(1-cp.stopLossPct/100)
			if stopHit {
				closePosition(entryPrice * (1 - cp.stopLossPct/100))
			} else if crossedDown {
				closePosition(price)
			}
		} else if crossedUp {
			cost := equity
			units = cost * (1 - s.commissionRate) / price
			entryPrice = price
			inPosition = true
		}

		mark := equity
		if inPosition {
			mark = units * price
		}
		if prevEquity > 0 {
			returns = append(returns, mark/prevEquity-1)
		}
		prevEquity = mark

		if mark > peak {
			peak = mark
		}
		if peak > 0 {
			dd := (peak - mark) / peak
			if dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}

	if inPosition {
		closePosition(candles[len(candles)-1].Close)
	}

	return s.computeMetrics(equity, maxDrawdown, trades, wins, grossProfit, grossLoss, returns, len(candles))
}

// bars per year assuming hourly candles
const annualBars = 24 * 365

func (s *Simulator) computeMetrics(finalEquity, maxDrawdown float64, trades, wins int, grossProfit, grossLoss float64, returns []float64, bars int) *optimizer.PerformanceResult {
	totalReturn := finalEquity/s.initialCapital - 1
	years := float64(bars) / annualBars
	annualized := totalReturn
	if years > 0 && totalReturn > -1 {
		annualized = math.Pow(1+totalReturn, 1/years) - 1
	}

	mean, std := meanStd(returns)
	volatility := std * math.Sqrt(annualBars)
	sharpe := 0.0
	if std > 0 {
		sharpe = mean / std * math.Sqrt(annualBars)
	}

	winRate := 0.0
	if trades > 0 {
		winRate = float64(wins) / float64(trades) * 100
	}
	profitFactor := 0.0
	switch {
	case grossLoss > 0:
		profitFactor = grossProfit / grossLoss
	case grossProfit > 0:
		profitFactor = math.Inf(1)
	}
	calmar := 0.0
	if maxDrawdown > 0 {
		calmar = annualized / maxDrawdown
	}

	result := &optimizer.PerformanceResult{
		AnnualizedReturn: annualized * 100,
		SharpeRatio:      sharpe,
		MaxDrawdownPct:   maxDrawdown * 100,
		WinRate:          winRate,
		TotalTrades:      trades,
		Volatility:       volatility * 100,
		ProfitFactor:     profitFactor,
		CalmarRatio:      calmar,
	}

	s.log.Debug().
		Float64("return_pct", totalReturn*100).
		Float64("sharpe", sharpe).
		Float64("max_drawdown_pct", result.MaxDrawdownPct).
		Int("trades", trades).
		Msg("Simulation complete")

	return result
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	if len(values) < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(values)-1))
}
