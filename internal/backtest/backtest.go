// Package backtest simulates a long-only signal portfolio over daily
// closes and derives the performance statistics the pnl report step
// publishes.
package backtest

import (
	"math"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

const tradingDaysPerYear = 252

// Params are the portfolio simulation knobs.
type Params struct {
	InitCash float64 // starting cash per symbol
	Fees     float64 // proportional fee per position change
	Slippage float64 // proportional slippage per position change
}

// DefaultParams returns the stock simulation parameters.
func DefaultParams() Params {
	return Params{InitCash: 100000, Fees: 0.001, Slippage: 0.0}
}

// Stats summarizes a simulated portfolio.
type Stats struct {
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	Sharpe           float64 `json:"sharpe"`
	WinRate          float64 `json:"win_rate"`
	Trades           int     `json:"trades"`
}

// Outcome is the full simulation result. DailyReturns and EquityCurve
// carry one column per symbol plus a "portfolio" column holding the
// equal-weight aggregate.
type Outcome struct {
	DailyReturns *schema.Dataset
	EquityCurve  *schema.Dataset
	Stats        Stats
}

// PortfolioColumn names the equal-weight aggregate column.
const PortfolioColumn = "portfolio"

// Run simulates the signal against the closes. A cell of 1 opens (or
// holds) a long position starting the next day, -1 closes it, 0 leaves
// it unchanged. Fees and slippage are charged on the day a position
// changes. The signal is realigned to the close index; dates the signal
// lacks count as hold.
func Run(signal, close *schema.Dataset, params Params) (*Outcome, error) {
	if signal == nil || close == nil {
		return nil, schema.NewError(schema.ErrCodeData, "backtest needs both signal and close data")
	}
	if close.Rows() < 2 {
		return nil, schema.NewErrorf(schema.ErrCodeData, "backtest needs at least 2 close rows, got %d", close.Rows())
	}
	if params.InitCash <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "init cash must be positive, got %v", params.InitCash)
	}

	index := close.Index()
	symbols := close.Columns()
	cost := params.Fees + params.Slippage

	columns := append(append([]string(nil), symbols...), PortfolioColumn)
	returns := schema.NewDataset(index, columns)
	equity := schema.NewDataset(index, columns)

	trades := 0
	for j, symbol := range symbols {
		sigCol := alignedSignal(signal, symbol, index)
		closeCol, _ := close.Column(symbol)

		position := 0.0
		value := params.InitCash
		for i := range index {
			// Yesterday's signal decides today's position.
			target := position
			if i > 0 {
				switch sigCol[i-1] {
				case 1:
					target = 1
				case -1:
					target = 0
				}
			}
			changed := target != position
			position = target

			r := 0.0
			if i > 0 && position > 0 && !math.IsNaN(closeCol[i]) && !math.IsNaN(closeCol[i-1]) && closeCol[i-1] != 0 {
				r = closeCol[i]/closeCol[i-1] - 1
			}
			if changed {
				r -= cost
				trades++
			}

			value *= 1 + r
			returns.SetAt(i, j, r)
			equity.SetAt(i, j, value)
		}
	}

	aggregate(returns, equity, len(symbols), params.InitCash)

	portfolio, _ := returns.Column(PortfolioColumn)
	curve, _ := equity.Column(PortfolioColumn)
	return &Outcome{
		DailyReturns: returns,
		EquityCurve:  equity,
		Stats:        computeStats(portfolio, curve, params.InitCash, trades),
	}, nil
}

// alignedSignal reindexes one symbol's signal onto the close dates,
// treating missing dates or columns as hold.
func alignedSignal(signal *schema.Dataset, symbol string, index []string) []float64 {
	out := make([]float64, len(index))
	j := signal.ColIndex(symbol)
	if j < 0 {
		return out
	}
	for k, date := range index {
		i := signal.RowIndex(date)
		if i < 0 {
			continue
		}
		if v := signal.At(i, j); !math.IsNaN(v) {
			out[k] = v
		}
	}
	return out
}

// aggregate fills the portfolio column with the equal-weight mean
// return and its compounded equity.
func aggregate(returns, equity *schema.Dataset, symbols int, initCash float64) {
	rows := returns.Rows()
	col := returns.ColIndex(PortfolioColumn)
	value := initCash
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < symbols; j++ {
			sum += returns.At(i, j)
		}
		mean := sum / float64(symbols)
		value *= 1 + mean
		returns.SetAt(i, col, mean)
		equity.SetAt(i, col, value)
	}
}

func computeStats(returns, equity []float64, initCash float64, trades int) Stats {
	s := Stats{Trades: trades}
	if len(equity) == 0 {
		return s
	}
	s.TotalReturn = equity[len(equity)-1]/initCash - 1
	years := float64(len(returns)) / tradingDaysPerYear
	if years > 0 && 1+s.TotalReturn > 0 {
		s.AnnualizedReturn = math.Pow(1+s.TotalReturn, 1/years) - 1
	}

	peak := initCash
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if dd := 1 - v/peak; dd > s.MaxDrawdown {
			s.MaxDrawdown = dd
		}
	}

	mean, std := meanStd(returns)
	if std > 0 {
		s.Sharpe = mean / std * math.Sqrt(tradingDaysPerYear)
	}

	wins, active := 0, 0
	for _, r := range returns {
		if r == 0 {
			continue
		}
		active++
		if r > 0 {
			wins++
		}
	}
	if active > 0 {
		s.WinRate = float64(wins) / float64(active)
	}
	return s
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	variance := 0.0
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

// Keys under which the outcome lands in the backtest_results bucket.
const (
	ReturnsKey = "daily_returns"
	EquityKey  = "equity_curve"
	StatsKey   = "stats"
)

// BucketEntries packs an outcome for the backtest_results bucket.
func BucketEntries(outcome *Outcome) map[string]*schema.Dataset {
	return map[string]*schema.Dataset{
		ReturnsKey: outcome.DailyReturns,
		EquityKey:  outcome.EquityCurve,
		StatsKey:   StatsDataset(outcome.Stats),
	}
}

// FromBucket reconstructs an outcome from bucket entries written by an
// earlier backtest step. Missing daily returns are a DATA_ERROR; a
// missing stats entry leaves zero stats.
func FromBucket(entries map[string]*schema.Dataset) (*Outcome, error) {
	returns := entries[ReturnsKey]
	if returns == nil {
		return nil, schema.NewErrorf(schema.ErrCodeData, "backtest_results has no %s entry", ReturnsKey)
	}
	equity := entries[EquityKey]
	if equity == nil {
		return nil, schema.NewErrorf(schema.ErrCodeData, "backtest_results has no %s entry", EquityKey)
	}
	out := &Outcome{DailyReturns: returns, EquityCurve: equity}
	if stats := entries[StatsKey]; stats != nil {
		out.Stats = statsFromDataset(stats)
	}
	return out, nil
}

func statsFromDataset(ds *schema.Dataset) Stats {
	at := func(label string) float64 {
		i := ds.RowIndex(label)
		if i < 0 {
			return 0
		}
		return ds.At(i, 0)
	}
	return Stats{
		TotalReturn:      at("total_return"),
		AnnualizedReturn: at("annualized_return"),
		MaxDrawdown:      at("max_drawdown"),
		Sharpe:           at("sharpe"),
		WinRate:          at("win_rate"),
		Trades:           int(at("trades")),
	}
}

// StatsDataset packs the stats into a one-column dataset so they travel
// through the backtest_results bucket like every other payload.
func StatsDataset(s Stats) *schema.Dataset {
	index := []string{"total_return", "annualized_return", "max_drawdown", "sharpe", "win_rate", "trades"}
	ds := schema.NewDataset(index, []string{"value"})
	for i, v := range []float64{s.TotalReturn, s.AnnualizedReturn, s.MaxDrawdown, s.Sharpe, s.WinRate, float64(s.Trades)} {
		ds.SetAt(i, 0, v)
	}
	return ds
}
