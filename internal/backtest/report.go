package backtest

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

const (
	// ReportFile is the human-readable strategy report name.
	ReportFile = "strategy_report.txt"
	// ReturnsFile is the daily returns CSV name.
	ReturnsFile = "daily_returns.csv"
)

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// WriteReport renders the outcome into <dir>/strategy_report.txt and
// <dir>/daily_returns.csv, creating the directory if needed.
func WriteReport(dir string, outcome *Outcome) error {
	if outcome == nil || outcome.DailyReturns == nil || outcome.EquityCurve == nil {
		return schema.NewError(schema.ErrCodeData, "no backtest outcome to report")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create report dir %s: %s", dir, err.Error()).WithCause(err)
	}

	if err := os.WriteFile(filepath.Join(dir, ReportFile), []byte(renderReport(outcome)), 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write %s: %s", ReportFile, err.Error()).WithCause(err)
	}

	f, err := os.Create(filepath.Join(dir, ReturnsFile))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write %s: %s", ReturnsFile, err.Error()).WithCause(err)
	}
	defer f.Close()
	if err := outcome.DailyReturns.WriteCSV(f); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode %s: %s", ReturnsFile, err.Error()).WithCause(err)
	}
	return nil
}

func renderReport(outcome *Outcome) string {
	var b strings.Builder
	index := outcome.EquityCurve.Index()
	b.WriteString("Strategy Backtest Report\n")
	b.WriteString("========================\n\n")
	if len(index) > 0 {
		fmt.Fprintf(&b, "Period: %s .. %s (%d trading days)\n\n", index[0], index[len(index)-1], len(index))
	}

	s := outcome.Stats
	rows := []struct {
		label string
		value string
	}{
		{"Total return", fmt.Sprintf("%+.2f%%", s.TotalReturn*100)},
		{"Annualized return", fmt.Sprintf("%+.2f%%", s.AnnualizedReturn*100)},
		{"Max drawdown", fmt.Sprintf("%.2f%%", s.MaxDrawdown*100)},
		{"Sharpe ratio", fmt.Sprintf("%.2f", s.Sharpe)},
		{"Win rate", fmt.Sprintf("%.1f%%", s.WinRate*100)},
		{"Trades", fmt.Sprintf("%d", s.Trades)},
	}
	for _, row := range rows {
		fmt.Fprintf(&b, "%-20s %s\n", row.label, row.value)
	}

	if curve, ok := outcome.EquityCurve.Column(PortfolioColumn); ok {
		b.WriteString("\nEquity curve\n")
		b.WriteString(sparkline(curve, 60))
		b.WriteString("\n")
	}
	return b.String()
}

// sparkline draws the series with block characters, downsampled to at
// most width points.
func sparkline(series []float64, width int) string {
	points := downsample(series, width)
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range points {
		if math.IsNaN(v) {
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if math.IsInf(min, 1) {
		return ""
	}

	var b strings.Builder
	span := max - min
	for _, v := range points {
		if math.IsNaN(v) {
			b.WriteRune(' ')
			continue
		}
		level := 0
		if span > 0 {
			level = int((v - min) / span * float64(len(sparkLevels)-1))
		}
		b.WriteRune(sparkLevels[level])
	}
	return b.String()
}

func downsample(series []float64, width int) []float64 {
	if len(series) <= width {
		return series
	}
	out := make([]float64, width)
	for i := range out {
		out[i] = series[i*len(series)/width]
	}
	return out
}
