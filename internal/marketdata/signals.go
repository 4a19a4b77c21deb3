package marketdata

import (
	"math"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// ComputeSignal turns a strategy recipe into a {-1, 0, 1} signal
// dataset aligned to the close prices. Rows where the window is
// incomplete or the inputs are NaN stay 0 (hold).
func ComputeSignal(spec *schema.StrategySpec, ohlcv, indicators map[string]*schema.Dataset) (*schema.Dataset, error) {
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "strategy spec is required")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	switch spec.Kind {
	case schema.StrategyMACross:
		close, err := requireField(ohlcv, "close", "ohlcv")
		if err != nil {
			return nil, err
		}
		return maCrossSignal(close, spec.Fast, spec.Slow), nil
	case schema.StrategyMomentum:
		close, err := requireField(ohlcv, "close", "ohlcv")
		if err != nil {
			return nil, err
		}
		return momentumSignal(close, spec.Lookback), nil
	case schema.StrategyThreshold:
		field, err := requireField(indicators, spec.Field, "indicators")
		if err != nil {
			return nil, err
		}
		return thresholdSignal(field, spec.Threshold), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown strategy kind %q", spec.Kind)
}

func requireField(data map[string]*schema.Dataset, field, bucket string) (*schema.Dataset, error) {
	ds, ok := data[field]
	if !ok || ds == nil || ds.Rows() == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeData, "%s bucket has no %q data", bucket, field)
	}
	return ds, nil
}

// maCrossSignal buys while the fast moving average sits above the slow
// one and sells while it sits below.
func maCrossSignal(close *schema.Dataset, fast, slow int) *schema.Dataset {
	signal := schema.NewDataset(close.Index(), close.Columns())
	rows, cols := close.Shape()
	for j := 0; j < cols; j++ {
		series := columnValues(close, j)
		fastMA := rollingMean(series, fast)
		slowMA := rollingMean(series, slow)
		for i := 0; i < rows; i++ {
			signal.SetAt(i, j, compareSignal(fastMA[i], slowMA[i]))
		}
	}
	return signal
}

// momentumSignal buys on a positive lookback return and sells on a
// negative one.
func momentumSignal(close *schema.Dataset, lookback int) *schema.Dataset {
	signal := schema.NewDataset(close.Index(), close.Columns())
	rows, cols := close.Shape()
	for j := 0; j < cols; j++ {
		series := columnValues(close, j)
		for i := 0; i < rows; i++ {
			signal.SetAt(i, j, 0)
			if i < lookback {
				continue
			}
			now, then := series[i], series[i-lookback]
			if math.IsNaN(now) || math.IsNaN(then) || then == 0 {
				continue
			}
			signal.SetAt(i, j, compareSignal(now/then-1, 0))
		}
	}
	return signal
}

// thresholdSignal buys at or above the cutoff and sells below it.
func thresholdSignal(field *schema.Dataset, threshold float64) *schema.Dataset {
	signal := schema.NewDataset(field.Index(), field.Columns())
	rows, cols := field.Shape()
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			v := field.At(i, j)
			if math.IsNaN(v) {
				signal.SetAt(i, j, 0)
				continue
			}
			signal.SetAt(i, j, compareSignal(v, threshold))
		}
	}
	return signal
}

func compareSignal(a, b float64) float64 {
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		return 0
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

func columnValues(d *schema.Dataset, j int) []float64 {
	out := make([]float64, d.Rows())
	for i := range out {
		out[i] = d.At(i, j)
	}
	return out
}

// rollingMean computes a trailing mean per row; rows with fewer than
// window observations (or any NaN inside the window) yield NaN.
func rollingMean(series []float64, window int) []float64 {
	out := make([]float64, len(series))
	for i := range out {
		if i+1 < window {
			out[i] = math.NaN()
			continue
		}
		sum := 0.0
		ok := true
		for k := i - window + 1; k <= i; k++ {
			if math.IsNaN(series[k]) {
				ok = false
				break
			}
			sum += series[k]
		}
		if !ok {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(window)
	}
	return out
}
