// Package marketdata loads daily bars and indicator series for the
// pipeline's data step. Datasets come back pivoted: one dataset per
// field, dates down the index and symbols across the columns.
package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// OHLCVFields are the bar fields Daily always returns, in order.
var OHLCVFields = []string{"open", "high", "low", "close", "volume"}

// Provider supplies market data to the data_fetch step.
type Provider interface {
	// Daily returns one dataset per OHLCV field covering the symbols
	// over [start, end] (YYYYMMDD, empty bounds open).
	Daily(ctx context.Context, symbols []string, start, end string) (map[string]*schema.Dataset, error)
	// Indicators returns one dataset per requested field (pe, pb,
	// turnover_rate and the like) over the same range.
	Indicators(ctx context.Context, symbols []string, start, end string, fields []string) (map[string]*schema.Dataset, error)
}

// CSVProvider reads tushare-style daily files from <dir>/<symbol>.csv.
// Each file is long-format: a header row naming at least trade_date plus
// the value columns, one row per trading day.
type CSVProvider struct {
	dir string
}

// NewCSVProvider creates a provider over the given data directory.
func NewCSVProvider(dir string) *CSVProvider {
	return &CSVProvider{dir: dir}
}

// columnAliases maps requested field names to accepted CSV headers.
// Tushare exports volume as "vol".
var columnAliases = map[string][]string{
	"volume": {"volume", "vol"},
}

// symbolSeries is one symbol's parsed file: sorted dates and one value
// slice per field, aligned to the dates.
type symbolSeries struct {
	dates  []string
	values map[string][]float64
}

func (p *CSVProvider) Daily(ctx context.Context, symbols []string, start, end string) (map[string]*schema.Dataset, error) {
	return p.load(ctx, symbols, start, end, OHLCVFields)
}

func (p *CSVProvider) Indicators(ctx context.Context, symbols []string, start, end string, fields []string) (map[string]*schema.Dataset, error) {
	if len(fields) == 0 {
		return map[string]*schema.Dataset{}, nil
	}
	return p.load(ctx, symbols, start, end, fields)
}

// load reads every symbol file, filters to the date range, and pivots
// into one dates-by-symbols dataset per field. Dates missing for a
// symbol become NaN cells.
func (p *CSVProvider) load(ctx context.Context, symbols []string, start, end string, fields []string) (map[string]*schema.Dataset, error) {
	if len(symbols) == 0 {
		return nil, schema.NewError(schema.ErrCodeData, "no symbols requested")
	}

	series := make(map[string]*symbolSeries, len(symbols))
	dateSet := make(map[string]struct{})
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "data load cancelled").WithCause(err)
		}
		s, err := p.readSymbol(symbol, start, end, fields)
		if err != nil {
			return nil, err
		}
		series[symbol] = s
		for _, d := range s.dates {
			dateSet[d] = struct{}{}
		}
	}

	index := make([]string, 0, len(dateSet))
	for d := range dateSet {
		index = append(index, d)
	}
	sort.Strings(index)

	out := make(map[string]*schema.Dataset, len(fields))
	for _, field := range fields {
		ds := schema.NewDataset(index, symbols)
		for j, symbol := range symbols {
			s := series[symbol]
			col := s.values[field]
			for k, date := range s.dates {
				if i := ds.RowIndex(date); i >= 0 {
					ds.SetAt(i, j, col[k])
				}
			}
		}
		out[field] = ds
	}
	return out, nil
}

func (p *CSVProvider) readSymbol(symbol, start, end string, fields []string) (*symbolSeries, error) {
	path := filepath.Join(p.dir, symbol+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeData, "no data file for %s at %s", symbol, path).WithCause(err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeData, "read header of %s: %s", path, err.Error()).WithCause(err)
	}

	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	dateCol, ok := colIdx["trade_date"]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeData, "%s has no trade_date column", path)
	}

	fieldCols := make(map[string]int, len(fields))
	for _, field := range fields {
		idx, found := -1, false
		for _, alias := range aliasesFor(field) {
			if i, ok := colIdx[alias]; ok {
				idx, found = i, true
				break
			}
		}
		if !found {
			return nil, schema.NewErrorf(schema.ErrCodeData, "%s has no %q column", path, field)
		}
		fieldCols[field] = idx
	}

	s := &symbolSeries{values: make(map[string][]float64, len(fields))}
	for line := 2; ; line++ {
		record, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, schema.NewErrorf(schema.ErrCodeData, "read %s line %d: %s", path, line, err.Error()).WithCause(err)
		}
		date := normalizeDate(record[dateCol])
		if start != "" && date < start {
			continue
		}
		if end != "" && date > end {
			continue
		}
		s.dates = append(s.dates, date)
		for _, field := range fields {
			s.values[field] = append(s.values[field], parseCell(record[fieldCols[field]]))
		}
	}
	if len(s.dates) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeData,
			"no rows for %s in [%s, %s]", symbol, start, end)
	}
	sortSeries(s, fields)
	return s, nil
}

func aliasesFor(field string) []string {
	if aliases, ok := columnAliases[field]; ok {
		return aliases
	}
	return []string{field}
}

// normalizeDate strips separators so 2024-09-01 and 20240901 compare
// equal.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, "/", "")
}

func parseCell(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func sortSeries(s *symbolSeries, fields []string) {
	order := make([]int, len(s.dates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return s.dates[order[a]] < s.dates[order[b]] })

	dates := make([]string, len(s.dates))
	for i, o := range order {
		dates[i] = s.dates[o]
	}
	s.dates = dates
	for _, field := range fields {
		col := s.values[field]
		sorted := make([]float64, len(col))
		for i, o := range order {
			sorted[i] = col[o]
		}
		s.values[field] = sorted
	}
}

var _ Provider = (*CSVProvider)(nil)
