package schema

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Dataset is an in-memory tabular payload: a row index (trade dates),
// named columns (symbols or series names) and float64 cells.
// NaN marks a missing value.
type Dataset struct {
	index   []string
	columns []string
	cells   [][]float64 // row-major, len(index) x len(columns)
}

// NewDataset creates a dataset with the given index and columns,
// all cells initialized to NaN.
func NewDataset(index, columns []string) *Dataset {
	cells := make([][]float64, len(index))
	for i := range cells {
		row := make([]float64, len(columns))
		for j := range row {
			row[j] = math.NaN()
		}
		cells[i] = row
	}
	return &Dataset{
		index:   append([]string(nil), index...),
		columns: append([]string(nil), columns...),
		cells:   cells,
	}
}

// Rows returns the number of rows.
func (d *Dataset) Rows() int { return len(d.index) }

// Cols returns the number of columns.
func (d *Dataset) Cols() int { return len(d.columns) }

// Shape returns (rows, cols).
func (d *Dataset) Shape() (int, int) { return len(d.index), len(d.columns) }

// Index returns a copy of the row labels.
func (d *Dataset) Index() []string { return append([]string(nil), d.index...) }

// Columns returns a copy of the column names.
func (d *Dataset) Columns() []string { return append([]string(nil), d.columns...) }

// At returns the cell at row i, column j.
func (d *Dataset) At(i, j int) float64 { return d.cells[i][j] }

// SetAt sets the cell at row i, column j.
func (d *Dataset) SetAt(i, j int, v float64) { d.cells[i][j] = v }

// ColIndex returns the position of the named column, or -1.
func (d *Dataset) ColIndex(name string) int {
	for j, c := range d.columns {
		if c == name {
			return j
		}
	}
	return -1
}

// RowIndex returns the position of the row label, or -1.
func (d *Dataset) RowIndex(label string) int {
	for i, r := range d.index {
		if r == label {
			return i
		}
	}
	return -1
}

// Column returns a copy of the named column's values.
func (d *Dataset) Column(name string) ([]float64, bool) {
	j := d.ColIndex(name)
	if j < 0 {
		return nil, false
	}
	out := make([]float64, len(d.index))
	for i := range d.index {
		out[i] = d.cells[i][j]
	}
	return out, true
}

// Clone returns a deep copy.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		index:   append([]string(nil), d.index...),
		columns: append([]string(nil), d.columns...),
		cells:   make([][]float64, len(d.cells)),
	}
	for i, row := range d.cells {
		out.cells[i] = append([]float64(nil), row...)
	}
	return out
}

// Slice returns a new dataset restricted to rows whose labels fall in
// [start, end] (lexicographic, which matches YYYYMMDD / RFC 3339 dates).
// Empty bounds are open.
func (d *Dataset) Slice(start, end string) *Dataset {
	out := &Dataset{columns: append([]string(nil), d.columns...)}
	for i, label := range d.index {
		if start != "" && label < start {
			continue
		}
		if end != "" && label > end {
			continue
		}
		out.index = append(out.index, label)
		out.cells = append(out.cells, append([]float64(nil), d.cells[i]...))
	}
	return out
}

// DatasetSummary is a compact description of a dataset used by quality
// rules and tool output. Finite reports whether every non-missing value
// is finite; NaN cells count toward NaNCount instead. All-NaN extrema
// are reported as 0.
type DatasetSummary struct {
	Rows     int      `json:"rows"`
	Cols     int      `json:"cols"`
	Columns  []string `json:"columns"`
	Start    string   `json:"start,omitempty"`
	End      string   `json:"end,omitempty"`
	NaNCount int      `json:"nan_count"`
	Min      float64  `json:"min"`
	Max      float64  `json:"max"`
	Finite   bool     `json:"finite"`
}

// Summary computes a DatasetSummary.
func (d *Dataset) Summary() DatasetSummary {
	s := DatasetSummary{
		Rows:    len(d.index),
		Cols:    len(d.columns),
		Columns: d.Columns(),
		Min:     math.Inf(1),
		Max:     math.Inf(-1),
		Finite:  true,
	}
	if len(d.index) > 0 {
		s.Start = d.index[0]
		s.End = d.index[len(d.index)-1]
	}
	for _, row := range d.cells {
		for _, v := range row {
			if math.IsNaN(v) {
				s.NaNCount++
				continue
			}
			s.Finite = s.Finite && !math.IsInf(v, 0)
			if v < s.Min {
				s.Min = v
			}
			if v > s.Max {
				s.Max = v
			}
		}
	}
	if math.IsInf(s.Min, 1) {
		s.Min, s.Max = 0, 0
	}
	return s
}

// datasetWire is the JSON form; NaN cells become null.
type datasetWire struct {
	Index   []string     `json:"index"`
	Columns []string     `json:"columns"`
	Cells   [][]*float64 `json:"cells"`
}

func (d *Dataset) MarshalJSON() ([]byte, error) {
	w := datasetWire{Index: d.index, Columns: d.columns, Cells: make([][]*float64, len(d.cells))}
	for i, row := range d.cells {
		wr := make([]*float64, len(row))
		for j := range row {
			if !math.IsNaN(row[j]) {
				v := row[j]
				wr[j] = &v
			}
		}
		w.Cells[i] = wr
	}
	return json.Marshal(w)
}

func (d *Dataset) UnmarshalJSON(data []byte) error {
	var w datasetWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	d.index = w.Index
	d.columns = w.Columns
	d.cells = make([][]float64, len(w.Cells))
	for i, wr := range w.Cells {
		row := make([]float64, len(d.columns))
		for j := range row {
			if j < len(wr) && wr[j] != nil {
				row[j] = *wr[j]
			} else {
				row[j] = math.NaN()
			}
		}
		d.cells[i] = row
	}
	return nil
}

// WriteCSV writes the dataset with a leading "date" column.
func (d *Dataset) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append([]string{"date"}, d.columns...)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for i, label := range d.index {
		rec[0] = label
		for j, v := range d.cells[i] {
			if math.IsNaN(v) {
				rec[j+1] = ""
			} else {
				rec[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a dataset written by WriteCSV (or any CSV whose first
// column is the row label). Empty and unparsable cells become NaN.
func ReadCSV(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("read csv: empty input")
	}
	header := records[0]
	if len(header) < 2 {
		return nil, fmt.Errorf("read csv: need a label column and at least one value column")
	}
	ds := &Dataset{columns: append([]string(nil), header[1:]...)}
	for _, rec := range records[1:] {
		if len(rec) == 0 {
			continue
		}
		ds.index = append(ds.index, rec[0])
		row := make([]float64, len(ds.columns))
		for j := range row {
			row[j] = math.NaN()
			if j+1 < len(rec) && rec[j+1] != "" {
				if v, err := strconv.ParseFloat(rec[j+1], 64); err == nil {
					row[j] = v
				}
			}
		}
		ds.cells = append(ds.cells, row)
	}
	return ds, nil
}

// FromColumns builds a dataset from named column slices sharing one index.
// All columns must have len(index) values.
func FromColumns(index []string, cols map[string][]float64, order []string) (*Dataset, error) {
	ds := NewDataset(index, order)
	for j, name := range order {
		vals, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("from columns: missing column %q", name)
		}
		if len(vals) != len(index) {
			return nil, fmt.Errorf("from columns: column %q has %d values, index has %d", name, len(vals), len(index))
		}
		for i, v := range vals {
			ds.cells[i][j] = v
		}
	}
	return ds, nil
}
