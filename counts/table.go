// Package counts provides per-sample count tables, sequence lengths
// and their alignment into the matrices consumed by the strain model.
package counts

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"
)

// log is the global logging variable.
var log = logging.MustGetLogger("counts")

// Record is a single (row, column, value) triple from a long-format
// table.
type Record struct {
	Row   string
	Col   string
	Value float64
}

// Table is a sample x category matrix. Rows are samples, columns are
// categories (taxa or sequences).
type Table struct {
	Rows []string
	Cols []string
	Data *mat.Dense
}

// NewTable creates a zero table with the given identifiers.
func NewTable(rows, cols []string) *Table {
	t := &Table{
		Rows: append([]string(nil), rows...),
		Cols: append([]string(nil), cols...),
	}
	if len(rows) > 0 && len(cols) > 0 {
		t.Data = mat.NewDense(len(rows), len(cols), nil)
	}
	return t
}

// Dims returns number of rows and columns.
func (t *Table) Dims() (int, int) {
	return len(t.Rows), len(t.Cols)
}

// At returns the value in row i and column j.
func (t *Table) At(i, j int) float64 {
	return t.Data.At(i, j)
}

// RowSum returns sum of row i.
func (t *Table) RowSum(i int) (s float64) {
	for j := range t.Cols {
		s += t.Data.At(i, j)
	}
	return
}

// ColSum returns sum of column j.
func (t *Table) ColSum(j int) (s float64) {
	for i := range t.Rows {
		s += t.Data.At(i, j)
	}
	return
}

// FromRecords builds a table from long-format records. Row and
// column identifiers are sorted, missing combinations are zero and
// repeated combinations are summed.
func FromRecords(recs []Record) (*Table, error) {
	rowIdx := make(map[string]int)
	colIdx := make(map[string]int)
	for _, r := range recs {
		if r.Value < 0 || math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			return nil, fmt.Errorf("incorrect value %v for (%s, %s)", r.Value, r.Row, r.Col)
		}
		rowIdx[r.Row] = 0
		colIdx[r.Col] = 0
	}
	t := NewTable(sortedKeys(rowIdx), sortedKeys(colIdx))
	if t.Data == nil {
		return t, nil
	}
	for i, id := range t.Rows {
		rowIdx[id] = i
	}
	for j, id := range t.Cols {
		colIdx[id] = j
	}
	for _, r := range recs {
		i, j := rowIdx[r.Row], colIdx[r.Col]
		t.Data.Set(i, j, t.Data.At(i, j)+r.Value)
	}
	return t, nil
}

// Round rounds every value to the nearest integer, count tables are
// multinomial observations.
func (t *Table) Round() {
	if t.Data == nil {
		return
	}
	t.Data.Apply(func(_, _ int, v float64) float64 {
		return math.Round(v)
	}, t.Data)
}

// FilterCols returns a new table with the columns which total is at
// least min.
func (t *Table) FilterCols(min float64) *Table {
	var keep []int
	var cols []string
	for j, id := range t.Cols {
		if t.ColSum(j) >= min {
			keep = append(keep, j)
			cols = append(cols, id)
		} else {
			log.Debugf("dropping column %s (total < %v)", id, min)
		}
	}
	nt := NewTable(t.Rows, cols)
	if nt.Data == nil {
		return nt
	}
	for i := range t.Rows {
		for nj, j := range keep {
			nt.Data.Set(i, nj, t.Data.At(i, j))
		}
	}
	return nt
}

// ReadRecords reads whitespace separated `row col value` lines. Empty
// lines and lines starting with # are skipped.
func ReadRecords(rd io.Reader) (recs []Record, err error) {
	scanner := bufio.NewScanner(rd)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: expected 3 fields, got %d", lineNo, len(fields))
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		recs = append(recs, Record{Row: fields[0], Col: fields[1], Value: v})
	}
	return recs, scanner.Err()
}

// ReadTable reads a long-format table.
func ReadTable(rd io.Reader) (*Table, error) {
	recs, err := ReadRecords(rd)
	if err != nil {
		return nil, err
	}
	return FromRecords(recs)
}

// WriteTable writes a table in long format. Zero cells are written
// too, so that rows and columns without counts are kept.
func WriteTable(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	for i, row := range t.Rows {
		for j, col := range t.Cols {
			v := t.Data.At(i, j)
			if _, err := fmt.Fprintf(bw, "%s\t%s\t%s\n", row, col, strconv.FormatFloat(v, 'g', -1, 64)); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Lengths is a vector of sequence lengths.
type Lengths struct {
	IDs    []string
	Values []float64
}

// ReadLengths reads `sequence_id length` lines.
func ReadLengths(rd io.Reader) (*Lengths, error) {
	l := &Lengths{}
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(rd)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected 2 fields, got %d", lineNo, len(fields))
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if seen[fields[0]] {
			return nil, fmt.Errorf("line %d: duplicate sequence id %s", lineNo, fields[0])
		}
		seen[fields[0]] = true
		l.IDs = append(l.IDs, fields[0])
		l.Values = append(l.Values, v)
	}
	return l, scanner.Err()
}

// WriteLengths writes `sequence_id length` lines.
func WriteLengths(w io.Writer, l *Lengths) error {
	bw := bufio.NewWriter(w)
	for i, id := range l.IDs {
		if _, err := fmt.Fprintf(bw, "%s\t%s\n", id, strconv.FormatFloat(l.Values[i], 'g', -1, 64)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
