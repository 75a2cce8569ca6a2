package counts

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// DataAlignmentError is returned when identifier sets of the input
// tables cannot be reconciled.
type DataAlignmentError struct {
	Reason string
	IDs    []string
}

func (e *DataAlignmentError) Error() string {
	if len(e.IDs) == 0 {
		return "data alignment: " + e.Reason
	}
	ids := e.IDs
	suffix := ""
	if len(ids) > 5 {
		ids = ids[:5]
		suffix = ", ..."
	}
	return fmt.Sprintf("data alignment: %s (%s%s)", e.Reason, strings.Join(ids, ", "), suffix)
}

// Dataset holds aligned count matrices. Row n of Tax and Seq is
// sample Samples[n], column g of Seq has length Length[g].
type Dataset struct {
	Samples   []string
	Taxa      []string
	Sequences []string
	// Tax is N x T taxon counts.
	Tax *mat.Dense
	// Seq is N x G sequence counts.
	Seq *mat.Dense
	// Length is the sequence length vector (G).
	Length []float64
}

// Dims returns number of samples, taxa and sequences.
func (d *Dataset) Dims() (n, t, g int) {
	return len(d.Samples), len(d.Taxa), len(d.Sequences)
}

// TaxTable returns the taxon counts as a Table.
func (d *Dataset) TaxTable() *Table {
	return &Table{Rows: d.Samples, Cols: d.Taxa, Data: d.Tax}
}

// SeqTable returns the sequence counts as a Table.
func (d *Dataset) SeqTable() *Table {
	return &Table{Rows: d.Samples, Cols: d.Sequences, Data: d.Seq}
}

// Aligner aligns taxon counts, sequence counts and sequence lengths.
type Aligner struct {
	// Strict makes samples missing from one of the tables an
	// error. Otherwise they get a zero row.
	Strict bool
	// MinTaxonReads drops taxa with smaller total count.
	MinTaxonReads float64
}

// Coverage converts mean depth per sequence into mapped nucleotide
// counts (depth * length, rounded).
func Coverage(depth *Table, lengths *Lengths) (*Table, error) {
	l, err := lengthVector(depth.Cols, lengths)
	if err != nil {
		return nil, err
	}
	t := NewTable(depth.Rows, depth.Cols)
	if t.Data == nil {
		return t, nil
	}
	for i := range t.Rows {
		for j := range t.Cols {
			t.Data.Set(i, j, depth.Data.At(i, j)*l[j])
		}
	}
	t.Round()
	return t, nil
}

// Align reconciles the tables into a Dataset.
func (a *Aligner) Align(tax, seq *Table, lengths *Lengths) (*Dataset, error) {
	if a.MinTaxonReads > 0 {
		tax = tax.FilterCols(a.MinTaxonReads)
	}
	switch {
	case len(tax.Cols) == 0:
		return nil, &DataAlignmentError{Reason: "no taxa"}
	case len(seq.Cols) == 0:
		return nil, &DataAlignmentError{Reason: "no sequences"}
	case len(tax.Rows) == 0 && len(seq.Rows) == 0:
		return nil, &DataAlignmentError{Reason: "no samples"}
	}

	l, err := lengthVector(seq.Cols, lengths)
	if err != nil {
		return nil, err
	}

	onlyTax := difference(tax.Rows, seq.Rows)
	onlySeq := difference(seq.Rows, tax.Rows)
	if len(onlyTax)+len(onlySeq) > 0 {
		if a.Strict {
			return nil, &DataAlignmentError{
				Reason: "samples are not shared by taxon and sequence tables",
				IDs:    append(onlyTax, onlySeq...),
			}
		}
		if len(onlyTax) > 0 {
			log.Warningf("%d sample(s) have no sequence counts: %v", len(onlyTax), onlyTax)
		}
		if len(onlySeq) > 0 {
			log.Warningf("%d sample(s) have no taxon counts: %v", len(onlySeq), onlySeq)
		}
	}

	samples := union(tax.Rows, seq.Rows)
	d := &Dataset{
		Samples:   samples,
		Taxa:      append([]string(nil), tax.Cols...),
		Sequences: append([]string(nil), seq.Cols...),
		Tax:       mat.NewDense(len(samples), len(tax.Cols), nil),
		Seq:       mat.NewDense(len(samples), len(seq.Cols), nil),
		Length:    l,
	}
	copyRows(d.Tax, samples, tax)
	copyRows(d.Seq, samples, seq)
	if err := checkCounts(d.Tax, "taxon"); err != nil {
		return nil, err
	}
	if err := checkCounts(d.Seq, "sequence"); err != nil {
		return nil, err
	}
	log.Infof("Aligned %d samples, %d taxa, %d sequences", len(d.Samples), len(d.Taxa), len(d.Sequences))
	return d, nil
}

// lengthVector returns lengths in the order of ids.
func lengthVector(ids []string, lengths *Lengths) ([]float64, error) {
	byID := make(map[string]float64, len(lengths.IDs))
	for i, id := range lengths.IDs {
		byID[id] = lengths.Values[i]
	}
	l := make([]float64, len(ids))
	var missing, bad []string
	for j, id := range ids {
		v, ok := byID[id]
		switch {
		case !ok:
			missing = append(missing, id)
		case !(v > 0) || math.IsInf(v, 0):
			bad = append(bad, id)
		}
		l[j] = v
	}
	if len(missing) > 0 {
		return nil, &DataAlignmentError{Reason: "sequences without length", IDs: missing}
	}
	if len(bad) > 0 {
		return nil, &DataAlignmentError{Reason: "non-positive sequence length", IDs: bad}
	}
	if len(lengths.IDs) > len(ids) {
		log.Infof("%d sequence length(s) without counts are ignored", len(lengths.IDs)-len(ids))
	}
	return l, nil
}

func copyRows(dst *mat.Dense, samples []string, t *Table) {
	idx := make(map[string]int, len(t.Rows))
	for i, id := range t.Rows {
		idx[id] = i
	}
	for n, id := range samples {
		i, ok := idx[id]
		if !ok {
			continue
		}
		dst.SetRow(n, t.Data.RawRowView(i))
	}
}

func checkCounts(m *mat.Dense, name string) error {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if v < 0 || v != math.Trunc(v) {
				return &DataAlignmentError{Reason: fmt.Sprintf("%s counts should be non-negative integers, got %v", name, v)}
			}
		}
	}
	return nil
}

func difference(a, b []string) (d []string) {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	for _, s := range a {
		if !in[s] {
			d = append(d, s)
		}
	}
	return
}

func union(a, b []string) []string {
	m := make(map[string]int, len(a)+len(b))
	for _, s := range a {
		m[s] = 0
	}
	for _, s := range b {
		m[s] = 0
	}
	u := make([]string, 0, len(m))
	for s := range m {
		u = append(u, s)
	}
	sort.Strings(u)
	return u
}
