// Package estimate extracts point estimates from a fitted variational
// mean and writes them as tables.
package estimate

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/latstrain/model"
)

// log is the global logging variable.
var log = logging.MustGetLogger("estimate")

// Estimates are the constrained parameters and the expected count
// fractions at the variational mean.
type Estimates struct {
	Samples   []string `json:"samples"`
	Strains   []string `json:"strains"`
	Taxa      []string `json:"taxa"`
	Sequences []string `json:"sequences"`

	// Pi is N x S.
	Pi *mat.Dense `json:"-"`
	// Theta is S x T.
	Theta *mat.Dense `json:"-"`
	// Phi is S x G.
	Phi *mat.Dense `json:"-"`
	// ETax is N x T.
	ETax *mat.Dense `json:"-"`
	// ESeq is N x G.
	ESeq *mat.Dense `json:"-"`
}

// Extract maps the unconstrained mean to the estimates. It does not
// modify the model or the mean.
func Extract(m *model.Model, mean []float64) *Estimates {
	if len(mean) != m.Dim() {
		panic("incorrect mean length")
	}
	p, _ := m.Constrain(mean)
	eTax, eSeq := m.Expectations(p)
	d := m.Data()
	return &Estimates{
		Samples:   d.Samples,
		Strains:   StrainIDs(m.Layout().S),
		Taxa:      d.Taxa,
		Sequences: d.Sequences,
		Pi:        p.Pi,
		Theta:     p.Theta,
		Phi:       p.Phi,
		ETax:      eTax,
		ESeq:      eSeq,
	}
}

// StrainIDs returns strain identifiers s0..s{n-1}.
func StrainIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = "s" + strconv.Itoa(i)
	}
	return ids
}

// StrainAbundance returns the mean strain fraction over samples.
func (e *Estimates) StrainAbundance() []float64 {
	n, s := e.Pi.Dims()
	ab := make([]float64, s)
	for i := 0; i < n; i++ {
		for j, v := range e.Pi.RawRowView(i) {
			ab[j] += v / float64(n)
		}
	}
	return ab
}

// table is one output matrix.
type table struct {
	name   string
	corner string
	rows   []string
	cols   []string
	m      *mat.Dense
}

func (e *Estimates) tables() []table {
	return []table{
		{"pi", "sample", e.Samples, e.Strains, e.Pi},
		{"theta", "strain", e.Strains, e.Taxa, e.Theta},
		{"phi", "strain", e.Strains, e.Sequences, e.Phi},
		{"expect_tax", "sample", e.Samples, e.Taxa, e.ETax},
		{"expect_seq", "sample", e.Samples, e.Sequences, e.ESeq},
	}
}

// WriteTSV writes pi, theta, phi, expect_tax and expect_seq tables to
// dir as <prefix><name>.tsv.
func (e *Estimates) WriteTSV(dir, prefix string) error {
	for _, t := range e.tables() {
		fn := filepath.Join(dir, prefix+t.name+".tsv")
		if err := writeFile(fn, t); err != nil {
			return fmt.Errorf("writing %s: %w", fn, err)
		}
		log.Infof("Wrote %s", fn)
	}
	return nil
}

func writeFile(fn string, t table) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	if err := WriteMatrix(f, t.corner, t.rows, t.cols, t.m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteMatrix writes a matrix with a header of column identifiers
// and row identifiers in the first column.
func WriteMatrix(w io.Writer, corner string, rows, cols []string, m mat.Matrix) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(corner)
	for _, c := range cols {
		bw.WriteByte('\t')
		bw.WriteString(c)
	}
	bw.WriteByte('\n')
	for i, r := range rows {
		bw.WriteString(r)
		for j := range cols {
			bw.WriteByte('\t')
			bw.WriteString(strconv.FormatFloat(m.At(i, j), 'g', 8, 64))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
